package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/realtime"
	"github.com/spf13/cobra"
)

func newWebSocketCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ws",
		Short: "Serve the WebSocket delivery server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebSocket(cmd.Context())
		},
	}
}

func runWebSocket(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openServices(signalCtx, "ws")
	if err != nil {
		return err
	}
	defer app.Close()

	wsConfig := app.config.WebSocket
	deliveryServer, err := realtime.NewServer(realtime.Config{
		Store:             app.notifications,
		Tokens:            app.tokens,
		PollInterval:      wsConfig.PollInterval,
		HeartbeatInterval: wsConfig.HeartbeatInterval,
		CleanupInterval:   wsConfig.CleanupInterval,
		PollBatchSize:     wsConfig.PollBatchSize,
		SendBuffer:        wsConfig.SendBuffer,
		RetentionDays:     app.config.RetentionDays,
		Logger:            app.logger,
	})
	if err != nil {
		return err
	}
	return deliveryServer.ListenAndServe(signalCtx, wsConfig.ListenAddress())
}
