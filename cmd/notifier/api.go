package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/ingest"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const httpShutdownTimeout = 10 * time.Second

func newAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the notification webhook and WebSocket token API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd.Context())
		},
	}
}

func runAPI(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openServices(signalCtx, "api")
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	keyStore, err := auth.NewGormKeyStore(app.db, time.Now)
	if err != nil {
		return err
	}
	authenticator := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Keys:   keyStore,
		HMAC:   auth.NewHMACVerifier(auth.HMACVerifierConfig{Secret: []byte(app.config.HMACSecret)}),
		Tokens: app.tokens,
	})

	limiter, closeLimiter, err := app.rateLimiter()
	if err != nil {
		return err
	}
	defer closeLimiter()

	deps := server.Dependencies{
		Authenticator: authenticator,
		RateLimiter:   limiter,
		Notifications: app.notifications,
		TokenTTL:      app.config.TokenTTL,
		Logger:        logger,
	}
	if app.config.Session.SigningSecret != "" {
		sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(app.config.Session.SigningSecret),
			Issuer:        app.config.Session.Issuer,
			CookieName:    app.config.Session.CookieName,
			Users:         notifications.NewGormDirectory(app.db),
		})
		if err != nil {
			return err
		}
		deps.Tokens = app.tokens
		deps.Sessions = sessions
	} else {
		logger.Info("session.signing_secret not set; token endpoint disabled")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	if app.config.AMQP.URL != "" {
		consumer, err := ingest.NewConsumer(ingest.Config{
			URL:     app.config.AMQP.URL,
			Queue:   app.config.AMQP.Queue,
			Creator: app.notifications,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		consumerDone := make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(signalCtx); err != nil {
				logger.Error("amqp consumer stopped", zap.Error(err))
			}
		}()
		defer func() {
			stop()
			<-consumerDone
		}()
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
