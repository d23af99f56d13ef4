package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errMissingFlag = errors.New("required flag missing")

func newIssueTokenCommand() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a WebSocket token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("%w: --user", errMissingFlag)
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.JWTSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.CreateToken(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "CRM user id the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func newCreateAPIKeyCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create-api-key",
		Short: "Create a webhook API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("%w: --name", errMissingFlag)
			}
			app, err := openServices(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer app.Close()

			keyStore, err := auth.NewGormKeyStore(app.db, time.Now)
			if err != nil {
				return err
			}
			key, err := keyStore.Create(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id=%s\nname=%s\nkey=%s\n", key.ID, key.Name, key.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Label for the integration that will use the key")
	return cmd
}

func newRevokeAPIKeyCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke-api-key",
		Short: "Deactivate a webhook API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("%w: --id", errMissingFlag)
			}
			app, err := openServices(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer app.Close()

			keyStore, err := auth.NewGormKeyStore(app.db, time.Now)
			if err != nil {
				return err
			}
			if err := keyStore.Revoke(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked=%s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "API key id")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete queue entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openServices(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer app.Close()

			if days <= 0 {
				days = app.config.RetentionDays
			}
			removed, err := app.notifications.CleanupOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed=%d\n", removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (defaults to notifications.retention_days)")
	return cmd
}
