package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "notifier",
		Short:        "CRM real-time notification services",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newAPICommand(),
		newWebSocketCommand(),
		newIssueTokenCommand(),
		newCreateAPIKeyCommand(),
		newRevokeAPIKeyCommand(),
		newCleanupCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flags.String("http-address", defaults.GetString("http.address"), "Webhook and token API listen address")
	flags.Int("ws-port", defaults.GetInt("ws.port"), "WebSocket delivery server port")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (mysql, postgres, sqlite)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("ratelimit-backend", defaults.GetString("ratelimit.backend"), "Rate limiter backend (database, redis)")
	flags.String("amqp-url", defaults.GetString("amqp.url"), "RabbitMQ URL for the ingest consumer")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("jwt-secret", "", "WebSocket token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "ws.port", "ws-port")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "ratelimit.backend", "ratelimit-backend")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.jwt_secret", "jwt-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
