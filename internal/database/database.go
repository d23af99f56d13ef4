package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/config"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	sqlite "github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var errUnsupportedDriver = errors.New("unsupported database driver")

// Open connects to the configured database, retrying until it answers a ping, and migrates the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := connect(ctx, dialector, cfg)
		if err == nil {
			if err := Migrate(db, cfg.Driver == DriverSQLite, logger); err != nil {
				closeQuietly(db)
				return nil, err
			}
			logger.Info("database initialized",
				zap.String("driver", cfg.Driver),
				zap.Int("attempt", attempt))
			return db, nil
		}
		lastErr = err
		logger.Warn("database connection failed",
			zap.String("driver", cfg.Driver),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ConnectInterval):
		}
	}
	return nil, fmt.Errorf("database unavailable after %d attempts: %w", attempts, lastErr)
}

func connect(ctx context.Context, dialector gorm.Dialector, cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.PoolSize > 0 {
		sqlDB.SetMaxOpenConns(cfg.PoolSize)
		sqlDB.SetMaxIdleConns(cfg.PoolSize)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverMySQL:
		return mysql.Open(mysqlDSN(cfg)), nil
	case DriverPostgres:
		return postgres.Open(postgresDSN(cfg)), nil
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return sqlite.Open(cfg.Path), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedDriver, cfg.Driver)
	}
}

func mysqlDSN(cfg config.DatabaseConfig) string {
	driverConfig := mysqldriver.NewConfig()
	driverConfig.User = cfg.User
	driverConfig.Passwd = cfg.Password
	driverConfig.Net = "tcp"
	driverConfig.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	driverConfig.DBName = cfg.Name
	driverConfig.ParseTime = true
	driverConfig.Loc = time.UTC
	driverConfig.Params = map[string]string{"charset": "utf8mb4"}
	return driverConfig.FormatDSN()
}

// postgresDSN renders a libpq keyword/value string with every value quoted.
func postgresDSN(cfg config.DatabaseConfig) string {
	pairs := []struct {
		key   string
		value string
	}{
		{"host", cfg.Host},
		{"port", strconv.Itoa(cfg.Port)},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"dbname", cfg.Name},
		{"sslmode", cfg.SSLMode},
		{"TimeZone", "UTC"},
	}
	parts := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if pair.value == "" {
			continue
		}
		parts = append(parts, pair.key+"="+quoteKeywordValue(pair.value))
	}
	return strings.Join(parts, " ")
}

func quoteKeywordValue(value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "'" + escaped + "'"
}

// Migrate creates the notifier-owned tables and applies named migrations.
// CRM-owned tables are only created when includeCRMTables is set, for standalone deployments.
func Migrate(db *gorm.DB, includeCRMTables bool, logger *zap.Logger) error {
	models := []any{
		&notifications.QueueEntry{},
		&auth.APIKey{},
		&auth.RateLimitRecord{},
		&migrationRecord{},
	}
	if includeCRMTables {
		models = append(models,
			&notifications.Alert{},
			&notifications.User{},
			&notifications.Role{},
			&notifications.RoleMembership{},
		)
	}
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeQuietly(db *gorm.DB) {
	_ = Close(db)
}
