package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/config"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/database"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/logging"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// services holds the shared pieces every subcommand starts from.
type services struct {
	config        config.AppConfig
	logger        *zap.Logger
	db            *gorm.DB
	notifications *notifications.Service
	tokens        *auth.TokenIssuer
}

func openServices(ctx context.Context, component string) (*services, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, component)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, appConfig.Database, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notifications.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.JWTSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	return &services{
		config:        appConfig,
		logger:        logger,
		db:            db,
		notifications: notificationService,
		tokens:        tokens,
	}, nil
}

func (r *services) Close() {
	if err := database.Close(r.db); err != nil {
		r.logger.Warn("database close failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func (r *services) rateLimiter() (auth.RateLimiter, func(), error) {
	switch r.config.RateLimit.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     r.config.Redis.Address,
			Password: r.config.Redis.Password,
			DB:       r.config.Redis.DB,
		})
		limiter, err := auth.NewRedisRateLimiter(auth.RedisRateLimiterConfig{
			Client: client,
			Max:    r.config.RateLimit.Max,
			Window: r.config.RateLimit.Window,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return limiter, func() { _ = client.Close() }, nil
	case "database":
		limiter, err := auth.NewGormRateLimiter(auth.GormRateLimiterConfig{
			Database: r.db,
			Max:      r.config.RateLimit.Max,
			Window:   r.config.RateLimit.Window,
			Logger:   r.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return limiter, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("ratelimit.backend %q is not supported", r.config.RateLimit.Backend)
	}
}
