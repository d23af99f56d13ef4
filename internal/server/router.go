package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// APIVersion is echoed by the public status action.
	APIVersion = "1.0.0"

	webhookPath     = "/notifications"
	tokenPath       = "/auth/ws-token"
	maxWebhookBody  = 1 << 20
	defaultTokenTTL = time.Hour
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingRateLimiter   = errors.New("rate limiter dependency required")
	errMissingNotifications = errors.New("notification service dependency required")
)

// Authenticator verifies webhook credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, method auth.Method, r *http.Request, body []byte) (auth.Principal, error)
	AcceptedMethods() []string
}

// NotificationCreator is the queue insertion contract shared by every producer.
type NotificationCreator interface {
	CreateNotification(ctx context.Context, request notifications.Request) (notifications.Result, error)
}

// TokenIssuer mints WebSocket tokens.
type TokenIssuer interface {
	CreateToken(userID string, ttl time.Duration) (string, int64, error)
}

// SessionValidator resolves the CRM session behind a browser request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	Authenticator Authenticator
	RateLimiter   auth.RateLimiter
	Notifications NotificationCreator
	// Tokens and Sessions enable the token endpoint when both are set.
	Tokens   TokenIssuer
	Sessions SessionValidator
	TokenTTL time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.RateLimiter == nil {
		return nil, errMissingRateLimiter
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tokenTTL := deps.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		limiter:       deps.RateLimiter,
		notifications: deps.Notifications,
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		tokenTTL:      tokenTTL,
		clock:         clock,
		logger:        logger,
	}

	router := gin.New()
	router.Use(gin.CustomRecovery(handler.recoverPanic))
	router.Use(corsMiddleware())

	router.Any(webhookPath, handler.handleNotifications)
	router.Any(webhookPath+"/", handler.handleNotifications)

	if deps.Tokens != nil && deps.Sessions != nil {
		router.POST(tokenPath, handler.handleTokenRequest)
		router.GET(tokenPath, handler.handleTokenRequest)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Authorization",
			"Content-Type",
			auth.HeaderAPIKey,
			auth.HeaderSignature,
			auth.HeaderTimestamp,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	authenticator Authenticator
	limiter       auth.RateLimiter
	notifications NotificationCreator
	tokens        TokenIssuer
	sessions      SessionValidator
	tokenTTL      time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) recoverPanic(c *gin.Context, recovered any) {
	h.logger.Error("panic while handling request",
		zap.String("path", c.Request.URL.Path),
		zap.Any("panic", recovered))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
}

type errorResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Errors  []string `json:"errors,omitempty"`
}
