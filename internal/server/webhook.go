package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actionStatus = "status"
	actionCreate = "create"
	actionBatch  = "batch"

	maxBatchSize = 50
)

type statusData struct {
	Status    string `json:"status"`
	Endpoint  string `json:"endpoint"`
	Version   string `json:"version"`
	Method    string `json:"method"`
	Timestamp int64  `json:"timestamp"`
}

type statusResponse struct {
	Success bool       `json:"success"`
	Data    statusData `json:"data"`
}

type rateLimitResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after"`
}

type unauthorizedResponse struct {
	Success      bool     `json:"success"`
	Error        string   `json:"error"`
	AcceptedAuth []string `json:"accepted_auth"`
}

type createData struct {
	AlertIDs  []string `json:"alert_ids"`
	QueueIDs  []string `json:"queue_ids"`
	UserCount int      `json:"user_count"`
	Errors    []string `json:"errors,omitempty"`
}

type createResponse struct {
	Success bool       `json:"success"`
	Data    createData `json:"data"`
}

type batchRequest struct {
	Notifications []json.RawMessage `json:"notifications"`
}

type batchItemResult struct {
	Index     int      `json:"index"`
	Success   bool     `json:"success"`
	AlertIDs  []string `json:"alert_ids,omitempty"`
	QueueIDs  []string `json:"queue_ids,omitempty"`
	UserCount int      `json:"user_count,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type batchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type batchData struct {
	Results []batchItemResult `json:"results"`
	Summary batchSummary      `json:"summary"`
}

type batchResponse struct {
	Success bool      `json:"success"`
	Data    batchData `json:"data"`
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	action := strings.ToLower(strings.TrimSpace(c.Query("action")))
	if action == "" {
		action = actionCreate
	}

	if action == actionStatus {
		c.JSON(http.StatusOK, statusResponse{
			Success: true,
			Data: statusData{
				Status:    "ok",
				Endpoint:  "notifications",
				Version:   APIVersion,
				Method:    c.Request.Method,
				Timestamp: h.clock().Unix(),
			},
		})
		return
	}

	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, errorResponse{Success: false, Error: "Method not allowed"})
		return
	}

	clientIP := auth.ClientIP(c.Request)
	decision, err := h.limiter.Allow(c.Request.Context(), clientIP)
	if err != nil {
		h.logger.Error("rate limiter unavailable", zap.String("client_ip", clientIP), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
		return
	}
	if !decision.Allowed {
		retryAfter := int64(decision.RetryAfter.Seconds())
		h.logger.Info("rate limit exceeded", zap.String("client_ip", clientIP), zap.Int64("retry_after", retryAfter))
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.JSON(http.StatusTooManyRequests, rateLimitResponse{
			Success:    false,
			Error:      "Rate limit exceeded",
			RetryAfter: retryAfter,
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Success: false, Error: "Payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: "Unable to read request body"})
		return
	}

	method := auth.DetectMethod(c.Request)
	principal, err := h.authenticator.Authenticate(c.Request.Context(), method, c.Request, body)
	if err != nil {
		fields := []zap.Field{zap.String("method", string(method)), zap.String("client_ip", clientIP), zap.Error(err)}
		if errors.Is(err, auth.ErrCredentialStore) {
			h.logger.Error("webhook credential lookup failed", fields...)
			c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
			return
		}
		if errors.Is(err, auth.ErrNoCredentials) || errors.Is(err, auth.ErrTokenExpired) {
			h.logger.Info("webhook authentication failed", fields...)
		} else {
			h.logger.Warn("webhook authentication failed", fields...)
		}
		c.JSON(http.StatusUnauthorized, unauthorizedResponse{
			Success:      false,
			Error:        "Unauthorized",
			AcceptedAuth: h.authenticator.AcceptedMethods(),
		})
		return
	}

	logger := h.logger.With(
		zap.String("auth_method", string(principal.Method)),
		zap.String("principal", principal.Subject),
		zap.String("client_ip", clientIP),
	)

	switch action {
	case actionCreate:
		h.handleCreate(c, logger, body)
	case actionBatch:
		h.handleBatch(c, logger, body)
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: "Unknown action: " + action})
	}
}

func (h *httpHandler) handleCreate(c *gin.Context, logger *zap.Logger, body []byte) {
	request, err := notifications.ParseRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}

	result, err := h.notifications.CreateNotification(c.Request.Context(), request)
	if err != nil {
		logger.Error("notification creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: result.Error, Errors: result.Errors})
		return
	}

	logger.Info("notification accepted", zap.Int("user_count", result.UserCount), zap.Int("queued", len(result.QueueIDs)))
	c.JSON(http.StatusCreated, createResponse{
		Success: true,
		Data: createData{
			AlertIDs:  result.AlertIDs,
			QueueIDs:  result.QueueIDs,
			UserCount: result.UserCount,
			Errors:    result.Errors,
		},
	})
}

func (h *httpHandler) handleBatch(c *gin.Context, logger *zap.Logger, body []byte) {
	var request batchRequest
	if err := json.Unmarshal(body, &request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: "Invalid JSON payload"})
		return
	}
	if len(request.Notifications) == 0 || len(request.Notifications) > maxBatchSize {
		c.JSON(http.StatusBadRequest, errorResponse{
			Success: false,
			Error:   "Batch must contain between 1 and " + strconv.Itoa(maxBatchSize) + " notifications",
		})
		return
	}

	results := make([]batchItemResult, 0, len(request.Notifications))
	summary := batchSummary{Total: len(request.Notifications)}
	for index, raw := range request.Notifications {
		item := h.processBatchItem(c, logger, index, raw)
		if item.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		results = append(results, item)
	}

	status := http.StatusCreated
	switch {
	case summary.Succeeded == 0:
		status = http.StatusBadRequest
	case summary.Failed > 0:
		status = http.StatusMultiStatus
	}

	logger.Info("notification batch processed",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))
	c.JSON(status, batchResponse{
		Success: summary.Succeeded > 0,
		Data: batchData{
			Results: results,
			Summary: summary,
		},
	})
}

func (h *httpHandler) processBatchItem(c *gin.Context, logger *zap.Logger, index int, raw json.RawMessage) batchItemResult {
	request, err := notifications.ParseRequest(raw)
	if err != nil {
		return batchItemResult{Index: index, Success: false, Error: err.Error()}
	}
	result, err := h.notifications.CreateNotification(c.Request.Context(), request)
	if err != nil {
		logger.Error("batch item creation failed", zap.Int("index", index), zap.Error(err))
		return batchItemResult{Index: index, Success: false, Error: "Internal server error"}
	}
	if !result.Success {
		return batchItemResult{Index: index, Success: false, Error: result.Error}
	}
	return batchItemResult{
		Index:     index,
		Success:   true,
		AlertIDs:  result.AlertIDs,
		QueueIDs:  result.QueueIDs,
		UserCount: result.UserCount,
	}
}
