package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var testClock = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

type stubAuthenticator struct {
	principal auth.Principal
	err       error
}

func (s stubAuthenticator) Authenticate(context.Context, auth.Method, *http.Request, []byte) (auth.Principal, error) {
	if s.err != nil {
		return auth.Principal{}, s.err
	}
	return s.principal, nil
}

func (s stubAuthenticator) AcceptedMethods() []string {
	return []string{"api_key", "hmac", "bearer"}
}

type failingKeyStore struct {
	err error
}

func (s failingKeyStore) Lookup(context.Context, string) (auth.APIKey, error) {
	return auth.APIKey{}, s.err
}

type stubUserDirectory struct {
	active []string
	err    error
}

func (s stubUserDirectory) ActiveUserIDs(context.Context, []string) ([]string, error) {
	return s.active, s.err
}

type stubLimiter struct {
	decision auth.Decision
	err      error
}

func (s stubLimiter) Allow(context.Context, string) (auth.Decision, error) {
	return s.decision, s.err
}

// stubCreator succeeds unless the title is "reject" (no targets) or "explode" (store error).
type stubCreator struct {
	mu       sync.Mutex
	requests []notifications.Request
}

func (s *stubCreator) CreateNotification(_ context.Context, request notifications.Request) (notifications.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, request)
	s.mu.Unlock()
	switch request.Title {
	case "reject":
		return notifications.Result{Success: false, Error: "No valid target users specified"}, nil
	case "explode":
		return notifications.Result{}, errors.New("database is gone")
	}
	return notifications.Result{
		Success:   true,
		AlertIDs:  []string{"alert-1"},
		QueueIDs:  []string{"queue-1"},
		UserCount: 1,
	}, nil
}

func newTestRouter(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Authenticator == nil {
		deps.Authenticator = stubAuthenticator{principal: auth.Principal{Method: auth.MethodAPIKey, Subject: "telephony"}}
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = stubLimiter{decision: auth.Decision{Allowed: true}}
	}
	if deps.Notifications == nil {
		deps.Notifications = &stubCreator{}
	}
	if deps.Clock == nil {
		deps.Clock = testClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func performRequest(handler http.Handler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

type panickingCreator struct{}

func (panickingCreator) CreateNotification(context.Context, notifications.Request) (notifications.Result, error) {
	panic("unexpected nil alert store")
}
