package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/golang-jwt/jwt/v5"
)

func newTokenRouter(t *testing.T, users auth.UserDirectory) (http.Handler, *auth.TokenIssuer) {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("ws-secret")})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte("session-secret"),
		CookieName:    "crm_session",
		Users:         users,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	return newTestRouter(t, Dependencies{Tokens: issuer, Sessions: sessions}), issuer
}

func sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "suitecrm",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("session-secret"))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return &http.Cookie{Name: "crm_session", Value: signed}
}

func TestTokenEndpointIssuesTokenForSessionUser(t *testing.T) {
	handler, issuer := newTokenRouter(t, stubUserDirectory{active: []string{"u1"}})

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		request := httptest.NewRequest(method, "/auth/ws-token", http.NoBody)
		request.AddCookie(sessionCookie(t, "u1"))
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", method, recorder.Code, recorder.Body.String())
		}
		var payload tokenResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !payload.Success || payload.ExpiresIn != 3600 {
			t.Fatalf("unexpected response %+v", payload)
		}
		userID, err := issuer.ValidateToken(payload.Token)
		if err != nil || userID != "u1" {
			t.Fatalf("expected token for u1, got %q err=%v", userID, err)
		}
	}
}

func TestTokenEndpointRequiresSession(t *testing.T) {
	handler, _ := newTokenRouter(t, nil)

	request := httptest.NewRequest(http.MethodPost, "/auth/ws-token", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodPost, "/auth/ws-token", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "crm_session", Value: "not-a-jwt"})
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage cookie, got %d", recorder.Code)
	}
}

func TestTokenEndpointDisabledWithoutIssuer(t *testing.T) {
	handler := newTestRouter(t, Dependencies{})
	request := httptest.NewRequest(http.MethodPost, "/auth/ws-token", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when token endpoint is not configured, got %d", recorder.Code)
	}
}

func TestTokenEndpointChecksCRMUserStatus(t *testing.T) {
	testCases := []struct {
		name     string
		users    stubUserDirectory
		expected int
	}{
		{name: "active user", users: stubUserDirectory{active: []string{"u1"}}, expected: http.StatusOK},
		{name: "deactivated user", users: stubUserDirectory{}, expected: http.StatusUnauthorized},
		{name: "directory unavailable", users: stubUserDirectory{err: errors.New("users table locked")}, expected: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			handler, _ := newTokenRouter(t, testCase.users)
			request := httptest.NewRequest(http.MethodPost, "/auth/ws-token", http.NoBody)
			request.AddCookie(sessionCookie(t, "u1"))
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)
			if recorder.Code != testCase.expected {
				t.Fatalf("expected %d, got %d: %s", testCase.expected, recorder.Code, recorder.Body.String())
			}
		})
	}
}
