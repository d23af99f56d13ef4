package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionIssuer = "suitecrm"

var (
	ErrMissingSessionSigningKey = errors.New("crm session: signing key required")
	ErrMissingSessionCookieName = errors.New("crm session: cookie name required")
	ErrMissingSessionToken      = errors.New("crm session: cookie missing")
	ErrInvalidSessionToken      = errors.New("crm session: invalid token")
	ErrExpiredSessionToken      = errors.New("crm session: expired")
	ErrMissingSessionSubject    = errors.New("crm session: no user id")
	ErrInactiveSessionUser      = errors.New("crm session: user is not active")
)

// SessionClaims is the payload the CRM front end signs into its session cookie.
// Older CRM builds only set sub; newer ones add user_id and user_name.
type SessionClaims struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

// CRMUserID returns user_id, or sub for sessions minted by older CRM builds.
func (c SessionClaims) CRMUserID() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}

// UserDirectory answers which CRM users may still receive notifications.
type UserDirectory interface {
	ActiveUserIDs(ctx context.Context, userIDs []string) ([]string, error)
}

// SessionValidatorConfig describes how CRM session cookies are checked.
// Users is optional; without it a valid signature is enough.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Users         UserDirectory
	Clock         func() time.Time
}

// SessionValidator turns a CRM session cookie into the user the websocket token is minted for.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	users         UserDirectory
	clock         func() time.Time
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		users:         cfg.Users,
		clock:         clock,
	}, nil
}

func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken checks the signature, expiry and issuer of a session token.
// The returned claims always carry a UserID.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, v.signingKey,
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}

	userID := claims.CRMUserID()
	if userID == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	claims.UserID = userID
	claims.UserName = strings.TrimSpace(claims.UserName)
	return claims, nil
}

// ValidateRequest reads the session cookie and, when a directory is configured,
// rejects users the CRM has deactivated or deleted since the session was issued.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	claims, err := v.ValidateToken(cookie.Value)
	if err != nil {
		return SessionClaims{}, err
	}
	if err := v.requireActive(r.Context(), claims.UserID); err != nil {
		return claims, err
	}
	return claims, nil
}

func (v *SessionValidator) requireActive(ctx context.Context, userID string) error {
	if v.users == nil {
		return nil
	}
	active, err := v.users.ActiveUserIDs(ctx, []string{userID})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialStore, err)
	}
	if !slices.Contains(active, userID) {
		return ErrInactiveSessionUser
	}
	return nil
}

func (v *SessionValidator) signingKey(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
	}
	return v.signingSecret, nil
}
