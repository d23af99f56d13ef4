package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	bearerPrefix    = "bearer "
)

// Method names the credential a webhook caller presented.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodHMAC   Method = "hmac"
	MethodBearer Method = "bearer"
	MethodNone   Method = "none"
)

var (
	// ErrNoCredentials reports a request without any recognised auth header.
	ErrNoCredentials = errors.New("auth: no credentials presented")
	// ErrMethodUnavailable reports a method whose backing verifier is not configured.
	ErrMethodUnavailable = errors.New("auth: method not configured")
	// ErrCredentialStore reports a key store failure; the presented credential was never judged.
	ErrCredentialStore = errors.New("auth: credential store unavailable")
)

// DetectMethod picks the auth method by header presence alone: API key, then HMAC, then bearer.
func DetectMethod(r *http.Request) Method {
	if r == nil {
		return MethodNone
	}
	if r.Header.Get(HeaderAPIKey) != "" {
		return MethodAPIKey
	}
	if r.Header.Get(HeaderSignature) != "" {
		return MethodHMAC
	}
	if _, ok := bearerToken(r); ok {
		return MethodBearer
	}
	return MethodNone
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// TokenValidator validates bearer JWTs and yields the user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Principal identifies an authenticated webhook caller.
type Principal struct {
	Method  Method
	Subject string
}

// AuthenticatorConfig wires the verifiers behind each method. Nil verifiers disable their method.
type AuthenticatorConfig struct {
	Keys   KeyStore
	HMAC   *HMACVerifier
	Tokens TokenValidator
}

// Authenticator resolves webhook credentials.
type Authenticator struct {
	keys   KeyStore
	hmac   *HMACVerifier
	tokens TokenValidator
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	return &Authenticator{
		keys:   cfg.Keys,
		hmac:   cfg.HMAC,
		tokens: cfg.Tokens,
	}
}

// AcceptedMethods lists the methods this authenticator can verify, for the 401 hint.
func (a *Authenticator) AcceptedMethods() []string {
	accepted := make([]string, 0, 3)
	if a.keys != nil {
		accepted = append(accepted, string(MethodAPIKey))
	}
	if a.hmac.Configured() {
		accepted = append(accepted, string(MethodHMAC))
	}
	if a.tokens != nil {
		accepted = append(accepted, string(MethodBearer))
	}
	return accepted
}

// Authenticate verifies the credential for method against the request headers and raw body.
func (a *Authenticator) Authenticate(ctx context.Context, method Method, r *http.Request, body []byte) (Principal, error) {
	switch method {
	case MethodAPIKey:
		if a.keys == nil {
			return Principal{}, ErrMethodUnavailable
		}
		key, err := a.keys.Lookup(ctx, r.Header.Get(HeaderAPIKey))
		if errors.Is(err, ErrInvalidAPIKey) {
			return Principal{}, err
		}
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %w", ErrCredentialStore, err)
		}
		return Principal{Method: MethodAPIKey, Subject: key.Name}, nil
	case MethodHMAC:
		if !a.hmac.Configured() {
			return Principal{}, ErrMethodUnavailable
		}
		if err := a.hmac.Verify(r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp), body); err != nil {
			return Principal{}, err
		}
		return Principal{Method: MethodHMAC, Subject: string(MethodHMAC)}, nil
	case MethodBearer:
		if a.tokens == nil {
			return Principal{}, ErrMethodUnavailable
		}
		token, _ := bearerToken(r)
		userID, err := a.tokens.ValidateToken(token)
		if err != nil {
			return Principal{}, err
		}
		return Principal{Method: MethodBearer, Subject: userID}, nil
	case MethodNone:
		return Principal{}, ErrNoCredentials
	default:
		return Principal{}, fmt.Errorf("%w: %s", ErrNoCredentials, method)
	}
}
