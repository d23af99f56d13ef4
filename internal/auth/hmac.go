package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHMACMaxSkew = 300 * time.Second
	signaturePrefix    = "sha256="
)

var (
	ErrHMACNotConfigured  = errors.New("hmac: secret not configured")
	ErrMissingSignature   = errors.New("hmac: signature and timestamp headers required")
	ErrInvalidTimestamp   = errors.New("hmac: invalid timestamp")
	ErrTimestampOutOfSkew = errors.New("hmac: request outside replay window")
	ErrSignatureMismatch  = errors.New("hmac: signature mismatch")
)

// HMACVerifierConfig configures webhook signature verification.
type HMACVerifierConfig struct {
	Secret  []byte
	MaxSkew time.Duration
	Clock   func() time.Time
}

// HMACVerifier checks X-Signature headers computed over timestamp || body.
type HMACVerifier struct {
	secret  []byte
	maxSkew time.Duration
	clock   func() time.Time
}

// NewHMACVerifier builds a verifier. An empty secret yields a verifier that rejects everything.
func NewHMACVerifier(cfg HMACVerifierConfig) *HMACVerifier {
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = defaultHMACMaxSkew
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &HMACVerifier{
		secret:  append([]byte(nil), cfg.Secret...),
		maxSkew: maxSkew,
		clock:   clock,
	}
}

// Configured reports whether a shared secret is present.
func (v *HMACVerifier) Configured() bool {
	return v != nil && len(v.secret) > 0
}

// Verify validates signature for the unix-seconds timestamp and raw body.
func (v *HMACVerifier) Verify(signature, timestamp string, body []byte) error {
	if !v.Configured() {
		return ErrHMACNotConfigured
	}
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	delta := v.clock().Sub(time.Unix(seconds, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.maxSkew {
		return ErrTimestampOutOfSkew
	}

	expectedHex := ComputeSignature(v.secret, timestamp, body)
	provided := strings.ToLower(strings.TrimPrefix(signature, signaturePrefix))
	if !hmac.Equal([]byte(provided), []byte(expectedHex)) {
		return ErrSignatureMismatch
	}
	return nil
}

// ComputeSignature returns hex(HMAC-SHA256(secret, timestamp || body)).
func ComputeSignature(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
