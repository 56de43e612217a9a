// Package auth validates WebSocket upgrade tokens. Two credential forms are
// accepted: static tokens from the config file (shared with trusted devices
// on the private network) and short-lived HS256 JWTs minted by the CLI.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailed is returned for any rejected credential. The caller closes
// the connection with code 4004; the reason is logged server-side only.
var ErrAuthFailed = errors.New("auth: authentication failed")

// Config holds the credential material.
type Config struct {
	// Tokens are static bearer tokens, compared in constant time.
	Tokens []string
	// JWTSecret enables JWT validation when non-empty.
	JWTSecret string
}

// Validator checks upgrade tokens. Safe for concurrent use; Update
// supports config hot reload.
type Validator struct {
	mu     sync.RWMutex
	tokens []string
	secret []byte
}

// NewValidator creates a validator from cfg.
func NewValidator(cfg Config) *Validator {
	v := &Validator{}
	v.Update(cfg)
	return v
}

// Update swaps the credential material (config hot reload).
func (v *Validator) Update(cfg Config) {
	tokens := make([]string, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	v.mu.Lock()
	v.tokens = tokens
	v.secret = []byte(cfg.JWTSecret)
	v.mu.Unlock()
}

// Validate accepts token when it matches a static token or parses as an
// unexpired HS256 JWT under the configured secret.
func (v *Validator) Validate(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	v.mu.RLock()
	tokens := v.tokens
	secret := v.secret
	v.mu.RUnlock()

	for _, known := range tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return nil
		}
	}

	if len(secret) == 0 {
		return fmt.Errorf("%w: unknown token", ErrAuthFailed)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.Parse(token, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// IssueToken mints a JWT for subject, valid for ttl (24 hours when ttl is
// zero; a negative ttl yields an already-expired token). Used by the CLI to
// hand out device credentials without sharing the static tokens.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: issue token: empty secret")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return signed, nil
}
