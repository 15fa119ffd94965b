// Package auth verifies operator credentials for the gateway. Two credential
// forms are accepted: static bearer tokens and HS256 JWTs. With neither
// configured, authentication is disabled and every request passes.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled means no secret or tokens are configured.
	ErrAuthDisabled = errors.New("auth disabled")

	// ErrInvalidToken covers malformed, unsigned, and expired credentials.
	ErrInvalidToken = errors.New("invalid token")
)

// Principal identifies a verified caller.
type Principal struct {
	Subject string
	Name    string
}

// Config for the authenticator.
type Config struct {
	// Tokens are static bearer tokens, each granting operator access.
	Tokens []string `json:"tokens" yaml:"tokens"`

	// JWTSecret enables HS256 token verification when non-empty.
	JWTSecret string `json:"jwtSecret" yaml:"jwtSecret"`

	// JWTExpiry bounds issued tokens. Zero issues non-expiring tokens.
	JWTExpiry time.Duration `json:"jwtExpiry" yaml:"jwtExpiry"`
}

// Claims carried in issued JWTs.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer credentials.
type Authenticator struct {
	tokens map[string]struct{}
	secret []byte
	expiry time.Duration
}

func New(cfg Config) *Authenticator {
	tokens := make(map[string]struct{}, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens[t] = struct{}{}
		}
	}
	return &Authenticator{
		tokens: tokens,
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.JWTExpiry,
	}
}

// Enabled reports whether any credential form is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.tokens) > 0 || len(a.secret) > 0)
}

// Issue signs a JWT for the subject. Fails when no secret is configured.
func (a *Authenticator) Issue(subject, name string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}

	claims := Claims{
		Name: strings.TrimSpace(name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if a.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(a.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify checks a bearer credential. Static tokens are tried first, then JWT
// verification when a secret is configured.
func (a *Authenticator) Verify(credential string) (*Principal, error) {
	if !a.Enabled() {
		return nil, ErrAuthDisabled
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrInvalidToken
	}

	for token := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(credential)) == 1 {
			return &Principal{Subject: "operator"}, nil
		}
	}

	if len(a.secret) == 0 {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{Subject: claims.Subject, Name: claims.Name}, nil
}

// FromHeader extracts the credential from an Authorization header value.
func FromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
