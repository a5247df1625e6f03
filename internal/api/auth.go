package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/scania/scanhub/internal/model"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves the caller of a request. The caller name is the
// owner recorded on submitted jobs.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// NoAuth accepts every request as the anonymous caller.
type NoAuth struct{}

func (NoAuth) Authenticate(*http.Request) (string, error) { return "", nil }

// StaticTokens maps bearer tokens to caller names.
type StaticTokens map[string]string

func (s StaticTokens) Authenticate(r *http.Request) (string, error) {
	tok := Token(r)
	if tok == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var caller string
	var found bool
	for known, name := range s {
		if subtle.ConstantTimeCompare([]byte(known), []byte(tok)) == 1 {
			caller, found = name, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return caller, nil
}

// NewAuthenticator builds the authenticator selected by service.auth.
func NewAuthenticator(cfg model.Auth) (Authenticator, error) {
	switch cfg.Type {
	case "", model.AuthTypeNone:
		return NoAuth{}, nil
	case model.AuthTypeStaticToken:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("auth: static_token requires at least one token")
		}
		return StaticTokens(cfg.Tokens), nil
	default:
		return nil, fmt.Errorf("auth: unsupported type %q", cfg.Type)
	}
}

// Token returns the bearer token of r, falling back to the token query
// parameter used by browser websocket clients.
func Token(r *http.Request) string {
	const prefix = "bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return r.URL.Query().Get("token")
}

type callerKey struct{}

func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the authenticated caller stored by the server.
func Caller(ctx context.Context) string {
	c, _ := ctx.Value(callerKey{}).(string)
	return c
}
