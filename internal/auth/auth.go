// Package auth resolves API credentials to user identities.
package auth

import (
	"context"
	"crypto/subtle"

	"konform/internal/errs"
)

// Verifier maps a bearer token to a user ID.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticTokens verifies against a fixed token map from configuration.
type StaticTokens struct {
	tokens map[string]string // token -> user id
}

// NewStaticTokens copies the given map so later config mutation cannot
// change live credentials.
func NewStaticTokens(tokens map[string]string) *StaticTokens {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticTokens{tokens: cp}
}

// Verify resolves the token in constant time per candidate.
func (s *StaticTokens) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", errs.Errorf(errs.Unauthorized, "auth.Verify", "missing bearer token")
	}
	for candidate, userID := range s.tokens {
		if len(candidate) == len(token) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return userID, nil
		}
	}
	return "", errs.Errorf(errs.Unauthorized, "auth.Verify", "unknown token")
}

// ctxKey is unexported so only this package can write the identity.
type ctxKey struct{}

// WithUser stamps the authenticated user onto the context.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom reads the authenticated user off the context.
func UserFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok && userID != ""
}
