package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/remiges-tech/refinery/logger"
)

// HS256Verifier validates bearer tokens signed with a static shared secret.
// It satisfies TokenVerifier, so deployments without an OIDC provider can
// run the same auth middleware in front of the API.
type HS256Verifier struct {
	secret []byte
}

func NewHS256Verifier(secret string) (*HS256Verifier, error) {
	if secret == "" {
		return nil, errors.New("HS256 secret cannot be empty")
	}
	return &HS256Verifier{secret: []byte(secret)}, nil
}

// Verify parses the token and checks its HMAC signature and registered
// claims. The returned IDToken carries no claims of its own; the middleware
// only cares that verification succeeded.
func (v *HS256Verifier) Verify(_ context.Context, rawToken string) (*oidc.IDToken, error) {
	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return &oidc.IDToken{}, nil
}

// LoadHS256Middleware builds the auth middleware around a shared-secret
// verifier. It mirrors LoadAuthMiddleware but needs no provider discovery,
// so there is no network round trip and no context.
func LoadHS256Middleware(secret string, cache TokenCache, l logger.Logger) (*AuthMiddleware, error) {
	verifier, err := NewHS256Verifier(secret)
	if err != nil {
		return nil, err
	}

	return &AuthMiddleware{
		Verifier: verifier,
		Cache:    cache,
		Logger:   l,
	}, nil
}
