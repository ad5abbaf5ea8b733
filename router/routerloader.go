package router

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/refinery/logger"
)

const defaultRequestTimeout = 60 * time.Second

// SetupRouter builds a gin engine with the middleware chain shared by the
// services in this repository. The order matters: LogRequest records every
// request after it completes, gin.Recovery catches panics re-raised by
// TimeoutMiddleware, and TimeoutMiddleware bounds handler time. OIDC auth,
// when enabled, runs last so rejected requests still show up in the logs.
func SetupRouter(useOIDCAuth bool, requestLogger RequestLogger, authMiddleware *AuthMiddleware, requestTimeout time.Duration) (*gin.Engine, error) {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	r := gin.New()
	r.Use(LogRequest(requestLogger))
	r.Use(gin.Recovery())
	r.Use(TimeoutMiddleware(requestTimeout))

	if useOIDCAuth {
		if authMiddleware == nil {
			return nil, fmt.Errorf("OIDC auth enabled but no auth middleware provided")
		}
		r.Use(authMiddleware.MiddlewareFunc())
	}

	return r, nil
}

func LoadAuthMiddleware(clientID string, providerURL string, cache TokenCache, l logger.Logger) (*AuthMiddleware, error) {
	// Define a timeout duration
	timeout := 5 * time.Second

	// Create a context with the specified timeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, providerURL)
	if err != nil {
		return nil, err
	}

	authMiddleware, err := NewAuthMiddleware(clientID, provider, cache, l)
	if err != nil {
		return nil, err
	}

	return authMiddleware, nil
}
