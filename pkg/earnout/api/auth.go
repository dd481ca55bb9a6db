package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth"
	"github.com/tendant/simple-earnout/pkg/earnout"
)

// NewTokenAuth returns an HS256 verifier for caller tokens
func NewTokenAuth(secret string) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", []byte(secret), nil)
}

// IssueToken signs a token whose subject is the principal
func IssueToken(ja *jwtauth.JWTAuth, principal earnout.Principal, ttl time.Duration) (string, error) {
	if principal == "" {
		return "", fmt.Errorf("principal is required")
	}
	claims := map[string]interface{}{"sub": string(principal)}
	jwtauth.SetIssuedNow(claims)
	if ttl > 0 {
		jwtauth.SetExpiryIn(claims, ttl)
	}
	_, token, err := ja.Encode(claims)
	return token, err
}

// callerFrom reads the authenticated principal from the request's JWT subject
func callerFrom(ctx context.Context) (earnout.Principal, error) {
	_, claims, err := jwtauth.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errUnauthenticated
	}
	return earnout.Principal(sub), nil
}

// Authenticated verifies the bearer token and rejects requests without one
func Authenticated(ja *jwtauth.JWTAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return jwtauth.Verifier(ja)(jwtauth.Authenticator(next))
	}
}
