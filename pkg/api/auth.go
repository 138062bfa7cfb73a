package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
)

// planClaims are the bearer-token claims accepted on the plan surface. The
// tenant binding is mandatory; a token without one is rejected outright.
type planClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// TokenAuth validates HS256 bearer tokens and binds each request to the
// token's tenant. A server without a TokenAuth runs open, for local and
// single-tenant deployments.
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth creates a validator over a shared HMAC secret.
func NewTokenAuth(secret []byte) *TokenAuth {
	return &TokenAuth{secret: secret}
}

func (a *TokenAuth) validate(tokenStr string) (*planClaims, error) {
	claims := &planClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("token tenant binding is required")
	}
	return claims, nil
}

type tenantKeyType struct{}

var tenantKey tenantKeyType

// TenantFromContext returns the authenticated tenant, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantKey).(string)
	return tenant, ok
}

// Middleware rejects requests without a valid bearer token and injects the
// token's tenant into the request context. The health endpoint stays public.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeUnauthorized(w, r, "missing Authorization header")
			return
		}
		scheme, tokenStr, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" {
			writeUnauthorized(w, r, "Authorization header must be 'Bearer <token>'")
			return
		}

		claims, err := a.validate(tokenStr)
		if err != nil {
			writeUnauthorized(w, r, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, errorir.New(errorir.CodeAuthUnauthorized, "Unauthorized",
		detail, http.StatusUnauthorized, errorir.ClassificationNonRetryable))
}

func tenantMismatchProblem(tokenTenant string) errorir.ErrorIR {
	return errorir.New(errorir.CodeAuthTenantMismatch, "Tenant mismatch",
		fmt.Sprintf("goal tenant does not match the token tenant %q", tokenTenant),
		http.StatusForbidden, errorir.ClassificationNonRetryable)
}
