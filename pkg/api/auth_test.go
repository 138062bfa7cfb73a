package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
)

var authSecret = []byte("test-secret")

func mintToken(t *testing.T, secret []byte, tenant string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, planClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "planner@acme",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, _ := newTestServer(t, nil, WithTokenAuth(NewTokenAuth(authSecret)))
	return srv
}

func postPlanWithToken(t *testing.T, srv *httptest.Server, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"goal": pointGoal()})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/plans", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAuthRejectsMissingToken(t *testing.T) {
	srv := newAuthServer(t)

	resp := postPlanWithToken(t, srv, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	ir := decodeProblem(t, resp)
	assert.Equal(t, errorir.CodeAuthUnauthorized, ir.Keel.ErrorCode)
}

func TestAuthRejectsForgedToken(t *testing.T) {
	srv := newAuthServer(t)

	resp := postPlanWithToken(t, srv, mintToken(t, []byte("wrong-secret"), "acme"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	ir := decodeProblem(t, resp)
	assert.Equal(t, errorir.CodeAuthUnauthorized, ir.Keel.ErrorCode)
}

func TestAuthRejectsTokenWithoutTenant(t *testing.T) {
	srv := newAuthServer(t)

	resp := postPlanWithToken(t, srv, mintToken(t, authSecret, ""))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthAcceptsMatchingTenant(t *testing.T) {
	srv := newAuthServer(t)

	resp := postPlanWithToken(t, srv, mintToken(t, authSecret, "acme"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out planResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.EvidenceRef)
}

func TestAuthRejectsTenantMismatch(t *testing.T) {
	srv := newAuthServer(t)

	// The token authenticates a different tenant than the goal names.
	resp := postPlanWithToken(t, srv, mintToken(t, authSecret, "rival"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	ir := decodeProblem(t, resp)
	assert.Equal(t, errorir.CodeAuthTenantMismatch, ir.Keel.ErrorCode)
}

func TestAuthKeepsHealthPublic(t *testing.T) {
	srv := newAuthServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
