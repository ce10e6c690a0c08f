package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

var testSecret = []byte("test-secret")

func quietLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, PrincipalFrom(r.Context()))
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareBearerToken(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Secret: testSecret, Issuer: "kipubank"}, quietLogger())
	h := m.Handler(echoPrincipal())

	token, err := SignToken(testSecret, "kipubank", "alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/capacity", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestAuthMiddlewareRejects(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Secret: testSecret, Issuer: "kipubank"}, quietLogger())
	h := m.Handler(echoPrincipal())

	expired, _ := SignToken(testSecret, "kipubank", "alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongIssuer, _ := SignToken(testSecret, "other", "alice", jwt.RegisteredClaims{})
	wrongKey, _ := SignToken([]byte("nope"), "kipubank", "alice", jwt.RegisteredClaims{})
	noSubject, _ := SignToken(testSecret, "kipubank", "", jwt.RegisteredClaims{})

	cases := map[string]string{
		"missing":      "",
		"bad scheme":   "Basic abc",
		"expired":      "Bearer " + expired,
		"wrong issuer": "Bearer " + wrongIssuer,
		"wrong key":    "Bearer " + wrongKey,
		"no subject":   "Bearer " + noSubject,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := serve(h, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthMiddlewareHeaderPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set(PrincipalHeader, "bob")

	strict := NewAuthMiddleware(AuthConfig{Secret: testSecret}, quietLogger()).Handler(echoPrincipal())
	assert.Equal(t, http.StatusUnauthorized, serve(strict, req).Code)

	lax := NewAuthMiddleware(AuthConfig{AllowHeader: true}, quietLogger()).Handler(echoPrincipal())
	rec := serve(lax, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())
}

func TestAuthMiddlewareSkipPaths(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Secret: testSecret, SkipPaths: []string{"/healthz"}}, quietLogger())
	rec := serve(m.Handler(echoPrincipal()), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, quietLogger())
	h := rl.Handler(echoPrincipal())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		codes = append(codes, serve(h, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// A different principal has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req = req.WithContext(WithPrincipal(req.Context(), "carol"))
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, quietLogger())
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.limiter("a")
	now = now.Add(time.Minute)
	rl.limiter("b")

	assert.Equal(t, 1, rl.Cleanup(30*time.Second))
	assert.Len(t, rl.visitors, 1)
}

func TestCORSMiddleware(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://app.example"}).Handler(echoPrincipal())

	req := httptest.NewRequest(http.MethodOptions, "/v1/deposits", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTracingMiddlewareAssignsRequestID(t *testing.T) {
	var seen string
	h := NewTracingMiddleware(quietLogger()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "fixed")
	rec = serve(h, req)
	assert.Equal(t, "fixed", rec.Header().Get(RequestIDHeader))
}

func TestAuthMiddlewareQueryToken(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Secret: testSecret}, quietLogger())
	token, err := SignToken(testSecret, "", "dave", jwt.RegisteredClaims{})
	require.NoError(t, err)

	rec := serve(m.Handler(echoPrincipal()), httptest.NewRequest(http.MethodGet, "/v1/events?access_token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dave", rec.Body.String())
}
