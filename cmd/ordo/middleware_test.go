package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/api/handlers"
	"github.com/PipeLaneLabs/ordo-ai/config"
	"github.com/PipeLaneLabs/ordo-ai/internal/metrics"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// identityEcho writes the authenticated identity as JSON.
var identityEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	user, _ := types.UserID(r.Context())
	tenant, _ := types.TenantID(r.Context())
	roles, _ := types.Roles(r.Context())
	_ = json.NewEncoder(w).Encode(map[string]any{"user": user, "tenant": tenant, "roles": roles})
})

func decodeIdentity(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

// =============================================================================
// 🧪 基础中间件
// =============================================================================

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestChain_FirstIsOutermost(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(okHandler, mark("a"), mark("b"), mark("c")).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.TraceID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := w.Header().Get("X-Request-ID")
	assert.True(t, strings.HasPrefix(generated, "req-"))
	assert.Equal(t, generated, seen)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-supplied")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "client-supplied", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "client-supplied", seen)
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), errorCode(t, w))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://console.example.com"})(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{name: "same origin", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "allowed", method: http.MethodGet, origin: "https://console.example.com", wantStatus: http.StatusOK, wantAllow: "https://console.example.com"},
		{name: "not allowed", method: http.MethodGet, origin: "https://evil.example.com", wantStatus: http.StatusOK},
		{name: "preflight allowed", method: http.MethodOptions, origin: "https://console.example.com", preflight: true, wantStatus: http.StatusNoContent, wantAllow: "https://console.example.com"},
		{name: "preflight rejected", method: http.MethodOptions, origin: "https://evil.example.com", preflight: true, wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/v1/workflows", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				r.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

// =============================================================================
// 🧪 限流
// =============================================================================

func TestRateLimiter(t *testing.T) {
	h := RateLimiter(t.Context(), 1, 2, zap.NewNop())(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 已认证用户使用独立的桶
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithUserID(r.Context(), "alice"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	h := RateLimiter(t.Context(), 0, 0, zap.NewNop())(okHandler)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

// =============================================================================
// 🧪 认证
// =============================================================================

func TestAuthenticate_Disabled(t *testing.T) {
	mw, err := Authenticate(config.JWTConfig{}, config.ServerConfig{}, skipAuthPaths, zap.NewNop())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mw(identityEcho).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", decodeIdentity(t, w)["user"])
}

func TestAuthenticate_APIKey(t *testing.T) {
	server := config.ServerConfig{APIKeys: []string{"k-one", "k-two"}, AllowQueryAPIKey: true}
	mw, err := Authenticate(config.JWTConfig{}, server, skipAuthPaths, zap.NewNop())
	require.NoError(t, err)
	h := mw(identityEcho)

	t.Run("header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
		r.Header.Set("X-API-Key", "k-two")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		id := decodeIdentity(t, w)
		assert.Equal(t, apiKeyPrincipal("k-two"), id["user"])
		assert.NotContains(t, id["user"], "k-two")
		assert.Equal(t, []any{apiKeyRole}, id["roles"])
	})

	t.Run("query", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/x/events/stream?api_key=k-one", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
		r.Header.Set("X-API-Key", "nope")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, string(types.ErrUnauthorized), errorCode(t, w))
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("probe paths skip auth", func(t *testing.T) {
		for _, p := range skipAuthPaths {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
			assert.Equal(t, http.StatusOK, w.Code, p)
		}
	})
}

func TestAuthenticate_QueryKeyNotAllowed(t *testing.T) {
	mw, err := Authenticate(config.JWTConfig{}, config.ServerConfig{APIKeys: []string{"k"}}, nil, zap.NewNop())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/workflows?api_key=k", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthenticate_JWT(t *testing.T) {
	const secret = "test-secret-with-enough-entropy"
	jwtCfg := config.JWTConfig{Secret: secret, Issuer: "ordo-test"}
	mw, err := Authenticate(jwtCfg, config.ServerConfig{}, skipAuthPaths, zap.NewNop())
	require.NoError(t, err)
	h := mw(identityEcho)

	future := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name       string
		claims     jwt.MapClaims
		secret     string
		wantStatus int
		wantUser   string
		wantTenant string
	}{
		{
			name:       "subject and roles",
			claims:     jwt.MapClaims{"sub": "alice", "iss": "ordo-test", "exp": future, "tenant_id": "t1", "roles": []string{"admin"}},
			wantStatus: http.StatusOK,
			wantUser:   "alice",
			wantTenant: "t1",
		},
		{
			name:       "user_id fallback",
			claims:     jwt.MapClaims{"user_id": "bob", "iss": "ordo-test", "exp": future},
			wantStatus: http.StatusOK,
			wantUser:   "bob",
		},
		{
			name:       "expired",
			claims:     jwt.MapClaims{"sub": "alice", "iss": "ordo-test", "exp": time.Now().Add(-time.Minute).Unix()},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no expiry",
			claims:     jwt.MapClaims{"sub": "alice", "iss": "ordo-test"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong issuer",
			claims:     jwt.MapClaims{"sub": "alice", "iss": "other", "exp": future},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong secret",
			claims:     jwt.MapClaims{"sub": "alice", "iss": "ordo-test", "exp": future},
			secret:     "another-secret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no subject",
			claims:     jwt.MapClaims{"iss": "ordo-test", "exp": future},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := secret
			if tt.secret != "" {
				key = tt.secret
			}
			r := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
			r.Header.Set("Authorization", "Bearer "+signHS256(t, key, tt.claims))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			id := decodeIdentity(t, w)
			assert.Equal(t, tt.wantUser, id["user"])
			assert.Equal(t, tt.wantTenant, id["tenant"])
		})
	}
}

func TestAuthenticate_InvalidPublicKey(t *testing.T) {
	_, err := Authenticate(config.JWTConfig{PublicKey: "not a pem"}, config.ServerConfig{}, nil, zap.NewNop())
	assert.Error(t, err)
}

// =============================================================================
// 🧪 指标
// =============================================================================

func TestNormalizePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/health", "/health"},
		{"/api/v1/workflows", "/api/v1/workflows"},
		{"/api/v1/workflows/0b9e8a52-4c1f-4d7e-9a51-6f3b2c1d0e9f", "/api/v1/workflows/:id"},
		{"/api/v1/workflows/0b9e8a52-4c1f-4d7e-9a51-6f3b2c1d0e9f/advance", "/api/v1/workflows/:id/advance"},
		{"/api/v1/workflows/42/audit", "/api/v1/workflows/:id/audit"},
		{"/api/v1/workflows/sample/gates", "/api/v1/workflows/sample/gates"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith(reg, "test", zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	h := MetricsMiddleware(collector)(mux)

	for _, p := range []string{
		"/api/v1/workflows/0b9e8a52-4c1f-4d7e-9a51-6f3b2c1d0e9f",
		"/api/v1/workflows/7d1c6a0e-2b3f-4a5e-8c9d-1e2f3a4b5c6d",
	} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil))

	expected := `
# HELP test_http_requests_total Total number of HTTP requests
# TYPE test_http_requests_total counter
test_http_requests_total{method="GET",path="/api/v1/workflows/:id",status="2xx"} 2
test_http_requests_total{method="POST",path="/api/v1/workflows",status="4xx"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_http_requests_total"))
}

// =============================================================================
// 🧪 命令辅助函数
// =============================================================================

func TestParseCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseCutoff("", now, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), got)

	got, err = parseCutoff("72h", now, 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-72*time.Hour), got)

	got, err = parseCutoff("2026-01-01T00:00:00Z", now, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), got)

	for _, bad := range []string{"yesterday", "-1h"} {
		_, err = parseCutoff(bad, now, 0)
		assert.Error(t, err, bad)
	}
	_, err = parseCutoff("", now, 0)
	assert.Error(t, err)
}

func TestOriginHosts(t *testing.T) {
	assert.Equal(t,
		[]string{"console.example.com", "localhost:3000", "*.example.org"},
		originHosts([]string{"https://console.example.com", "http://localhost:3000", "*.example.org"}),
	)
}
