package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	// 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(1, 2)
	defer limiter.Stop()
	handler := limiter.Middleware(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do().Code, "within burst limit")
	}
	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	other := httptest.NewRecorder()
	handler.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, do().Code, "refilled token")
}

func signHS256(t *testing.T, secret []byte, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("test-secret")
	var seen string
	handler := JWTAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public health", "/health", "", http.StatusOK},
		{"missing header", "/v1/escalations", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/escalations", "Basic abc", http.StatusUnauthorized},
		{"valid", "/v1/escalations", "Bearer " + signHS256(t, secret, jwt.RegisteredClaims{Subject: "ops", ExpiresAt: future}), http.StatusOK},
		{"expired", "/v1/escalations", "Bearer " + signHS256(t, secret, jwt.RegisteredClaims{Subject: "ops", ExpiresAt: past}), http.StatusUnauthorized},
		{"no expiry", "/v1/escalations", "Bearer " + signHS256(t, secret, jwt.RegisteredClaims{Subject: "ops"}), http.StatusUnauthorized},
		{"no subject", "/v1/escalations", "Bearer " + signHS256(t, secret, jwt.RegisteredClaims{ExpiresAt: future}), http.StatusUnauthorized},
		{"wrong key", "/v1/escalations", "Bearer " + signHS256(t, []byte("other"), jwt.RegisteredClaims{Subject: "ops", ExpiresAt: future}), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "ops", seen)
}

func TestJWTAuth_DisabledWithoutSecret(t *testing.T) {
	handler := JWTAuth(nil)(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/deployments", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID(t *testing.T) {
	handler := RequestID(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func countingHandler(calls *atomic.Int32, code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, n)
	})
}

func testIdempotency(t *testing.T, store IdempotencyStorer) {
	t.Helper()
	var calls atomic.Int32
	handler := IdempotencyMiddleware(store)(countingHandler(&calls, http.StatusConflict))

	post := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := post("/v1/deployments/dep-1/supervise", "k1")
	replay := post("/v1/deployments/dep-1/supervise", "k1")
	assert.Equal(t, http.StatusConflict, replay.Code)
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", replay.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), calls.Load())

	post("/v1/deployments/dep-1/rollback", "k1")
	post("/v1/deployments/dep-1/supervise", "")
	assert.Equal(t, int32(3), calls.Load())
}

func TestIdempotency_Memory(t *testing.T) {
	store := NewIdempotencyStore(time.Hour)
	testIdempotency(t, store)

	store.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok := store.Lookup(context.Background(), "/v1/deployments/dep-1/supervise|k1")
	assert.False(t, ok, "expired keys must miss")

	store.Save(context.Background(), "fresh", Replay{StatusCode: http.StatusOK})
	assert.Len(t, store.replays, 1)
}

func TestIdempotency_SQL(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLIdempotencyStore(db, time.Hour)
	require.NoError(t, store.Init(context.Background()))
	testIdempotency(t, store)

	store.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok := store.Lookup(context.Background(), "/v1/deployments/dep-1/supervise|k1")
	assert.False(t, ok, "expired keys must miss")
	require.NoError(t, store.Cleanup(context.Background()))
}

func TestIdempotency_ServerErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	handler := IdempotencyMiddleware(NewIdempotencyStore(time.Hour))(countingHandler(&calls, http.StatusInternalServerError))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/deployments", nil)
		req.Header.Set("Idempotency-Key", "k")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_RepeatWhileRunningIsConflict(t *testing.T) {
	var calls atomic.Int32
	entered, unblock := make(chan struct{}), make(chan struct{})
	handler := IdempotencyMiddleware(NewIdempotencyStore(time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-unblock
		w.WriteHeader(http.StatusOK)
	}))
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/deployments/dep-1/supervise", nil)
		req.Header.Set("Idempotency-Key", "k1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- post() }()
	<-entered

	dup := post()
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Empty(t, dup.Header().Get("Idempotent-Replayed"))

	close(unblock)
	assert.Equal(t, http.StatusOK, (<-done).Code)

	replay := post()
	assert.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}
