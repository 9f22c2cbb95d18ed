package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgov/pkg/auth"
)

func countingHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"n":` + strconv.Itoa(*calls) + `}`))
	})
}

func post(h http.Handler, key, principal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sandboxes", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if principal != "" {
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.BasePrincipal{ID: principal}))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotencyMiddleware_Replay(t *testing.T) {
	stores := map[string]IdempotencyStorer{
		"memory": NewIdempotencyStore(time.Hour),
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	stores["redis"] = NewRedisIdempotencyStore(rdb, time.Hour)

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			calls := 0
			h := IdempotencyMiddleware(store)(countingHandler(&calls))

			first := post(h, "k1", "alice")
			second := post(h, "k1", "alice")
			assert.Equal(t, 1, calls)
			assert.Equal(t, http.StatusCreated, second.Code)
			assert.Equal(t, first.Body.String(), second.Body.String())
			assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

			post(h, "k1", "bob")
			assert.Equal(t, 2, calls, "keys are scoped per principal")

			post(h, "", "alice")
			assert.Equal(t, 3, calls, "no key, no replay")
		})
	}
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	s := NewIdempotencyStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Set(context.Background(), "k", &CachedResponse{StatusCode: 200}))

	_, ok, err := s.Check(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Check(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisIdempotencyStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisIdempotencyStore(rdb, time.Minute)

	require.NoError(t, s.Set(context.Background(), "k", &CachedResponse{StatusCode: 201, Body: []byte("x")}))
	got, ok, err := s.Check(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), got.Body)

	mr.FastForward(2 * time.Minute)
	_, ok, err = s.Check(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotencyMiddleware_BackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	calls := 0
	h := IdempotencyMiddleware(NewRedisIdempotencyStore(rdb, time.Hour))(countingHandler(&calls))
	assert.Equal(t, http.StatusCreated, post(h, "k1", "alice").Code)
	assert.Equal(t, http.StatusCreated, post(h, "k1", "alice").Code)
	assert.Equal(t, 2, calls)
}
