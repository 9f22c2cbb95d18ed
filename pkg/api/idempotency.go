package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/agentgov/pkg/auth"
)

// CachedResponse is a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IdempotencyStorer is an idempotency backend.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp *CachedResponse) error
}

// MemoryIdempotencyStore holds cached responses in-process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewIdempotencyStore creates a new in-memory idempotency store.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Check returns a cached response if present and not expired.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, exists := s.entries[key]
	if !exists {
		return nil, false, nil
	}
	if s.now().Sub(cached.CachedAt) >= s.ttl {
		delete(s.entries, key)
		return nil, false, nil
	}
	return cached, true, nil
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.CachedAt.IsZero() {
		resp.CachedAt = s.now()
	}
	s.entries[key] = resp
	return nil
}

// RedisIdempotencyStore shares idempotency keys across replicas. Entries
// expire through Redis TTLs.
type RedisIdempotencyStore struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(rdb redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, ttl: ttl, prefix: "agentgov:idem:"}
}

// Check returns a cached response if the key was seen within the TTL.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode: %w", err)
	}
	return &resp, true, nil
}

// Set stores a response under key with the store TTL.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = time.Now().UTC()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set: %w", err)
	}
	return nil
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first 2xx response of a mutating
// request carrying an Idempotency-Key. Keys are scoped to the caller and the
// request path, so two principals never share a replay. A failing backend
// degrades to normal processing.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "idempotency")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			idemKey := r.Header.Get("Idempotency-Key")
			if idemKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			actor := "anonymous"
			if id, err := auth.ActorID(r.Context()); err == nil {
				actor = id
			}
			key := actor + "|" + r.Method + " " + r.URL.Path + "|" + idemKey

			cached, exists, err := store.Check(r.Context(), key)
			if err != nil {
				logger.WarnContext(r.Context(), "idempotency lookup failed", "error", err)
			}
			if exists {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				resp := &CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    w.Header().Clone(),
					Body:       append([]byte(nil), capture.body.Bytes()...),
				}
				if err := store.Set(r.Context(), key, resp); err != nil {
					logger.WarnContext(r.Context(), "idempotency store failed", "error", err)
				}
			}
		})
	}
}
