package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
	"github.com/Mindburn-Labs/agentgov/pkg/util/resiliency"
)

var capRule = contracts.PolicyRule{ID: "token-cap", Expression: `agent.maxTokens <= 4000`, Enabled: true}

func TestStaticSource(t *testing.T) {
	ctx := context.Background()
	src, err := NewStaticSource()
	require.NoError(t, err)

	def, err := src.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", def.WorkspaceID)
	assert.Empty(t, def.Rules)
	emptyHash, err := crypto.ComputePolicyHash(nil)
	require.NoError(t, err)
	assert.Equal(t, emptyHash, def.Hash)

	set, err := src.Set("ws-1", []contracts.PolicyRule{capRule})
	require.NoError(t, err)
	assert.NotEqual(t, def.Hash, set.Hash)

	got, err := src.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, set.Hash, got.Hash)

	other, err := src.FetchSnapshot(ctx, "ws-2")
	require.NoError(t, err)
	assert.Equal(t, def.Hash, other.Hash)

	// Snapshots are copies.
	got.Rules[0].Expression = "true"
	again, err := src.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, capRule.Expression, again.Rules[0].Expression)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.FetchSnapshot(cancelled, "ws-1")
	assert.True(t, contracts.IsRetryable(err))
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

type change struct{ ws, oldHash, newHash string }

func TestBundleSource_LoadAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", `
rules:
  - id: token-cap
    expression: agent.maxTokens <= 4000
    enabled: true
`)
	writeFile(t, dir, "ws-a.json", `{"rules":[{"id":"named","expression":"agent.name != \"\"","enabled":true}]}`)
	writeFile(t, dir, "notes.txt", "ignored")

	src := NewBundleSource(dir)
	_, err := src.FetchSnapshot(ctx, "ws-a")
	assert.Error(t, err, "fetch before load")

	var changes []change
	src.OnChange(func(_ context.Context, ws, oldHash, newHash string) {
		changes = append(changes, change{ws, oldHash, newHash})
	})
	require.NoError(t, src.Reload(ctx))
	assert.Empty(t, changes, "first load fires no hooks")

	a, err := src.FetchSnapshot(ctx, "ws-a")
	require.NoError(t, err)
	require.Len(t, a.Rules, 1)
	assert.Equal(t, "named", a.Rules[0].ID)
	assert.True(t, src.HasBundle("ws-a"))

	b, err := src.FetchSnapshot(ctx, "ws-b")
	require.NoError(t, err)
	assert.Equal(t, "ws-b", b.WorkspaceID)
	require.Len(t, b.Rules, 1)
	assert.Equal(t, "token-cap", b.Rules[0].ID)
	assert.False(t, src.HasBundle("ws-b"))

	// Reloading unchanged files fires nothing.
	require.NoError(t, src.Reload(ctx))
	assert.Empty(t, changes)

	writeFile(t, dir, "default.yaml", `
rules:
  - id: token-cap
    expression: agent.maxTokens <= 2000
    enabled: true
`)
	require.NoError(t, src.Reload(ctx))
	require.Len(t, changes, 1)
	assert.Equal(t, "", changes[0].ws)
	assert.Equal(t, b.Hash, changes[0].oldHash)
	assert.NotEqual(t, b.Hash, changes[0].newHash)

	changes = nil
	require.NoError(t, os.Remove(filepath.Join(dir, "ws-a.json")))
	require.NoError(t, src.Reload(ctx))
	require.Len(t, changes, 1)
	assert.Equal(t, "ws-a", changes[0].ws)
	assert.Equal(t, a.Hash, changes[0].oldHash)
	assert.False(t, src.HasBundle("ws-a"))
}

func TestBundleSource_BadBundleKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "ws-a.json", `{"rules":[{"id":"r1","expression":"true","enabled":true}]}`)

	src := NewBundleSource(dir)
	require.NoError(t, src.Reload(ctx))
	before, err := src.FetchSnapshot(ctx, "ws-a")
	require.NoError(t, err)

	writeFile(t, dir, "ws-a.json", `{"rules":[{"id":"r1"},{"id":"r1"}]}`)
	assert.Error(t, src.Reload(ctx))

	writeFile(t, dir, "ws-a.json", `{not json`)
	assert.Error(t, src.Reload(ctx))

	e, err := NewEvaluator()
	require.NoError(t, err)
	src.SetValidator(e.Validate)
	writeFile(t, dir, "ws-a.json", `{"rules":[{"id":"r1","expression":"agent.name ==","enabled":true}]}`)
	assert.Error(t, src.Reload(ctx))

	after, err := src.FetchSnapshot(ctx, "ws-a")
	require.NoError(t, err)
	assert.Equal(t, before.Hash, after.Hash)
}

func TestBundleSource_DuplicateWorkspace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ws-a.json", `{"rules":[]}`)
	writeFile(t, dir, "ws-a.yaml", `rules: []`)
	assert.Error(t, NewBundleSource(dir).Reload(context.Background()))
}

func TestHTTPSource(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/workspaces/ws-1/policy":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"rules": []contracts.PolicyRule{capRule}})
		case "/v1/workspaces/ws-2/policy":
			_ = json.NewEncoder(w).Encode(map[string]any{"hash": "sha256:remote", "rules": []contracts.PolicyRule{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", "s3cret", resiliency.WithInitialBackoff(time.Millisecond))
	ctx := context.Background()

	snap, err := src.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	want, err := crypto.ComputePolicyHash([]contracts.PolicyRule{capRule})
	require.NoError(t, err)
	assert.Equal(t, want, snap.Hash)
	assert.Equal(t, "ws-1", snap.WorkspaceID)

	snap, err = src.FetchSnapshot(ctx, "ws-2")
	require.NoError(t, err)
	assert.Equal(t, "sha256:remote", snap.Hash)

	_, err = src.FetchSnapshot(ctx, "missing")
	require.Error(t, err)
	assert.False(t, contracts.IsRetryable(err))
}

func TestHTTPSource_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	src := NewHTTPSource(url, "", resiliency.WithInitialBackoff(time.Millisecond), resiliency.WithMaxTries(2))
	_, err := src.FetchSnapshot(context.Background(), "ws-1")
	require.Error(t, err)
	assert.True(t, contracts.IsRetryable(err))
}

type countingSource struct {
	Source
	calls int
}

func (c *countingSource) FetchSnapshot(ctx context.Context, ws string) (*contracts.PolicySnapshot, error) {
	c.calls++
	return c.Source.FetchSnapshot(ctx, ws)
}

func TestCachedSource(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	static, err := NewStaticSource(capRule)
	require.NoError(t, err)
	origin := &countingSource{Source: static}
	cached := NewCachedSource(origin, rdb, time.Minute)

	first, err := cached.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	second, err := cached.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 1, origin.calls)
	assert.True(t, mr.Exists("agentgov:policy:ws-1"))

	mr.FastForward(2 * time.Minute)
	_, err = cached.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 2, origin.calls)

	require.NoError(t, cached.Invalidate(ctx, ""))
	assert.False(t, mr.Exists("agentgov:policy:ws-1"))

	mr.Set("agentgov:policy:ws-1", "{corrupt")
	_, err = cached.FetchSnapshot(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 3, origin.calls)
}

func TestCachedSource_RedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	static, err := NewStaticSource(capRule)
	require.NoError(t, err)
	snap, err := NewCachedSource(static, rdb, 0).FetchSnapshot(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Len(t, snap.Rules, 1)
}
