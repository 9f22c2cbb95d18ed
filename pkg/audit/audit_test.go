package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgov/pkg/audit"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

func admission(agentID int64, decision string) contracts.AuditEvent {
	return contracts.AuditEvent{
		Code:        contracts.EventAdmissionDecision,
		AgentID:     contracts.AgentRef(agentID),
		WorkspaceID: "ws-1",
		Decision:    decision,
		Details:     map[string]any{"error_codes": []string{}, "attempt": 1},
	}
}

func newLogger(t *testing.T, st store.AuditStore, opts audit.Options) *audit.Logger {
	t.Helper()
	l := audit.NewLogger(st, opts)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestLogger_RecordStampsAndChains(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := newLogger(t, st, audit.Options{})

	first := l.Record(ctx, admission(1, contracts.DecisionAllow))
	second := l.Record(ctx, admission(2, contracts.DecisionDeny))

	assert.Len(t, first.ID, 36)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, audit.GenesisHash, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.False(t, first.Timestamp.IsZero())

	require.NoError(t, l.Flush(ctx))
	persisted, err := l.RecentLogsFromStore(ctx, 10)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, second.ID, persisted[0].ID)

	ordered := []*contracts.AuditEvent{persisted[1], persisted[0]}
	_, err = audit.VerifyChain(ordered)
	assert.NoError(t, err)
}

func TestLogger_ChainSurvivesSQLRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	defer st.Close()

	l := newLogger(t, st, audit.Options{})
	for i := 0; i < 3; i++ {
		l.Record(ctx, admission(7, contracts.DecisionAllow))
	}
	require.NoError(t, l.Flush(ctx))

	events, err := l.LogsByAgentFromStore(ctx, 7)
	require.NoError(t, err)
	require.Len(t, events, 3)
	_, err = audit.VerifyChain(events)
	assert.NoError(t, err)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := newLogger(t, st, audit.Options{})
	for i := 0; i < 3; i++ {
		l.Record(ctx, admission(1, contracts.DecisionAllow))
	}
	require.NoError(t, l.Flush(ctx))
	events, err := st.AuditByAgent(ctx, 1)
	require.NoError(t, err)

	events[1].Decision = contracts.DecisionDeny
	seq, err := audit.VerifyChain(events)
	require.Error(t, err)
	assert.Equal(t, uint64(2), seq)

	events, err = st.AuditByAgent(ctx, 1)
	require.NoError(t, err)
	events = []*contracts.AuditEvent{events[0], events[2]}
	seq, err = audit.VerifyChain(events)
	require.Error(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestLogger_Mirror(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(t, store.NewMemoryStore(), audit.Options{Mirror: &buf})
	l.Record(context.Background(), admission(1, contracts.DecisionAllow))

	output := buf.String()
	require.True(t, strings.HasPrefix(output, "AUDIT: "))
	var event contracts.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &event))
	assert.Equal(t, contracts.EventAdmissionDecision, event.Code)
	assert.Equal(t, uint64(1), event.Sequence)
}

func TestLogger_RingBuffer(t *testing.T) {
	l := newLogger(t, store.NewMemoryStore(), audit.Options{RingSize: 3})
	ctx := context.Background()

	assert.Empty(t, l.RecentLogs(10))
	for i := int64(1); i <= 5; i++ {
		l.Record(ctx, admission(i, contracts.DecisionAllow))
	}

	recent := l.RecentLogs(10)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(5), recent[0].Sequence)
	assert.Equal(t, uint64(3), recent[2].Sequence)

	two := l.RecentLogs(2)
	require.Len(t, two, 2)
	assert.Equal(t, uint64(4), two[1].Sequence)
}

func TestLogger_RecordCopiesDetails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := newLogger(t, st, audit.Options{})

	details := map[string]any{"policy_hash": "sha256:a", "scope": map[string]any{"workspace": "ws-1"}}
	event := admission(1, contracts.DecisionAllow)
	event.Details = details
	returned := l.Record(ctx, event)

	details["policy_hash"] = "sha256:b"
	details["scope"].(map[string]any)["workspace"] = "ws-2"
	returned.Details["injected"] = true

	recent := l.RecentLogs(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "sha256:a", recent[0].Details["policy_hash"])
	assert.Equal(t, "ws-1", recent[0].Details["scope"].(map[string]any)["workspace"])
	assert.NotContains(t, recent[0].Details, "injected")

	require.NoError(t, l.Flush(ctx))
	persisted, err := st.AuditByAgent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "sha256:a", persisted[0].Details["policy_hash"])
	_, err = audit.VerifyChain(persisted)
	assert.NoError(t, err)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) AppendAudit(context.Context, *contracts.AuditEvent) error {
	return contracts.Retryable("store: append audit", errors.New("database is down"))
}

func TestLogger_PersistFailureNeverSurfaces(t *testing.T) {
	ctx := context.Background()
	l := newLogger(t, failingStore{store.NewMemoryStore()}, audit.Options{})

	e := l.Record(ctx, admission(1, contracts.DecisionDeny))
	assert.NotEmpty(t, e.Hash)
	require.NoError(t, l.Flush(ctx))

	recent := l.RecentLogs(1)
	require.Len(t, recent, 1)
	assert.Equal(t, e.ID, recent[0].ID)
}

type gatedStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) AppendAudit(ctx context.Context, e *contracts.AuditEvent) error {
	select {
	case g.entered <- struct{}{}:
		<-g.release
	default:
	}
	return g.MemoryStore.AppendAudit(ctx, e)
}

func TestLogger_FullQueueDropsWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	gs := &gatedStore{MemoryStore: store.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	l := newLogger(t, gs, audit.Options{QueueSize: 1})

	l.Record(ctx, admission(1, contracts.DecisionAllow))
	<-gs.entered // worker is now blocked on the first event

	done := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			l.Record(ctx, admission(1, contracts.DecisionAllow))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(gs.release)
	require.NoError(t, l.Flush(ctx))

	persisted, err := gs.AuditByAgent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
	assert.Len(t, l.RecentLogs(10), 5)
}

func TestLogger_Recover(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	l1 := audit.NewLogger(st, audit.Options{})
	l1.Record(ctx, admission(1, contracts.DecisionAllow))
	last := l1.Record(ctx, admission(1, contracts.DecisionDeny))
	require.NoError(t, l1.Close(ctx))

	l2 := newLogger(t, st, audit.Options{})
	require.NoError(t, l2.Recover(ctx))
	assert.Len(t, l2.RecentLogs(10), 2)

	next := l2.Record(ctx, admission(1, contracts.DecisionAllow))
	assert.Equal(t, uint64(3), next.Sequence)
	assert.Equal(t, last.Hash, next.PrevHash)
	require.NoError(t, l2.Flush(ctx))

	events, err := l2.LogsByAgentFromStore(ctx, 1)
	require.NoError(t, err)
	_, err = audit.VerifyChain(events)
	assert.NoError(t, err)

	assert.ErrorIs(t, l2.Recover(ctx), contracts.ErrConflict)
}

func TestLogger_RecordAfterClose(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := audit.NewLogger(st, audit.Options{})
	require.NoError(t, l.Close(ctx))
	require.NoError(t, l.Close(ctx))

	e := l.Record(ctx, admission(1, contracts.DecisionAllow))
	assert.Equal(t, uint64(1), e.Sequence)
	assert.NoError(t, l.Flush(ctx))

	persisted, err := st.AuditByAgent(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestExporter_GeneratePack(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := newLogger(t, st, audit.Options{})
	l.Record(ctx, admission(4, contracts.DecisionAllow))
	l.Record(ctx, admission(4, contracts.DecisionDeny))
	require.NoError(t, l.Flush(ctx))

	zipBytes, checksum, err := audit.NewExporter(st).GeneratePack(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		files[f.Name] = body
	}
	require.Contains(t, files, "events.json")
	require.Contains(t, files, "README.txt")

	var manifest audit.Manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, int64(4), manifest.AgentID)
	assert.Equal(t, 2, manifest.EventCount)
	assert.True(t, manifest.HashesValid)
	assert.True(t, manifest.ChainContiguous)
}

func TestExporter_NoStore(t *testing.T) {
	_, _, err := audit.NewExporter(nil).GeneratePack(context.Background(), 1)
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}
