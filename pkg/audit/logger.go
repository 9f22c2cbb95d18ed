// Package audit is the governance audit log: an append-only, hash-chained
// event stream with an in-memory ring buffer for fast reads and a single
// background worker that persists events to the durable store.
//
// Recording never blocks and never fails the caller. Events that cannot be
// persisted are logged and counted; they remain in the ring buffer.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentgov/pkg/canonicalize"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/observability"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

// GenesisHash is the PrevHash of the first event in a chain.
const GenesisHash = "genesis"

const (
	DefaultRingSize  = 1000
	DefaultQueueSize = 1024

	persistTimeout = 5 * time.Second
)

// Recorder is what governance components write events to.
type Recorder interface {
	Record(ctx context.Context, event contracts.AuditEvent) contracts.AuditEvent
}

// Options configures a Logger.
type Options struct {
	RingSize  int
	QueueSize int
	// Mirror, when set, receives every recorded event as an "AUDIT: "
	// prefixed JSON line.
	Mirror  io.Writer
	Metrics *observability.Metrics
	Now     func() time.Time
}

type queued struct {
	event   *contracts.AuditEvent
	flushed chan struct{}
}

// Logger implements Recorder.
type Logger struct {
	store   store.AuditStore
	metrics *observability.Metrics
	mirror  io.Writer
	now     func() time.Time
	logger  *slog.Logger

	// closeMu keeps Close from closing the queue under a blocked Flush.
	closeMu sync.RWMutex

	mu     sync.Mutex
	seq    uint64
	head   string
	ring   []contracts.AuditEvent
	next   int
	filled bool
	closed bool

	queue chan queued
	done  chan struct{}
}

// NewLogger creates a Logger persisting to st and starts its worker. Call
// Recover before the first Record to continue an existing chain.
func NewLogger(st store.AuditStore, opts Options) *Logger {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Logger{
		store:   st,
		metrics: opts.Metrics,
		mirror:  opts.Mirror,
		now:     opts.Now,
		logger:  slog.Default().With("component", "audit"),
		head:    GenesisHash,
		ring:    make([]contracts.AuditEvent, opts.RingSize),
		queue:   make(chan queued, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record stamps event with an ID, sequence number, timestamp and chain hash,
// keeps it in the ring buffer and queues it for persistence. The stamped
// event is returned.
func (l *Logger) Record(ctx context.Context, event contracts.AuditEvent) contracts.AuditEvent {
	event.Details = cloneDetails(event.Details)

	l.mu.Lock()
	l.seq++
	event.Sequence = l.seq
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	event.PrevHash = l.head
	hash, err := ChainHash(&event)
	if err != nil {
		// Details that cannot be serialised are dropped rather than the event.
		l.logger.WarnContext(ctx, "audit details not serialisable", "code", event.Code, "error", err)
		event.Details = map[string]any{"details_error": err.Error()}
		hash, _ = ChainHash(&event)
	}
	event.Hash = hash
	l.head = hash

	kept := event
	kept.Details = cloneDetails(event.Details)
	l.ring[l.next] = kept
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.filled = true
	}

	stored := event
	stored.Details = cloneDetails(event.Details)
	if l.closed {
		l.mu.Unlock()
		l.logger.WarnContext(ctx, "audit log closed, event not persisted", "code", event.Code, "sequence", event.Sequence)
		l.metrics.RecordAuditDropped(ctx)
		return event
	}
	select {
	case l.queue <- queued{event: &stored}:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		l.logger.ErrorContext(ctx, "audit queue full, event not persisted",
			"code", event.Code, "sequence", event.Sequence, "agent_id", agentID(event.AgentID))
		l.metrics.RecordAuditDropped(ctx)
	}

	l.writeMirror(event)
	return event
}

func (l *Logger) writeMirror(event contracts.AuditEvent) {
	if l.mirror == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	// Prefix with AUDIT: for easy filtering
	_, _ = l.mirror.Write(append([]byte("AUDIT: "), append(data, '\n')...))
}

func (l *Logger) run() {
	defer close(l.done)
	for item := range l.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		l.persist(item.event)
	}
}

func (l *Logger) persist(event *contracts.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := l.store.AppendAudit(ctx, event); err != nil {
		l.logger.ErrorContext(ctx, "audit persistence failed",
			"code", event.Code, "sequence", event.Sequence, "agent_id", agentID(event.AgentID), "error", err)
		l.metrics.RecordAuditPersistFailure(ctx)
	}
}

// Flush waits until every event recorded before the call has been handed to
// the store.
func (l *Logger) Flush(ctx context.Context) error {
	marker := queued{flushed: make(chan struct{})}
	l.closeMu.RLock()
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		l.closeMu.RUnlock()
		return nil
	}

	select {
	case l.queue <- marker:
		l.closeMu.RUnlock()
	case <-ctx.Done():
		l.closeMu.RUnlock()
		return fmt.Errorf("audit: flush: %w", ctx.Err())
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit: flush: %w", ctx.Err())
	}
}

// Close stops accepting events for persistence and waits for the worker to
// drain the queue.
func (l *Logger) Close(ctx context.Context) error {
	l.closeMu.Lock()
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	l.closeMu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit: close: %w", ctx.Err())
	}
}

// Recover seeds the sequence counter, chain head and ring buffer from the
// store so a restarted process continues the same chain.
func (l *Logger) Recover(ctx context.Context) error {
	recent, err := l.store.RecentAudit(ctx, len(l.ring))
	if err != nil {
		return fmt.Errorf("audit: recover: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq > 0 {
		return fmt.Errorf("audit: recover after %d events recorded: %w", l.seq, contracts.ErrConflict)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		l.ring[l.next] = *recent[i]
		l.next = (l.next + 1) % len(l.ring)
		if l.next == 0 {
			l.filled = true
		}
	}
	if len(recent) > 0 {
		l.seq = recent[0].Sequence
		l.head = recent[0].Hash
	}
	l.logger.InfoContext(ctx, "audit log recovered", "events", len(recent), "sequence", l.seq)
	return nil
}

// RecentLogs returns up to limit events from memory, newest first. After a
// restart without Recover it may be incomplete.
func (l *Logger) RecentLogs(limit int) []contracts.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]contracts.AuditEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		e := l.ring[idx]
		e.Details = cloneDetails(e.Details)
		out = append(out, e)
	}
	return out
}

// RecentLogsFromStore returns up to limit durable events, newest first.
func (l *Logger) RecentLogsFromStore(ctx context.Context, limit int) ([]*contracts.AuditEvent, error) {
	events, err := l.store.RecentAudit(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return events, nil
}

// LogsByAgentFromStore returns every durable event of agentID in order.
func (l *Logger) LogsByAgentFromStore(ctx context.Context, agentID int64) ([]*contracts.AuditEvent, error) {
	events, err := l.store.AuditByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("audit: agent %d: %w", agentID, err)
	}
	return events, nil
}

// ChainHash is the canonical hash of event with its Hash field blanked.
func ChainHash(event *contracts.AuditEvent) (string, error) {
	c := *event
	c.Hash = ""
	c.Timestamp = c.Timestamp.UTC()
	return canonicalize.CanonicalHash(c)
}

// VerifyChain checks that events, in ascending sequence order, form an
// unbroken chain. It returns the sequence of the first bad event.
func VerifyChain(events []*contracts.AuditEvent) (uint64, error) {
	for i, e := range events {
		want, err := ChainHash(e)
		if err != nil {
			return e.Sequence, fmt.Errorf("audit: event %d: %w", e.Sequence, err)
		}
		if want != e.Hash {
			return e.Sequence, fmt.Errorf("audit: event %d: hash mismatch", e.Sequence)
		}
		if i > 0 && e.PrevHash != events[i-1].Hash {
			return e.Sequence, fmt.Errorf("audit: event %d: chain broken", e.Sequence)
		}
	}
	return 0, nil
}

func cloneDetails(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	c := make(map[string]any, len(d))
	for k, v := range d {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneDetails(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func agentID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

var _ Recorder = (*Logger)(nil)
