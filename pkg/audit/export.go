package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

// ErrStoreNotConfigured is returned when export is invoked without a backing store.
var ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")

// Manifest describes the contents of an evidence pack.
type Manifest struct {
	AgentID     int64     `json:"agent_id"`
	GeneratedAt time.Time `json:"generated_at"`
	EventCount  int       `json:"event_count"`
	FirstSeq    uint64    `json:"first_sequence,omitempty"`
	LastSeq     uint64    `json:"last_sequence,omitempty"`
	// ChainContiguous is false when the agent's events are interleaved with
	// other agents' events, so PrevHash links cannot be checked inside the
	// pack alone. Each event's own Hash is always checked.
	ChainContiguous bool `json:"chain_contiguous"`
	HashesValid     bool `json:"hashes_valid"`
}

// Exporter builds per-agent evidence packs from the durable log.
type Exporter struct {
	store store.AuditStore
	now   func() time.Time
}

func NewExporter(s store.AuditStore) *Exporter {
	return &Exporter{store: s, now: time.Now}
}

// GeneratePack returns a zip of the agent's events with a manifest, and the
// hex SHA-256 of the zip.
func (e *Exporter) GeneratePack(ctx context.Context, agentID int64) ([]byte, string, error) {
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}
	events, err := e.store.AuditByAgent(ctx, agentID)
	if err != nil {
		return nil, "", fmt.Errorf("audit: export agent %d: %w", agentID, err)
	}

	manifest := Manifest{
		AgentID:         agentID,
		GeneratedAt:     e.now().UTC(),
		EventCount:      len(events),
		ChainContiguous: true,
		HashesValid:     true,
	}
	for i, ev := range events {
		if want, err := ChainHash(ev); err != nil || want != ev.Hash {
			manifest.HashesValid = false
		}
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			manifest.ChainContiguous = false
		}
	}
	if len(events) > 0 {
		manifest.FirstSeq = events[0].Sequence
		manifest.LastSeq = events[len(events)-1].Sequence
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal events: %w", err)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		body []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Governance evidence pack for agent %d\nGenerated at %s\n",
			agentID, manifest.GeneratedAt.Format(time.RFC3339)))},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.body); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
