package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// DefaultBundle is the file stem of the bundle used by workspaces that have
// no bundle of their own.
const DefaultBundle = "default"

// Bundle is the on-disk form of a workspace rule set.
type Bundle struct {
	Workspace string                 `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Version   string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Rules     []contracts.PolicyRule `json:"rules" yaml:"rules"`
}

// ChangeFunc is invoked after a reload for each workspace whose effective
// policy hash changed. An empty workspaceID means the default bundle changed.
type ChangeFunc func(ctx context.Context, workspaceID, oldHash, newHash string)

// BundleSource serves snapshots from a directory of bundle files named
// <workspace>.json, <workspace>.yaml or <workspace>.yml.
type BundleSource struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	validate  func([]contracts.PolicyRule) error
	loaded    bool
	snapshots map[string]*contracts.PolicySnapshot
	fallback  *contracts.PolicySnapshot
	hooks     []ChangeFunc
}

// NewBundleSource creates a source over dir. Call Reload to load it.
func NewBundleSource(dir string) *BundleSource {
	return &BundleSource{
		dir:       dir,
		now:       time.Now,
		logger:    slog.Default().With("component", "policy.bundles"),
		snapshots: make(map[string]*contracts.PolicySnapshot),
	}
}

// OnChange registers fn to run after reloads that change a hash.
func (b *BundleSource) OnChange(fn ChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// SetValidator installs fn to vet every bundle before a reload applies it,
// typically (*Evaluator).Validate.
func (b *BundleSource) SetValidator(fn func([]contracts.PolicyRule) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validate = fn
}

// HasBundle reports whether workspaceID has its own bundle file.
func (b *BundleSource) HasBundle(workspaceID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.snapshots[workspaceID]
	return ok
}

func (b *BundleSource) FetchSnapshot(ctx context.Context, workspaceID string) (*contracts.PolicySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("policy: fetch snapshot", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.loaded {
		return nil, fmt.Errorf("policy: bundles in %s not loaded", b.dir)
	}
	if snap, ok := b.snapshots[workspaceID]; ok {
		return cloneSnapshot(snap), nil
	}
	out := cloneSnapshot(b.fallback)
	out.WorkspaceID = workspaceID
	return out, nil
}

// Reload re-reads every bundle in the directory. On any parse error the
// previous state is kept. Change hooks do not fire on the first load.
func (b *BundleSource) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("policy: read dir %s: %w", b.dir, err)
	}

	b.mu.RLock()
	validate := b.validate
	b.mu.RUnlock()

	fetchedAt := b.now().UTC()
	next := make(map[string]*contracts.PolicySnapshot)
	var fallback *contracts.PolicySnapshot
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".json" && ext != ".yaml" && ext != ".yml") {
			continue
		}
		workspace := strings.TrimSuffix(entry.Name(), ext)

		bundle, err := LoadBundleFile(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			return err
		}
		if validate != nil {
			if err := validate(bundle.Rules); err != nil {
				return fmt.Errorf("policy: %s: %w", entry.Name(), err)
			}
		}
		if workspace == DefaultBundle {
			workspace = ""
		} else if _, dup := next[workspace]; dup {
			return fmt.Errorf("policy: workspace %q has more than one bundle", workspace)
		}
		snap, err := NewSnapshot(workspace, bundle.Rules, fetchedAt)
		if err != nil {
			return err
		}
		if workspace == "" {
			fallback = snap
		} else {
			next[workspace] = snap
		}
	}
	if fallback == nil {
		if fallback, err = NewSnapshot("", nil, fetchedAt); err != nil {
			return err
		}
	}

	b.mu.Lock()
	changes := b.diff(next, fallback)
	first := !b.loaded
	b.snapshots = next
	b.fallback = fallback
	b.loaded = true
	hooks := append([]ChangeFunc(nil), b.hooks...)
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "policy bundles loaded",
		"dir", b.dir, "workspaces", len(next), "default_hash", fallback.Hash, "changes", len(changes))
	if first {
		return nil
	}
	for _, c := range changes {
		for _, fn := range hooks {
			fn(ctx, c.workspace, c.oldHash, c.newHash)
		}
	}
	return nil
}

// Watch reloads every interval until ctx is done. Reload failures are
// logged and the previous bundles stay in force.
func (b *BundleSource) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Reload(ctx); err != nil {
				b.logger.WarnContext(ctx, "policy bundle reload failed", "error", err)
			}
		}
	}
}

type hashChange struct {
	workspace        string
	oldHash, newHash string
}

// diff must be called with b.mu held.
func (b *BundleSource) diff(next map[string]*contracts.PolicySnapshot, fallback *contracts.PolicySnapshot) []hashChange {
	if !b.loaded {
		return nil
	}
	effective := func(snaps map[string]*contracts.PolicySnapshot, def *contracts.PolicySnapshot, ws string) string {
		if s, ok := snaps[ws]; ok {
			return s.Hash
		}
		return def.Hash
	}

	var changes []hashChange
	if b.fallback.Hash != fallback.Hash {
		changes = append(changes, hashChange{"", b.fallback.Hash, fallback.Hash})
	}

	seen := make(map[string]struct{}, len(next)+len(b.snapshots))
	for ws := range b.snapshots {
		seen[ws] = struct{}{}
	}
	for ws := range next {
		seen[ws] = struct{}{}
	}
	workspaces := make([]string, 0, len(seen))
	for ws := range seen {
		workspaces = append(workspaces, ws)
	}
	sort.Strings(workspaces)

	for _, ws := range workspaces {
		oldHash := effective(b.snapshots, b.fallback, ws)
		newHash := effective(next, fallback, ws)
		if oldHash != newHash {
			changes = append(changes, hashChange{ws, oldHash, newHash})
		}
	}
	return changes
}

// LoadBundleFile parses a JSON or YAML bundle file.
func LoadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var bundle Bundle
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &bundle)
	default:
		err = json.Unmarshal(data, &bundle)
	}
	if err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	ids := make(map[string]struct{}, len(bundle.Rules))
	for i, r := range bundle.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("policy: %s: rule %d has no id", path, i)
		}
		if _, dup := ids[r.ID]; dup {
			return nil, fmt.Errorf("policy: %s: duplicate rule id %q", path, r.ID)
		}
		ids[r.ID] = struct{}{}
	}
	return &bundle, nil
}
