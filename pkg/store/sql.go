package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// Dialect selects SQL flavour differences.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to dsn with the driver for dialect and applies migrations.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("store: unknown dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection keeps ":memory:" databases shared and serialises writers.
		db.SetMaxOpenConns(1)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing connection pool without migrating.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) schema() []string {
	pk, boolType, floatType := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER", "REAL"
	if s.dialect == DialectPostgres {
		pk, boolType, floatType = "BIGSERIAL PRIMARY KEY", "BOOLEAN", "DOUBLE PRECISION"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id ` + pk + `,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			role_class TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			temperature ` + floatType + `,
			anatomy TEXT,
			mode TEXT NOT NULL,
			governance_status TEXT NOT NULL,
			external_calls ` + boolType + ` NOT NULL,
			persistent_writes ` + boolType + ` NOT NULL,
			max_tokens INTEGER NOT NULL DEFAULT 0,
			daily_budget ` + floatType + ` NOT NULL DEFAULT 0,
			expires_at TEXT,
			policy_digest TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_mode ON agents (mode)`,
		`CREATE TABLE IF NOT EXISTS proofs (
			id ` + pk + `,
			agent_id BIGINT NOT NULL,
			policy_hash TEXT NOT NULL,
			spec_hash TEXT NOT NULL,
			authority TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			key_id TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL,
			signed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proofs_agent ON proofs (agent_id, id)`,
		`CREATE TABLE IF NOT EXISTS governance_audit (
			id TEXT PRIMARY KEY,
			sequence BIGINT NOT NULL,
			code TEXT NOT NULL,
			agent_id BIGINT,
			workspace_id TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			details TEXT,
			timestamp TEXT NOT NULL,
			prev_hash TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_sequence ON governance_audit (sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_agent ON governance_audit (agent_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS revoked_authorities (
			authority TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			revoked_at TEXT NOT NULL
		)`,
	}
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// wrap classifies a driver error. sql.ErrNoRows becomes notFound when given.
func wrap(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	if notFound != nil && errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return contracts.Retryable("store: "+op, err)
}

var _ Store = (*SQLStore)(nil)
