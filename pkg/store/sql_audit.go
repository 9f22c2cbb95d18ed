package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

const auditColumns = `id, sequence, code, agent_id, workspace_id, actor_id, decision, reason, details, timestamp, prev_hash, hash`

func (s *SQLStore) AppendAudit(ctx context.Context, e *contracts.AuditEvent) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	var agentID sql.NullInt64
	if e.AgentID != nil {
		agentID = sql.NullInt64{Int64: *e.AgentID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO governance_audit (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, int64(e.Sequence), e.Code, agentID, e.WorkspaceID, e.ActorID, e.Decision, e.Reason,
		details, formatTime(e.Timestamp), e.PrevHash, e.Hash)
	return wrap("append audit", err, nil)
}

func (s *SQLStore) RecentAudit(ctx context.Context, limit int) ([]*contracts.AuditEvent, error) {
	return s.queryAudit(ctx, "recent audit",
		`SELECT `+auditColumns+` FROM governance_audit ORDER BY sequence DESC LIMIT ?`, limit)
}

func (s *SQLStore) AuditByAgent(ctx context.Context, agentID int64) ([]*contracts.AuditEvent, error) {
	return s.queryAudit(ctx, "audit by agent",
		`SELECT `+auditColumns+` FROM governance_audit WHERE agent_id = ? ORDER BY sequence`, agentID)
}

func (s *SQLStore) LastAudit(ctx context.Context) (*contracts.AuditEvent, error) {
	events, err := s.queryAudit(ctx, "last audit",
		`SELECT `+auditColumns+` FROM governance_audit ORDER BY sequence DESC LIMIT 1`)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (s *SQLStore) queryAudit(ctx context.Context, op, query string, args ...any) ([]*contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err, nil)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*contracts.AuditEvent, 0)
	for rows.Next() {
		var (
			e         contracts.AuditEvent
			sequence  int64
			agentID   sql.NullInt64
			details   sql.NullString
			timestamp string
		)
		if err := rows.Scan(&e.ID, &sequence, &e.Code, &agentID, &e.WorkspaceID, &e.ActorID,
			&e.Decision, &e.Reason, &details, &timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, wrap(op, err, nil)
		}
		e.Sequence = uint64(sequence)
		if agentID.Valid {
			e.AgentID = contracts.AgentRef(agentID.Int64)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("store: %s: decode details of event %s (sequence %d): %w", op, e.ID, sequence, err)
			}
		}
		e.Timestamp = parseTime(timestamp)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err, nil)
	}
	return events, nil
}

func (s *SQLStore) IsRevoked(ctx context.Context, authority string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM revoked_authorities WHERE authority = ?`), authority).Scan(&n)
	if err != nil {
		return false, wrap("is revoked", err, nil)
	}
	return n > 0, nil
}

func (s *SQLStore) RevokeAuthority(ctx context.Context, authority, reason string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO revoked_authorities (authority, reason, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT (authority) DO UPDATE SET reason = excluded.reason`),
		authority, reason, formatTime(s.now()))
	return wrap("revoke authority", err, nil)
}

func (s *SQLStore) ReinstateAuthority(ctx context.Context, authority string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM revoked_authorities WHERE authority = ?`), authority)
	return wrap("reinstate authority", err, nil)
}
