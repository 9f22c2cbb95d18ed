package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

const agentColumns = `id, workspace_id, name, version, description, role_class, system_prompt, model_id,
	temperature, anatomy, mode, governance_status, external_calls, persistent_writes, max_tokens,
	daily_budget, expires_at, policy_digest, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*contracts.Agent, error) {
	var (
		a           contracts.Agent
		temperature sql.NullFloat64
		anatomy     sql.NullString
		mode        string
		status      string
		expiresAt   sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Version, &a.Description, &a.RoleClass,
		&a.SystemPrompt, &a.ModelID, &temperature, &anatomy, &mode, &status,
		&a.SandboxConstraints.ExternalCalls, &a.SandboxConstraints.PersistentWrites,
		&a.SandboxConstraints.MaxTokens, &a.SandboxConstraints.DailyBudget,
		&expiresAt, &a.PolicyDigest, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if temperature.Valid {
		t := temperature.Float64
		a.Temperature = &t
	}
	if anatomy.Valid && anatomy.String != "" {
		a.Anatomy = contracts.Anatomy(anatomy.String)
	}
	if expiresAt.Valid && expiresAt.String != "" {
		e := parseTime(expiresAt.String)
		a.ExpiresAt = &e
	}
	a.Mode = contracts.Mode(mode)
	a.GovernanceStatus = contracts.GovernanceStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func nullTemperature(t *float64) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *t, Valid: true}
}

func nullAnatomy(a contracts.Anatomy) sql.NullString {
	if a.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: string(a), Valid: true}
}

func (s *SQLStore) CreateAgent(ctx context.Context, agent *contracts.Agent) (*contracts.Agent, error) {
	stored := agent.Clone()
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	var expiresAt sql.NullString
	if stored.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*stored.ExpiresAt), Valid: true}
	}

	query := s.rebind(`INSERT INTO agents (workspace_id, name, version, description, role_class, system_prompt,
		model_id, temperature, anatomy, mode, governance_status, external_calls, persistent_writes,
		max_tokens, daily_budget, expires_at, policy_digest, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.QueryRowContext(ctx, query,
		stored.WorkspaceID, stored.Name, stored.Version, stored.Description, stored.RoleClass,
		stored.SystemPrompt, stored.ModelID, nullTemperature(stored.Temperature), nullAnatomy(stored.Anatomy),
		string(stored.Mode), string(stored.GovernanceStatus),
		stored.SandboxConstraints.ExternalCalls, stored.SandboxConstraints.PersistentWrites,
		stored.SandboxConstraints.MaxTokens, stored.SandboxConstraints.DailyBudget,
		expiresAt, stored.PolicyDigest, formatTime(now), formatTime(now),
	).Scan(&stored.ID)
	if err != nil {
		return nil, wrap("create agent", err, nil)
	}
	return stored, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id int64) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, wrap("get agent", err, fmt.Errorf("store: agent %d: %w", id, contracts.ErrNotFound))
	}
	return a, nil
}

func (s *SQLStore) UpdateAgent(ctx context.Context, agent *contracts.Agent) error {
	query := s.rebind(`UPDATE agents SET name = ?, version = ?, description = ?, role_class = ?,
		system_prompt = ?, model_id = ?, temperature = ?, anatomy = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		agent.Name, agent.Version, agent.Description, agent.RoleClass, agent.SystemPrompt,
		agent.ModelID, nullTemperature(agent.Temperature), nullAnatomy(agent.Anatomy),
		formatTime(s.now()), agent.ID)
	if err != nil {
		return wrap("update agent", err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update agent", err, nil)
	}
	if n == 0 {
		return fmt.Errorf("store: agent %d: %w", agent.ID, contracts.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) UpdateAnatomy(ctx context.Context, id int64, anatomy contracts.Anatomy) (*contracts.Agent, error) {
	query := s.rebind(`UPDATE agents SET anatomy = ?, updated_at = ? WHERE id = ? AND mode = ?`)
	res, err := s.db.ExecContext(ctx, query, nullAnatomy(anatomy), formatTime(s.now()), id, string(contracts.ModeSandbox))
	if err != nil {
		return nil, wrap("update anatomy", err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("update anatomy", err, nil)
	}
	if n == 0 {
		// Distinguish a missing agent from one that left sandbox mode.
		if _, err := s.GetAgent(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("store: agent %d: %w", id, contracts.ErrInvalidMode)
	}
	return s.GetAgent(ctx, id)
}

func (s *SQLStore) ListGovernedAgents(ctx context.Context) ([]*contracts.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+agentColumns+` FROM agents WHERE mode = ? ORDER BY id`),
		string(contracts.ModeGoverned))
	if err != nil {
		return nil, wrap("list governed", err, nil)
	}
	defer func() { _ = rows.Close() }()

	agents := make([]*contracts.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrap("list governed", err, nil)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list governed", err, nil)
	}
	return agents, nil
}

// CommitPromotion runs the governed-state write and the proof insert in one
// transaction. The update is conditional on mode = sandbox and on the
// updated_at the caller loaded, so neither a concurrent promotion nor a
// concurrent sandbox edit is overwritten.
func (s *SQLStore) CommitPromotion(ctx context.Context, agent *contracts.Agent, proof *contracts.ProofBundle) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("commit promotion: begin", err, nil)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(s.now())
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE agents SET name = ?, version = ?, description = ?,
		role_class = ?, system_prompt = ?, model_id = ?, temperature = ?, anatomy = ?,
		mode = ?, governance_status = ?, policy_digest = ?, expires_at = NULL, updated_at = ?
		WHERE id = ? AND mode = ? AND updated_at = ?`),
		agent.Name, agent.Version, agent.Description, agent.RoleClass, agent.SystemPrompt,
		agent.ModelID, nullTemperature(agent.Temperature), nullAnatomy(agent.Anatomy),
		string(contracts.ModeGoverned), string(contracts.StatusGovernedValid), agent.PolicyDigest,
		now, agent.ID, string(contracts.ModeSandbox), formatTime(agent.UpdatedAt))
	if err != nil {
		return wrap("commit promotion: update agent", err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("commit promotion: update agent", err, nil)
	}
	if n == 0 {
		var mode string
		qerr := tx.QueryRowContext(ctx, s.rebind(`SELECT mode FROM agents WHERE id = ?`), agent.ID).Scan(&mode)
		if qerr != nil {
			return wrap("commit promotion", qerr, fmt.Errorf("store: agent %d: %w", agent.ID, contracts.ErrNotFound))
		}
		return fmt.Errorf("store: promote agent %d: %w", agent.ID, contracts.ErrConflict)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO proofs
		(agent_id, policy_hash, spec_hash, authority, algorithm, key_id, signature, signed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		agent.ID, proof.PolicyHash, proof.SpecHash, proof.Authority, proof.Algorithm,
		proof.KeyID, proof.Signature, formatTime(proof.SignedAt))
	if err != nil {
		return wrap("commit promotion: insert proof", err, nil)
	}

	if err = tx.Commit(); err != nil {
		return wrap("commit promotion: commit", err, nil)
	}
	return nil
}

func (s *SQLStore) TransitionStatus(ctx context.Context, id int64, from, to contracts.GovernanceStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE agents SET governance_status = ?, updated_at = ?
			WHERE id = ? AND mode = ? AND governance_status = ?`),
		string(to), formatTime(s.now()), id, string(contracts.ModeGoverned), string(from))
	if err != nil {
		return false, wrap("transition status", err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("transition status", err, nil)
	}
	return n == 1, nil
}

func (s *SQLStore) LatestProof(ctx context.Context, agentID int64) (*contracts.ProofBundle, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT agent_id, policy_hash, spec_hash, authority, algorithm,
		key_id, signature, signed_at FROM proofs WHERE agent_id = ? ORDER BY id DESC LIMIT 1`), agentID)
	p, err := scanProof(row)
	if err != nil {
		return nil, wrap("latest proof", err, fmt.Errorf("store: proof for agent %d: %w", agentID, contracts.ErrNotFound))
	}
	return p, nil
}

func (s *SQLStore) ListProofs(ctx context.Context, agentID int64) ([]*contracts.ProofBundle, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT agent_id, policy_hash, spec_hash, authority, algorithm,
		key_id, signature, signed_at FROM proofs WHERE agent_id = ? ORDER BY id`), agentID)
	if err != nil {
		return nil, wrap("list proofs", err, nil)
	}
	defer func() { _ = rows.Close() }()

	proofs := make([]*contracts.ProofBundle, 0)
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, wrap("list proofs", err, nil)
		}
		proofs = append(proofs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list proofs", err, nil)
	}
	return proofs, nil
}

func scanProof(row rowScanner) (*contracts.ProofBundle, error) {
	var (
		p        contracts.ProofBundle
		signedAt string
	)
	if err := row.Scan(&p.AgentID, &p.PolicyHash, &p.SpecHash, &p.Authority, &p.Algorithm,
		&p.KeyID, &p.Signature, &signedAt); err != nil {
		return nil, err
	}
	p.SignedAt = parseTime(signedAt)
	return &p, nil
}
