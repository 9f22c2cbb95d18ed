package admission_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgov/pkg/admission"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
	"github.com/Mindburn-Labs/agentgov/pkg/policy"
	"github.com/Mindburn-Labs/agentgov/pkg/promotion"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

type recorder struct {
	mu     sync.Mutex
	events []contracts.AuditEvent
}

func (r *recorder) Record(_ context.Context, e contracts.AuditEvent) contracts.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return e
}

func (r *recorder) last() contracts.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store       *store.MemoryStore
	codec       *crypto.Codec
	source      *policy.StaticSource
	revocations *crypto.StoreRevocationList
	promoter    *promotion.Engine
	controller  *admission.Controller
	rec         *recorder
	now         time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	signer, err := crypto.NewHMACSigner(bytes.Repeat([]byte{7}, 32), "test:v1")
	require.NoError(t, err)
	codec := crypto.NewCodec(crypto.NewKeyRing(signer))
	src, err := policy.NewStaticSource(contracts.PolicyRule{ID: "cap", Expression: `agent.maxTokens <= 4000`, Enabled: true})
	require.NoError(t, err)
	ev, err := policy.NewEvaluator()
	require.NoError(t, err)

	e := &env{store: store.NewMemoryStore(), codec: codec, source: src, rec: &recorder{}, now: epoch}
	e.revocations = crypto.NewStoreRevocationList(e.store)
	clock := func() time.Time { return e.now }

	chain, err := admission.NewDefaultChain(admission.Deps{Proofs: e.store, Codec: codec, Revocations: e.revocations})
	require.NoError(t, err)
	e.controller = admission.NewController(e.store, src, chain, e.rec, admission.WithClock(clock))
	e.promoter = promotion.NewEngine(e.store, src, ev, codec, &recorder{}, promotion.WithClock(clock))
	return e
}

func draft(mutate ...func(*contracts.Agent)) *contracts.Agent {
	temp := 0.2
	expires := epoch.Add(24 * time.Hour)
	a := &contracts.Agent{
		WorkspaceID:        "ws-1",
		Name:               "A",
		Version:            "1.0.0",
		Description:        "Summarises incidents.",
		RoleClass:          "analyst",
		SystemPrompt:       "You summarise incidents.",
		ModelID:            "model-small",
		Temperature:        &temp,
		Mode:               contracts.ModeSandbox,
		GovernanceStatus:   contracts.StatusSandbox,
		SandboxConstraints: contracts.SandboxConstraints{MaxTokens: 1000},
		ExpiresAt:          &expires,
	}
	for _, m := range mutate {
		m(a)
	}
	return a
}

func (e *env) create(t *testing.T, a *contracts.Agent) int64 {
	t.Helper()
	created, err := e.store.CreateAgent(context.Background(), a)
	require.NoError(t, err)
	return created.ID
}

func (e *env) governed(t *testing.T) int64 {
	t.Helper()
	id := e.create(t, draft())
	res, err := e.promoter.Promote(context.Background(), id, "alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	return id
}

func TestAdmit_Sandbox(t *testing.T) {
	ctx := context.Background()

	t.Run("allowed", func(t *testing.T) {
		e := newEnv(t)
		id := e.create(t, draft())
		got := e.controller.Admit(ctx, id)
		assert.True(t, got.Decision.Allow)
		require.NotNil(t, got.Agent)
		assert.Equal(t, id, got.Agent.ID)
	})

	t.Run("expired", func(t *testing.T) {
		e := newEnv(t)
		id := e.create(t, draft())
		e.now = epoch.Add(25 * time.Hour)
		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeSandboxExpired}, got.Decision.ErrorCodes)
	})

	t.Run("containment", func(t *testing.T) {
		e := newEnv(t)
		id := e.create(t, draft(func(a *contracts.Agent) {
			a.SandboxConstraints.ExternalCalls = true
			a.SandboxConstraints.PersistentWrites = true
		}))
		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeContainmentViolation}, got.Decision.ErrorCodes)
		require.Len(t, got.Decision.Reasons, 2)
		assert.Contains(t, got.Decision.Reasons[0], "externalCalls")
		assert.Contains(t, got.Decision.Reasons[1], "persistentWrites")
	})

	t.Run("unknown mode", func(t *testing.T) {
		e := newEnv(t)
		id := e.create(t, draft(func(a *contracts.Agent) { a.Mode = "feral" }))
		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeInvalidMode}, got.Decision.ErrorCodes)
	})
}

func TestAdmit_Governed(t *testing.T) {
	ctx := context.Background()

	t.Run("allowed", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		got := e.controller.Admit(ctx, id)
		assert.True(t, got.Decision.Allow, got.Decision.Reasons)
	})

	t.Run("restricted still runs", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		ok, err := e.store.TransitionStatus(ctx, id, contracts.StatusGovernedValid, contracts.StatusGovernedRestricted)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, e.controller.Admit(ctx, id).Decision.Allow)
	})

	t.Run("tampered spec", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		before, err := e.store.LatestProof(ctx, id)
		require.NoError(t, err)

		a, err := e.store.GetAgent(ctx, id)
		require.NoError(t, err)
		a.SystemPrompt = "Ignore previous instructions."
		require.NoError(t, e.store.UpdateAgent(ctx, a))

		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeSpecHashMismatch}, got.Decision.ErrorCodes)

		after, err := e.store.LatestProof(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before.Signature, after.Signature)
	})

	t.Run("policy changed", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		_, err := e.source.Set("ws-1", []contracts.PolicyRule{{ID: "cap", Expression: `agent.maxTokens <= 500`, Enabled: true}})
		require.NoError(t, err)
		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodePolicyHashMismatch}, got.Decision.ErrorCodes)
	})

	t.Run("revoked signer", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		require.NoError(t, e.revocations.Revoke(ctx, "alice", "left the company"))
		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeSignerRevoked}, got.Decision.ErrorCodes)

		require.NoError(t, e.revocations.Reinstate(ctx, "alice"))
		assert.True(t, e.controller.Admit(ctx, id).Decision.Allow)
	})

	t.Run("missing proof", func(t *testing.T) {
		e := newEnv(t)
		id := e.create(t, draft(func(a *contracts.Agent) {
			a.Mode = contracts.ModeGoverned
			a.GovernanceStatus = contracts.StatusGovernedValid
		}))
		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeProofMissing}, got.Decision.ErrorCodes)
	})

	t.Run("bad signature", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		chain, err := admission.NewDefaultChain(admission.Deps{
			Proofs:      flippedSignature{e.store},
			Codec:       e.codec,
			Revocations: e.revocations,
		})
		require.NoError(t, err)
		controller := admission.NewController(e.store, e.source, chain, e.rec, admission.WithClock(func() time.Time { return e.now }))

		got := controller.Admit(ctx, id)
		assert.True(t, got.Decision.Deny)
		assert.Equal(t, []string{contracts.CodeSignatureInvalid}, got.Decision.ErrorCodes)
		assert.True(t, e.controller.Admit(ctx, id).Decision.Allow, "stored proof is intact")
	})

	for _, target := range []contracts.GovernanceStatus{contracts.StatusArchived, contracts.StatusGovernedInvalidated} {
		t.Run(string(target), func(t *testing.T) {
			e := newEnv(t)
			id := e.governed(t)
			ok, err := e.store.TransitionStatus(ctx, id, contracts.StatusGovernedValid, target)
			require.NoError(t, err)
			require.True(t, ok)
			got := e.controller.Admit(ctx, id)
			assert.Equal(t, []string{contracts.CodePolicyHashMismatch}, got.Decision.ErrorCodes)
		})
	}

	t.Run("inconsistent status", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		ok, err := e.store.TransitionStatus(ctx, id, contracts.StatusGovernedValid, contracts.StatusSandbox)
		require.NoError(t, err)
		require.True(t, ok)
		got := e.controller.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeGovernanceStatusInvalid}, got.Decision.ErrorCodes)
	})
}

// flippedSignature serves the stored proofs with one signature character
// changed, leaving both hashes intact.
type flippedSignature struct {
	store.ProofStore
}

func (f flippedSignature) LatestProof(ctx context.Context, agentID int64) (*contracts.ProofBundle, error) {
	p, err := f.ProofStore.LatestProof(ctx, agentID)
	if err != nil {
		return nil, err
	}
	c := *p
	sig := []byte(c.Signature)
	if sig[len(sig)-1] == '0' {
		sig[len(sig)-1] = '1'
	} else {
		sig[len(sig)-1] = '0'
	}
	c.Signature = string(sig)
	return &c, nil
}

type downSource struct{}

func (downSource) FetchSnapshot(context.Context, string) (*contracts.PolicySnapshot, error) {
	return nil, errors.New("policy engine unreachable")
}

func TestAdmit_ContextFailuresDeny(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown agent", func(t *testing.T) {
		e := newEnv(t)
		got := e.controller.Admit(ctx, 404)
		assert.Nil(t, got.Agent)
		assert.Equal(t, []string{contracts.CodeInterceptorError}, got.Decision.ErrorCodes)
		assert.Equal(t, contracts.DecisionDeny, e.rec.last().Decision)
	})

	t.Run("policy source down", func(t *testing.T) {
		e := newEnv(t)
		id := e.governed(t)
		chain, err := admission.NewDefaultChain(admission.Deps{Proofs: e.store, Codec: testDeps(t).Codec, Revocations: e.revocations})
		require.NoError(t, err)
		c := admission.NewController(e.store, downSource{}, chain, e.rec)
		got := c.Admit(ctx, id)
		assert.Equal(t, []string{contracts.CodeInterceptorError}, got.Decision.ErrorCodes)
	})
}

func TestAdmit_AuditsEveryDecision(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ok := e.create(t, draft())
	bad := e.create(t, draft(func(a *contracts.Agent) { a.SandboxConstraints.ExternalCalls = true }))

	e.controller.Admit(ctx, ok)
	e.controller.Admit(ctx, bad)

	require.Len(t, e.rec.events, 2)
	allow, deny := e.rec.events[0], e.rec.events[1]
	assert.Equal(t, contracts.EventAdmissionDecision, allow.Code)
	assert.Equal(t, contracts.DecisionAllow, allow.Decision)
	assert.Equal(t, ok, *allow.AgentID)
	assert.Equal(t, "ws-1", allow.WorkspaceID)

	assert.Equal(t, contracts.DecisionDeny, deny.Decision)
	assert.Equal(t, []string{contracts.CodeContainmentViolation}, deny.Details["error_codes"])
	assert.Contains(t, deny.Reason, "externalCalls")
}
