package crypto

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	signer, err := NewHMACSigner(bytes.Repeat([]byte{0x11}, 32), "test-v1")
	require.NoError(t, err)
	return NewCodec(NewKeyRing(signer))
}

func testAgent() *contracts.Agent {
	temp := 0.7
	return &contracts.Agent{
		ID:           1,
		WorkspaceID:  "ws-1",
		Name:         "triage",
		Version:      "1.0.0",
		Description:  "triages tickets",
		RoleClass:    "support",
		SystemPrompt: "You triage tickets.",
		ModelID:      "gpt-4o",
		Temperature:  &temp,
		Anatomy:      contracts.Anatomy(`{"tools":["search"],"memory":{"kind":"none"}}`),
		Mode:         contracts.ModeSandbox,
	}
}

func TestComputeSpecHash_FieldOrderIndependent(t *testing.T) {
	c := newTestCodec(t)

	a := testAgent()
	b := testAgent()
	b.Anatomy = contracts.Anatomy(`{"memory":{"kind":"none"},"tools":["search"]}`)

	ha, err := c.ComputeSpecHash(a)
	require.NoError(t, err)
	hb, err := c.ComputeSpecHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeSpecHash_IgnoresGovernanceFields(t *testing.T) {
	c := newTestCodec(t)
	a := testAgent()
	before, err := c.ComputeSpecHash(a)
	require.NoError(t, err)

	a.Mode = contracts.ModeGoverned
	a.GovernanceStatus = contracts.StatusGovernedValid
	a.PolicyDigest = "sha256:abc"
	a.Description = "changed"
	a.UpdatedAt = time.Now()

	after, err := c.ComputeSpecHash(a)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestComputeSpecHash_DetectsHashedFieldChanges(t *testing.T) {
	c := newTestCodec(t)
	base, err := c.ComputeSpecHash(testAgent())
	require.NoError(t, err)

	mutations := map[string]func(*contracts.Agent){
		"name":         func(a *contracts.Agent) { a.Name = "other" },
		"version":      func(a *contracts.Agent) { a.Version = "1.0.1" },
		"roleClass":    func(a *contracts.Agent) { a.RoleClass = "sales" },
		"systemPrompt": func(a *contracts.Agent) { a.SystemPrompt += " Be brief." },
		"anatomy":      func(a *contracts.Agent) { a.Anatomy = contracts.Anatomy(`{"tools":[]}`) },
		"modelId":      func(a *contracts.Agent) { a.ModelID = "claude" },
		"temperature":  func(a *contracts.Agent) { a.Temperature = nil },
	}
	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			a := testAgent()
			mutate(a)
			h, err := c.ComputeSpecHash(a)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestComputePolicyHash_OrderAndDisabledRules(t *testing.T) {
	rules := []contracts.PolicyRule{
		{ID: "b", Expression: "agent.version != ''", Enabled: true},
		{ID: "a", Expression: "agent.temperature <= 1.0", Enabled: true},
		{ID: "c", Expression: "false", Enabled: false},
	}
	reordered := []contracts.PolicyRule{rules[1], rules[0]}

	h1, err := ComputePolicyHash(rules)
	require.NoError(t, err)
	h2, err := ComputePolicyHash(reordered)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	rules[0].Expression = "true"
	h3, err := ComputePolicyHash(rules)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestCodec_SignVerify(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	signer, err := NewEd25519Signer("ed-1")
	require.NoError(t, err)
	c := NewCodec(NewKeyRing(signer), WithClock(func() time.Time { return fixed }))

	proof, err := c.Sign("sha256:spec", "sha256:policy", "alice")
	require.NoError(t, err)

	assert.Equal(t, contracts.AlgEd25519, proof.Algorithm)
	assert.Equal(t, "ed-1", proof.KeyID)
	assert.Equal(t, fixed.Truncate(time.Millisecond), proof.SignedAt)
	assert.True(t, c.Verify(proof))

	tampered := *proof
	tampered.PolicyHash = "sha256:other"
	assert.False(t, c.Verify(&tampered))

	tampered = *proof
	tampered.SignedAt = proof.SignedAt.Add(time.Second)
	assert.False(t, c.Verify(&tampered))

	tampered = *proof
	tampered.Algorithm = contracts.AlgHMACSHA256
	assert.False(t, c.Verify(&tampered))
}

func TestCodec_VerifyMalformed(t *testing.T) {
	c := newTestCodec(t)

	assert.False(t, c.Verify(nil))
	assert.False(t, c.Verify(&contracts.ProofBundle{}))
	assert.False(t, c.Verify(&contracts.ProofBundle{Signature: "zz", SignedAt: time.Now()}))
	assert.False(t, c.Verify(&contracts.ProofBundle{Signature: "00", SignedAt: time.Now(), KeyID: "unknown"}))
}

func TestCodec_VerifyAfterRotation(t *testing.T) {
	old, err := NewHMACSigner(bytes.Repeat([]byte{1}, 32), "v1")
	require.NoError(t, err)
	ring := NewKeyRing(old)
	c := NewCodec(ring)

	proof, err := c.Sign("s", "p", "alice")
	require.NoError(t, err)

	next, err := NewHMACSigner(bytes.Repeat([]byte{2}, 32), "v2")
	require.NoError(t, err)
	ring.AddKey(next)

	assert.True(t, c.Verify(proof), "proof signed with a rotated-out key must still verify")

	ring.RevokeKey("v1")
	assert.False(t, c.Verify(proof))
}

func TestCodec_SignVerifyProperties(t *testing.T) {
	c := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("verify(sign(x)) holds", prop.ForAll(
		func(specHash, policyHash, authority string) bool {
			proof, err := c.Sign(specHash, policyHash, authority)
			if err != nil {
				return false
			}
			return c.Verify(proof)
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("flipping one signature character fails verification", prop.ForAll(
		func(authority string, pos int, shift int) bool {
			proof, err := c.Sign("sha256:spec", "sha256:policy", authority)
			if err != nil {
				return false
			}
			sig := []byte(proof.Signature)
			i := pos % len(sig)
			const alphabet = "0123456789abcdefABCDEFxyz"
			replacement := alphabet[shift%len(alphabet)]
			if replacement == sig[i] {
				replacement = alphabet[(shift+1)%len(alphabet)]
			}
			sig[i] = replacement
			proof.Signature = string(sig)
			return !c.Verify(proof)
		},
		gen.AlphaString(),
		gen.IntRange(0, 1<<16),
		gen.IntRange(0, 1<<16),
	))

	properties.Property("spec hash is stable under anatomy key permutation", prop.ForAll(
		func(keys []string) bool {
			obj := make(map[string]any, len(keys))
			for i, k := range keys {
				obj[k] = i
			}
			forward := jsonObject(keys, obj, false)
			backward := jsonObject(keys, obj, true)

			a := testAgent()
			a.Anatomy = contracts.Anatomy(forward)
			b := testAgent()
			b.Anatomy = contracts.Anatomy(backward)

			ha, errA := c.ComputeSpecHash(a)
			hb, errB := c.ComputeSpecHash(b)
			return errA == nil && errB == nil && ha == hb
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

// jsonObject writes obj with keys in the given (or reversed) order, skipping duplicates.
func jsonObject(keys []string, obj map[string]any, reverse bool) []byte {
	ordered := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			ordered = append(ordered, k)
		}
	}
	if reverse {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range ordered {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"` + k + `":`)
		buf.WriteString(strconv.Itoa(obj[k].(int)))
	}
	buf.WriteByte('}')
	return buf.Bytes()
}
