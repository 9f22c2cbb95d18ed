package admission

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

// Deps are the collaborators the built-in interceptors need.
type Deps struct {
	Proofs      store.ProofStore
	Codec       *crypto.Codec
	Revocations crypto.RevocationList
}

// Factory builds an interceptor from Deps.
type Factory func(deps Deps) (Interceptor, error)

// Registry maps interceptor names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in interceptors.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories[NameMode] = func(Deps) (Interceptor, error) { return modeInterceptor{}, nil }
	r.factories[NameSandboxExpiry] = func(Deps) (Interceptor, error) { return sandboxExpiryInterceptor{}, nil }
	r.factories[NameContainment] = func(Deps) (Interceptor, error) { return containmentInterceptor{}, nil }
	r.factories[NameProofPresence] = func(d Deps) (Interceptor, error) {
		if d.Proofs == nil {
			return nil, errors.New("proof store is required")
		}
		return proofPresenceInterceptor{proofs: d.Proofs}, nil
	}
	r.factories[NameSignerRevocation] = func(d Deps) (Interceptor, error) {
		if d.Revocations == nil {
			return nil, errors.New("revocation list is required")
		}
		return signerRevocationInterceptor{revocations: d.Revocations}, nil
	}
	r.factories[NameSignature] = func(d Deps) (Interceptor, error) {
		if d.Codec == nil {
			return nil, errors.New("codec is required")
		}
		return signatureInterceptor{codec: d.Codec}, nil
	}
	r.factories[NameSpecHash] = func(d Deps) (Interceptor, error) {
		if d.Codec == nil {
			return nil, errors.New("codec is required")
		}
		return specHashInterceptor{codec: d.Codec}, nil
	}
	r.factories[NamePolicyHash] = func(Deps) (Interceptor, error) { return policyHashInterceptor{}, nil }
	r.factories[NameGovernanceStatus] = func(Deps) (Interceptor, error) { return governanceStatusInterceptor{}, nil }
	return r
}

// Register adds a custom interceptor factory. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("admission: register: name and factory are required: %w", contracts.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("admission: register %q: %w", name, contracts.ErrConflict)
	}
	r.factories[name] = f
	return nil
}

// Names lists the registered interceptors, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build assembles a chain from the named interceptors in order.
func (r *Registry) Build(deps Deps, names ...string) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	interceptors := make([]Interceptor, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("admission: interceptor %q listed twice: %w", name, contracts.ErrInvalidInput)
		}
		seen[name] = true
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("admission: interceptor %q: %w", name, contracts.ErrNotFound)
		}
		ic, err := f(deps)
		if err != nil {
			return nil, fmt.Errorf("admission: build %q: %w", name, err)
		}
		if ic.Name() != name {
			return nil, fmt.Errorf("admission: factory %q built interceptor named %q: %w", name, ic.Name(), contracts.ErrInvalidInput)
		}
		interceptors = append(interceptors, ic)
	}
	return NewChain(interceptors...), nil
}

// NewDefaultChain builds the built-in chain in DefaultOrder.
func NewDefaultChain(deps Deps) (*Chain, error) {
	return NewRegistry().Build(deps, DefaultOrder...)
}
