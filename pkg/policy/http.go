package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/util/resiliency"
)

// remoteSnapshot is the response body of the policy engine.
type remoteSnapshot struct {
	Hash  string                 `json:"hash"`
	Rules []contracts.PolicyRule `json:"rules"`
}

// HTTPSource fetches snapshots from a remote policy engine at
// GET {base}/v1/workspaces/{id}/policy.
type HTTPSource struct {
	base   string
	client *resiliency.Client
	token  string
	now    func() time.Time
}

// NewHTTPSource creates a source for the engine at baseURL. token, when set,
// is sent as a bearer token.
func NewHTTPSource(baseURL, token string, opts ...resiliency.Option) *HTTPSource {
	return &HTTPSource{
		base:   strings.TrimRight(baseURL, "/"),
		client: resiliency.NewClient("policy-engine", opts...),
		token:  token,
		now:    time.Now,
	}
}

// FetchSnapshot uses the engine's hash when it sends one and computes the
// canonical hash of the rules otherwise.
func (s *HTTPSource) FetchSnapshot(ctx context.Context, workspaceID string) (*contracts.PolicySnapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/policy", s.base, url.PathEscape(workspaceID))
	body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("policy: fetch %s: %w", workspaceID, err)
	}

	var remote remoteSnapshot
	if err := json.Unmarshal(body, &remote); err != nil {
		return nil, fmt.Errorf("policy: decode snapshot for %s: %w", workspaceID, err)
	}
	snap, err := NewSnapshot(workspaceID, remote.Rules, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if remote.Hash != "" {
		snap.Hash = remote.Hash
	}
	return snap, nil
}
