package crypto

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// RevocationList answers whether a signing authority has been revoked.
type RevocationList interface {
	IsRevoked(ctx context.Context, authority string) (bool, error)
	Revoke(ctx context.Context, authority, reason string) error
	Reinstate(ctx context.Context, authority string) error
}

// MemoryRevocationList is an in-process RevocationList.
type MemoryRevocationList struct {
	mu      sync.RWMutex
	revoked map[string]string
}

func NewMemoryRevocationList(authorities ...string) *MemoryRevocationList {
	l := &MemoryRevocationList{revoked: make(map[string]string)}
	for _, a := range authorities {
		l.revoked[a] = ""
	}
	return l
}

func (l *MemoryRevocationList) IsRevoked(_ context.Context, authority string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.revoked[authority]
	return ok, nil
}

func (l *MemoryRevocationList) Revoke(_ context.Context, authority, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked[authority] = reason
	return nil
}

func (l *MemoryRevocationList) Reinstate(_ context.Context, authority string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.revoked, authority)
	return nil
}

// RevocationStore is the persistence contract behind StoreRevocationList.
type RevocationStore interface {
	IsRevoked(ctx context.Context, authority string) (bool, error)
	RevokeAuthority(ctx context.Context, authority, reason string) error
	ReinstateAuthority(ctx context.Context, authority string) error
}

// StoreRevocationList reads revocations from the durable store.
type StoreRevocationList struct {
	store RevocationStore
}

func NewStoreRevocationList(store RevocationStore) *StoreRevocationList {
	return &StoreRevocationList{store: store}
}

func (l *StoreRevocationList) IsRevoked(ctx context.Context, authority string) (bool, error) {
	return l.store.IsRevoked(ctx, authority)
}

func (l *StoreRevocationList) Revoke(ctx context.Context, authority, reason string) error {
	return l.store.RevokeAuthority(ctx, authority, reason)
}

func (l *StoreRevocationList) Reinstate(ctx context.Context, authority string) error {
	return l.store.ReinstateAuthority(ctx, authority)
}

// DefaultRevocationKey is the Redis hash holding revoked authorities.
const DefaultRevocationKey = "agentgov:revoked_authorities"

// RedisRevocationList shares a revocation list across control-plane replicas.
// Authorities live in a Redis hash keyed by name with the reason as value.
type RedisRevocationList struct {
	client redis.UniversalClient
	key    string
}

func NewRedisRevocationList(client redis.UniversalClient, key string) *RedisRevocationList {
	if key == "" {
		key = DefaultRevocationKey
	}
	return &RedisRevocationList{client: client, key: key}
}

func (l *RedisRevocationList) IsRevoked(ctx context.Context, authority string) (bool, error) {
	ok, err := l.client.HExists(ctx, l.key, authority).Result()
	if err != nil {
		return false, contracts.Retryable("redis revocation lookup", err)
	}
	return ok, nil
}

func (l *RedisRevocationList) Revoke(ctx context.Context, authority, reason string) error {
	if err := l.client.HSet(ctx, l.key, authority, reason).Err(); err != nil {
		return contracts.Retryable("redis revoke", fmt.Errorf("authority %s: %w", authority, err))
	}
	return nil
}

func (l *RedisRevocationList) Reinstate(ctx context.Context, authority string) error {
	if err := l.client.HDel(ctx, l.key, authority).Err(); err != nil {
		return contracts.Retryable("redis reinstate", fmt.Errorf("authority %s: %w", authority, err))
	}
	return nil
}
