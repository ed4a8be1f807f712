package store

import (
	"fmt"
	"sync"

	"keygate/internal/security"
)

// ClientCache hands out one Client per linked store and reuses it until
// the sealed credential changes. Unsealing runs a memory-hard KDF, so
// building a fresh client on every request would dominate latency.
type ClientCache struct {
	mu      sync.Mutex
	sealer  *security.Sealer
	base    Options
	clients map[string]cacheEntry
}

type cacheEntry struct {
	sealed string
	client *Client
}

// NewClientCache creates a cache. base supplies everything except the
// per-store API key.
func NewClientCache(sealer *security.Sealer, base Options) *ClientCache {
	return &ClientCache{
		sealer:  sealer,
		base:    base,
		clients: make(map[string]cacheEntry),
	}
}

// For returns the client for a store, rebuilding it when the sealed
// credential differs from the one the cached client was built from.
func (cc *ClientCache) For(storeID, sealedKey string) (*Client, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if entry, ok := cc.clients[storeID]; ok && entry.sealed == sealedKey {
		return entry.client, nil
	}

	apiKey, err := cc.sealer.Open(sealedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credentials for store %s: %w", storeID, err)
	}

	opts := cc.base
	opts.APIKey = apiKey
	client := NewClient(opts)
	cc.clients[storeID] = cacheEntry{sealed: sealedKey, client: client}
	return client, nil
}

// Forget drops a store's cached client after an unlink or relink.
func (cc *ClientCache) Forget(storeID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.clients, storeID)
}
