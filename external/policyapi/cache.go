package policyapi

import (
	"context"
	"sync"
	"time"

	"github.com/agrishield/payout-engine/domain"
	"github.com/jellydator/ttlcache/v3"
)

type PolicyFetcher interface {
	GetPolicy(ctx context.Context, policyID string) (domain.Policy, error)
}

// CachedClient caches policy snapshots for a short TTL. A snapshot is valid
// for the lifetime of one trigger evaluation; staleness across rounds is
// bounded by the TTL.
type CachedClient struct {
	fetcher PolicyFetcher
	cache   *ttlcache.Cache[string, domain.Policy]
	lock    sync.Mutex
}

func NewCachedClient(fetcher PolicyFetcher, ttl time.Duration) *CachedClient {
	cache := ttlcache.New[string, domain.Policy](
		ttlcache.WithTTL[string, domain.Policy](ttl),
		ttlcache.WithDisableTouchOnHit[string, domain.Policy](),
	)
	go cache.Start() // expired item cleanup
	return &CachedClient{
		fetcher: fetcher,
		cache:   cache,
	}
}

func (c *CachedClient) GetPolicy(ctx context.Context, policyID string) (domain.Policy, error) {
	c.lock.Lock() // lock so that we do not get multiple threads inside the `if`
	defer c.lock.Unlock()

	item := c.cache.Get(policyID)
	if item != nil {
		return item.Value(), nil
	}
	policy, err := c.fetcher.GetPolicy(ctx, policyID)
	if err != nil {
		// not-found responses are not cached, a policy may appear later
		return domain.Policy{}, err
	}
	c.cache.Set(policyID, policy, ttlcache.DefaultTTL)
	return policy, nil
}
