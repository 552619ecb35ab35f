package db

import (
	"sync"
	"time"

	"bank-link/src/models"

	"github.com/dgraph-io/ristretto/v2"
)

// AccountCache holds each user's account list. Every user has a generation
// counter that Invalidate bumps; a list read from the store is only cached if
// no invalidation happened since the read started.
type AccountCache struct {
	cache *ristretto.Cache[string, []models.BankAccount]
	ttl   time.Duration

	mu          sync.Mutex
	generations map[string]uint64
}

func NewAccountCache(ttl time.Duration) (*AccountCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []models.BankAccount]{
		NumCounters:        10000, // number of keys to track frequency of
		MaxCost:            10000,
		BufferItems:        64, // number of keys per Get buffer
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &AccountCache{cache: cache, ttl: ttl, generations: make(map[string]uint64)}, nil
}

func accountCacheKey(userID string) string {
	return "accounts:" + userID
}

func (c *AccountCache) Get(userID string) ([]models.BankAccount, bool) {
	return c.cache.Get(accountCacheKey(userID))
}

// Generation returns the user's current invalidation counter. Read it before
// loading from the store and hand it to Set.
func (c *AccountCache) Generation(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID]
}

// Set caches accounts loaded at generation gen. It reports false and stores
// nothing when the user was invalidated after gen was read. The write is
// applied before Set returns so the next Get sees it.
func (c *AccountCache) Set(userID string, gen uint64, accounts []models.BankAccount) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[userID] != gen {
		return false
	}
	if !c.cache.SetWithTTL(accountCacheKey(userID), accounts, 1, c.ttl) {
		return false
	}
	c.cache.Wait()
	return true
}

func (c *AccountCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[userID]++
	c.cache.Del(accountCacheKey(userID))
}

func (c *AccountCache) Close() {
	c.cache.Close()
}
