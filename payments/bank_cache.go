package payments

import (
	"log"
	"sync"
	"time"
)

type bankCache struct {
	mu      sync.RWMutex
	banks   []Bank
	expiry  time.Time
	ttl     time.Duration
	nowFunc func() time.Time
}

func newBankCache(ttl time.Duration) *bankCache {
	return &bankCache{ttl: ttl, nowFunc: time.Now}
}

// get returns the cached list, calling fetch when it is empty or stale.
func (c *bankCache) get(fetch func() ([]Bank, error)) ([]Bank, error) {
	c.mu.RLock()
	if len(c.banks) > 0 && c.nowFunc().Before(c.expiry) {
		banks := c.banks
		c.mu.RUnlock()
		return banks, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.banks) > 0 && c.nowFunc().Before(c.expiry) {
		return c.banks, nil
	}

	log.Println("Fetching gateway bank list...")
	banks, err := fetch()
	if err != nil {
		return nil, err
	}
	c.banks = banks
	c.expiry = c.nowFunc().Add(c.ttl)
	log.Printf("Cached %d banks until %s", len(banks), c.expiry.Format(time.RFC3339))
	return banks, nil
}
