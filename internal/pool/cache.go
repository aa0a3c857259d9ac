package pool

import (
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/keylock"
)

// cache maps shop ids to the live pools of one engine.
//
// Concurrent getOrCreate calls for one shop share a single create. The create
// and the insert both run under the shop's entry in locks, which the caches of
// both engines share with InvalidateTenantPool, so an invalidation either
// happens before a create starts or after its pool is cached, never between.
// The map itself is only touched under mu, so a slow connect never blocks
// lookups for other shops.
type cache[P database.Pool] struct {
	mu     sync.Mutex
	pools  map[string]P
	closed bool

	locks *keylock.Map
	group singleflight.Group
}

type opened[P database.Pool] struct {
	pool    P
	created bool
}

func newCache[P database.Pool](locks *keylock.Map) *cache[P] {
	return &cache[P]{pools: make(map[string]P), locks: locks}
}

func (c *cache[P]) get(id string) (P, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[id]
	return p, ok
}

// getOrCreate returns the cached pool for id, calling create at most once
// across concurrent callers when none is cached. created reports whether the
// pool was opened by this call or one it shared. create runs while id is
// locked and may return an error to refuse the open.
func (c *cache[P]) getOrCreate(id string, create func() (P, error)) (p P, created bool, err error) {
	if p, ok := c.get(id); ok {
		return p, false, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		unlock := c.locks.Lock(id)
		defer unlock()

		if p, ok := c.get(id); ok {
			return opened[P]{pool: p}, nil
		}
		p, err := create()
		if err != nil {
			return nil, err
		}
		if err := c.put(id, p); err != nil {
			p.Close()
			return nil, err
		}
		return opened[P]{pool: p, created: true}, nil
	})
	if err != nil {
		var zero P
		return zero, false, err
	}
	r := v.(opened[P])
	return r.pool, r.created, nil
}

// put caches p for id. It fails once the cache has been drained.
func (c *cache[P]) put(id string, p P) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New(errs.ErrKindConnection, "pool manager is shut down")
	}
	c.pools[id] = p
	return nil
}

func (c *cache[P]) remove(id string) (P, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[id]
	if ok {
		delete(c.pools, id)
	}
	return p, ok
}

// drain empties the cache, returns what it held and refuses later puts.
func (c *cache[P]) drain() map[string]P {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pools
	c.pools = make(map[string]P)
	c.closed = true
	return out
}

func (c *cache[P]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}

func (c *cache[P]) ids() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pools))
	for id := range c.pools {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}
