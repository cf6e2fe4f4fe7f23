package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/dchest/siphash"
	"github.com/go-i2p/go-downstream/internal"
	"github.com/go-i2p/go-downstream/pool"
	"github.com/samber/lo"
	"github.com/samber/oops"
)

const defaultShards = 16

type shard[C pool.Conn] struct {
	mu    sync.RWMutex
	pools map[string]*pool.Shared[C]
}

// Sharded is a process-wide registry of shared pools, one per backend.
// Backend keys are spread over shards by SipHash-2-4 with a random key so
// lookups for different backends rarely contend on the same lock.
type Sharded[C pool.Conn] struct {
	k0, k1 uint64
	opts   []pool.Option
	shards []*shard[C]
}

// NewSharded creates a sharded registry. shards <= 0 uses a default.
func NewSharded[C pool.Conn](shards int, opts ...pool.Option) (*Sharded[C], error) {
	if shards <= 0 {
		shards = defaultShards
	}

	k0, k1, err := internal.RandomSipKey()
	if err != nil {
		return nil, oops.
			Code("SIPHASH_KEY_FAILED").
			In("registry").
			Wrapf(err, "failed to generate shard hash key")
	}

	s := &Sharded[C]{
		k0:     k0,
		k1:     k1,
		opts:   opts,
		shards: make([]*shard[C], shards),
	}
	for i := range s.shards {
		s.shards[i] = &shard[C]{pools: make(map[string]*pool.Shared[C])}
	}
	return s, nil
}

func (s *Sharded[C]) shardFor(key string) *shard[C] {
	h := siphash.Hash(s.k0, s.k1, []byte(key))
	return s.shards[h%uint64(len(s.shards))]
}

// Pool returns the shared pool for backend key, creating it on first use.
func (s *Sharded[C]) Pool(key string) *pool.Shared[C] {
	sh := s.shardFor(key)

	sh.mu.RLock()
	p, ok := sh.pools[key]
	sh.mu.RUnlock()
	if ok {
		return p
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if p, ok := sh.pools[key]; ok {
		return p
	}
	opts := append(append([]pool.Option{}, s.opts...), pool.WithName(key))
	p = pool.NewShared[C](opts...)
	sh.pools[key] = p
	return p
}

// Lookup returns the pool for key without creating it.
func (s *Sharded[C]) Lookup(key string) (*pool.Shared[C], bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.pools[key]
	return p, ok
}

// Drop empties and forgets the pool of one backend.
func (s *Sharded[C]) Drop(key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	p, ok := sh.pools[key]
	delete(sh.pools, key)
	sh.mu.Unlock()

	if !ok {
		return nil
	}
	return p.RemoveAll()
}

// Pools returns every registered pool sorted by backend key.
func (s *Sharded[C]) Pools() []*pool.Shared[C] {
	var all []*pool.Shared[C]
	for _, sh := range s.shards {
		sh.mu.RLock()
		all = append(all, lo.Values(sh.pools)...)
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// Keys returns the registered backend keys in sorted order.
func (s *Sharded[C]) Keys() []string {
	return lo.Map(s.Pools(), func(p *pool.Shared[C], _ int) string {
		return p.Name()
	})
}

// Stats returns the stats of every backend pool, sorted by backend key.
func (s *Sharded[C]) Stats() []pool.Stats {
	return lo.Map(s.Pools(), func(p *pool.Shared[C], _ int) pool.Stats {
		return p.Stats()
	})
}

// RemoveAll empties every pool. Safe to call while other goroutines use the
// registry; connections inserted concurrently may survive the sweep.
func (s *Sharded[C]) RemoveAll() error {
	var failures []error
	for _, p := range s.Pools() {
		if err := p.RemoveAll(); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		return oops.
			Code("SHARDED_DRAIN_FAILED").
			In("registry").
			With("failures", len(failures)).
			Wrapf(errors.Join(failures...), "failed to drain %d backend pools", len(failures))
	}
	return nil
}
