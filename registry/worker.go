// Package registry maps backend keys to pools.
//
// Worker is the default arrangement: every worker execution context owns one
// Worker and therefore one unsynchronized pool per backend, so reuse never
// crosses workers and never takes a lock. Sharded is the opt-in alternative
// where all workers share one pool per backend behind a mutex.
package registry

import (
	"errors"
	"sort"

	"github.com/go-i2p/go-downstream/pool"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Worker holds the pools of one worker context, keyed by backend.
// It must only be used from the goroutine that owns it.
type Worker[C pool.Conn] struct {
	index int
	opts  []pool.Option
	pools map[string]*pool.Pool[C]
}

// NewWorker creates an empty registry for worker index. opts are applied to
// every pool it creates; the pool is always named after its backend key.
func NewWorker[C pool.Conn](index int, opts ...pool.Option) *Worker[C] {
	return &Worker[C]{
		index: index,
		opts:  opts,
		pools: make(map[string]*pool.Pool[C]),
	}
}

// Index returns the worker index.
func (w *Worker[C]) Index() int {
	return w.index
}

// Pool returns the pool for backend key, creating it on first use.
func (w *Worker[C]) Pool(key string) *pool.Pool[C] {
	if p, ok := w.pools[key]; ok {
		return p
	}

	opts := append(append([]pool.Option{}, w.opts...), pool.WithName(key))
	p := pool.New[C](opts...)
	w.pools[key] = p

	log.WithFields(logrus.Fields{
		"worker":  w.index,
		"backend": key,
	}).Debug("created backend pool")
	return p
}

// Lookup returns the pool for key without creating it.
func (w *Worker[C]) Lookup(key string) (*pool.Pool[C], bool) {
	p, ok := w.pools[key]
	return p, ok
}

// Drop empties and forgets the pool of one backend, e.g. when the backend is
// removed from the configuration. Dropping an unknown key is a no-op.
func (w *Worker[C]) Drop(key string) error {
	p, ok := w.pools[key]
	if !ok {
		return nil
	}
	delete(w.pools, key)
	return p.RemoveAll()
}

// RemoveAll empties every backend pool of this worker. The pools stay
// registered; failures of individual pools are joined.
func (w *Worker[C]) RemoveAll() error {
	var failures []error
	for _, key := range w.Keys() {
		if err := w.pools[key].RemoveAll(); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		return oops.
			Code("WORKER_DRAIN_FAILED").
			In("registry").
			With("worker", w.index).
			With("failures", len(failures)).
			Wrapf(errors.Join(failures...), "failed to drain %d backend pools", len(failures))
	}
	return nil
}

// Keys returns the registered backend keys in sorted order.
func (w *Worker[C]) Keys() []string {
	keys := lo.Keys(w.pools)
	sort.Strings(keys)
	return keys
}

// Stats returns the stats of every backend pool, sorted by backend key.
func (w *Worker[C]) Stats() []pool.Stats {
	return lo.Map(w.Keys(), func(key string, _ int) pool.Stats {
		return w.pools[key].Stats()
	})
}
