package downstream

import (
	"context"

	"github.com/go-i2p/go-downstream/internal"
	"github.com/go-i2p/go-downstream/pool"
	"github.com/go-i2p/go-downstream/registry"
	"github.com/go-i2p/logger"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// idleSet is the per-backend pool a Dispatcher draws from: pool.Pool or
// pool.Shared.
type idleSet interface {
	Take() (*Conn, bool)
	Insert(conn *Conn) error
	Remove(id ulid.ULID) error
	Len() int
}

// poolSet is the backend-keyed registry behind a Dispatcher.
type poolSet interface {
	Drop(key string) error
	RemoveAll() error
	Stats() []pool.Stats
}

// Dispatcher is the request-side user of the pools of one worker. It tries
// the backend's pool before dialing, returns reusable connections after a
// request, and evicts idle connections found broken.
//
// A Dispatcher built by NewDispatcher is owned by a single worker goroutine,
// like its registry. One built by NewSharedDispatcher may be used from any
// goroutine.
type Dispatcher struct {
	index  int
	pools  poolSet
	pool   func(key string) idleSet
	lookup func(key string) (idleSet, bool)
	worker *registry.Worker[*Conn]
	dialer *Dialer
	logger *logger.Logger
}

// NewDispatcher creates a dispatcher over worker's pools.
func NewDispatcher(worker *registry.Worker[*Conn], dialer *Dialer) (*Dispatcher, error) {
	if worker == nil {
		return nil, oops.
			Code("INVALID_WORKER").
			In("dispatcher").
			Errorf("worker registry cannot be nil")
	}

	if dialer == nil {
		return nil, oops.
			Code("INVALID_DIALER").
			In("dispatcher").
			Errorf("dialer cannot be nil")
	}

	return &Dispatcher{
		index: worker.Index(),
		pools: worker,
		pool:  func(key string) idleSet { return worker.Pool(key) },
		lookup: func(key string) (idleSet, bool) {
			p, ok := worker.Lookup(key)
			if !ok {
				return nil, false
			}
			return p, true
		},
		worker: worker,
		dialer: dialer,
		logger: log,
	}, nil
}

// NewSharedDispatcher creates a dispatcher over pools shared by every
// worker. index only labels log lines.
func NewSharedDispatcher(index int, sharded *registry.Sharded[*Conn], dialer *Dialer) (*Dispatcher, error) {
	if sharded == nil {
		return nil, oops.
			Code("INVALID_WORKER").
			In("dispatcher").
			Errorf("shared registry cannot be nil")
	}

	if dialer == nil {
		return nil, oops.
			Code("INVALID_DIALER").
			In("dispatcher").
			Errorf("dialer cannot be nil")
	}

	return &Dispatcher{
		index: index,
		pools: sharded,
		pool:  func(key string) idleSet { return sharded.Pool(key) },
		lookup: func(key string) (idleSet, bool) {
			p, ok := sharded.Lookup(key)
			if !ok {
				return nil, false
			}
			return p, true
		},
		dialer: dialer,
		logger: log,
	}, nil
}

// Index returns the worker index the dispatcher serves.
func (d *Dispatcher) Index() int {
	return d.index
}

// Worker returns the per-worker registry, or nil for a shared dispatcher.
func (d *Dispatcher) Worker() *registry.Worker[*Conn] {
	return d.worker
}

// Idle returns the number of pooled connections to backend key.
func (d *Dispatcher) Idle(key string) int {
	p, ok := d.lookup(key)
	if !ok {
		return 0
	}
	return p.Len()
}

// Acquire returns an active connection to backend. reused reports whether
// it came from the pool rather than a fresh dial.
func (d *Dispatcher) Acquire(ctx context.Context, backend *Backend) (conn *Conn, reused bool, err error) {
	conn, ok, err := d.Take(backend)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return conn, true, nil
	}

	conn, err = d.Dial(ctx, backend)
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

// Take hands out a pooled connection to backend, marked active, without
// dialing. The boolean is false when the pool has no usable member.
func (d *Dispatcher) Take(backend *Backend) (*Conn, bool, error) {
	if err := backend.Validate(); err != nil {
		return nil, false, err
	}

	p := d.pool(backend.Key())
	for {
		pooled, ok := p.Take()
		if !ok {
			return nil, false, nil
		}
		if err := pooled.MarkActive(); err != nil {
			// Closed underneath us while idle; it is ours now, discard it
			entry := d.logger.WithField("conn_id", pooled.ID().String())
			entry.WithError(err).Warn("discarding unusable pooled connection")
			if closeErr := pooled.Close(); closeErr != nil {
				entry.WithError(closeErr).Warn("failed to close discarded pooled connection")
			}
			continue
		}

		d.logger.WithFields(logrus.Fields{
			"worker":  d.index,
			"backend": backend.Key(),
			"conn_id": pooled.ID().String(),
		}).Debug("reusing pooled connection")
		return pooled, true, nil
	}
}

// Dial opens a new connection to backend with the dispatcher's dialer. It
// does not touch the pools, so a per-worker dispatcher may dial from any
// goroutine while the worker keeps serving pool operations.
func (d *Dispatcher) Dial(ctx context.Context, backend *Backend) (*Conn, error) {
	return d.dialer.DialWithRetry(ctx, backend)
}

// Release hands conn back after a request. A reusable connection goes into
// its backend's pool; anything else is closed. If the pool is full the
// connection is closed instead.
func (d *Dispatcher) Release(conn *Conn, reusable bool) error {
	if conn == nil {
		return oops.
			Code("INVALID_CONN").
			In("dispatcher").
			Errorf("cannot release nil connection")
	}

	if !reusable {
		return conn.Close()
	}

	if err := conn.MarkIdle(); err != nil {
		// Already idle means it is pooled, already closed means nothing to pool;
		// either way this caller does not own it
		return err
	}

	p := d.pool(conn.Backend().Key())
	if err := p.Insert(conn); err != nil {
		if pool.IsDuplicate(err) {
			return err
		}
		// Ownership stayed with us
		if markErr := conn.transition(internal.StateIdle, internal.StateActive); markErr != nil {
			return markErr
		}
		if closeErr := conn.Close(); closeErr != nil {
			return closeErr
		}
		if pool.IsFull(err) {
			d.logger.WithFields(logrus.Fields{
				"backend": conn.Backend().Key(),
				"conn_id": conn.ID().String(),
			}).Debug("pool full, closed released connection")
			return nil
		}
		return err
	}
	return nil
}

// Evict removes an idle connection that was found broken (for example the
// backend closed it while pooled) and closes it.
func (d *Dispatcher) Evict(conn *Conn) error {
	if conn == nil {
		return oops.
			Code("INVALID_CONN").
			In("dispatcher").
			Errorf("cannot evict nil connection")
	}

	key := conn.Backend().Key()
	p, ok := d.lookup(key)
	if !ok {
		return oops.
			Code(pool.CodeNotFound).
			In("dispatcher").
			With("backend", key).
			With("conn_id", conn.ID().String()).
			Wrapf(pool.ErrNotFound, "no pool for backend %s", key)
	}
	return p.Remove(conn.ID())
}

// DropBackend closes every idle connection to one backend and forgets its
// pool, for backend removal on reconfiguration.
func (d *Dispatcher) DropBackend(key string) error {
	return d.pools.Drop(key)
}

// Close closes every idle connection in the dispatcher's registry.
func (d *Dispatcher) Close() error {
	return d.pools.RemoveAll()
}

// Stats returns per-backend pool stats of this worker.
func (d *Dispatcher) Stats() []pool.Stats {
	return d.pools.Stats()
}
