// Package pool keeps custody of idle downstream connections for one backend.
//
// A Pool is pure bookkeeping: it never dials, never reads or writes, and never
// decides on its own that a member should go. Connections enter through Insert
// once the caller has judged them reusable, and leave through Take (ownership
// back to the caller), Remove (closed) or RemoveAll (every member closed).
//
// Take hands out the most recently inserted member first (LIFO). Recently used
// connections are the ones most likely to still be open on the backend side.
package pool

import (
	"container/list"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Conn is the handle a pool keeps custody of.
// ID must be stable for the lifetime of the connection.
type Conn interface {
	ID() ulid.ULID
	Close() error
}

// Member describes one pooled connection without handing it out.
type Member struct {
	ID    ulid.ULID
	Since time.Time // when the connection entered the pool
}

// Stats is a point-in-time view of a pool's counters.
type Stats struct {
	Name     string `json:"name"`
	Idle     int    `json:"idle"`
	Capacity int    `json:"capacity"`
	Inserted uint64 `json:"inserted"`
	Taken    uint64 `json:"taken"`
	Removed  uint64 `json:"removed"`
}

type entry[C Conn] struct {
	conn  C
	since time.Time
}

// Pool holds idle connections for a single backend.
// It is not safe for concurrent use: give each worker its own Pool, or wrap
// it in a Shared when several goroutines must reach the same set.
type Pool[C Conn] struct {
	name     string
	capacity int
	now      func() time.Time

	// order is the take order, back = most recently inserted
	order   *list.List
	members map[ulid.ULID]*list.Element

	inserted uint64
	taken    uint64
	removed  uint64
}

// New creates an empty pool.
func New[C Conn](opts ...Option) *Pool[C] {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return &Pool[C]{
		name:     cfg.name,
		capacity: cfg.capacity,
		now:      cfg.now,
		order:    list.New(),
		members:  make(map[ulid.ULID]*list.Element),
	}
}

// Name returns the pool name, usually the backend key.
func (p *Pool[C]) Name() string {
	return p.name
}

// Insert transfers ownership of conn to the pool.
// On error the caller still owns conn.
func (p *Pool[C]) Insert(conn C) error {
	if isNil(conn) {
		return oops.
			Code(CodeInvalidConn).
			In("pool").
			With("pool", p.name).
			Wrapf(ErrInvalidConn, "cannot insert nil connection")
	}

	id := conn.ID()
	if _, exists := p.members[id]; exists {
		log.WithFields(logrus.Fields{
			"pool":    p.name,
			"conn_id": id.String(),
		}).Warn("rejected double insert of pooled connection")
		return oops.
			Code(CodeDuplicateConn).
			In("pool").
			With("pool", p.name).
			With("conn_id", id.String()).
			Wrapf(ErrDuplicate, "cannot insert %s", id)
	}

	if p.capacity > 0 && p.order.Len() >= p.capacity {
		return oops.
			Code(CodePoolFull).
			In("pool").
			With("pool", p.name).
			With("capacity", p.capacity).
			Wrapf(ErrFull, "cannot insert %s", id)
	}

	p.members[id] = p.order.PushBack(&entry[C]{conn: conn, since: p.now()})
	p.inserted++

	log.WithFields(logrus.Fields{
		"pool":    p.name,
		"conn_id": id.String(),
		"idle":    p.order.Len(),
	}).Debug("connection entered pool")
	return nil
}

// Take removes the most recently inserted connection and returns it.
// The boolean is false when the pool is empty.
func (p *Pool[C]) Take() (C, bool) {
	back := p.order.Back()
	if back == nil {
		var zero C
		return zero, false
	}

	e := p.order.Remove(back).(*entry[C])
	delete(p.members, e.conn.ID())
	p.taken++

	log.WithFields(logrus.Fields{
		"pool":    p.name,
		"conn_id": e.conn.ID().String(),
		"idle":    p.order.Len(),
	}).Debug("connection taken from pool")
	return e.conn, true
}

// Remove erases the member with the given id and closes it.
// Non-members are reported with ErrNotFound and left alone. A close failure
// is returned, but the connection is no longer a member either way.
func (p *Pool[C]) Remove(id ulid.ULID) error {
	e, err := p.detach(id)
	if err != nil {
		return err
	}
	return p.closeDetached(e)
}

// detach erases a member from the bookkeeping without closing it.
func (p *Pool[C]) detach(id ulid.ULID) (*entry[C], error) {
	elem, exists := p.members[id]
	if !exists {
		return nil, oops.
			Code(CodeNotFound).
			In("pool").
			With("pool", p.name).
			With("conn_id", id.String()).
			Wrapf(ErrNotFound, "cannot remove %s", id)
	}

	e := p.order.Remove(elem).(*entry[C])
	delete(p.members, id)
	p.removed++

	log.WithFields(logrus.Fields{
		"pool":    p.name,
		"conn_id": id.String(),
		"idle":    p.order.Len(),
	}).Debug("connection removed from pool")
	return e, nil
}

func (p *Pool[C]) closeDetached(e *entry[C]) error {
	if err := e.conn.Close(); err != nil {
		return oops.
			Code(CodeCloseFailed).
			In("pool").
			With("pool", p.name).
			With("conn_id", e.conn.ID().String()).
			Wrapf(fmt.Errorf("%w: %w", ErrCloseFailed, err), "failed to close removed connection")
	}
	return nil
}

// RemoveAll closes every member and empties the pool.
// Close failures do not stop the sweep; they are joined into one error.
func (p *Pool[C]) RemoveAll() error {
	return p.closeAll(p.detachAll())
}

// detachAll empties the bookkeeping and returns the former members in take
// order without closing them.
func (p *Pool[C]) detachAll() []*entry[C] {
	detached := make([]*entry[C], 0, p.order.Len())
	for elem := p.order.Back(); elem != nil; elem = elem.Prev() {
		detached = append(detached, elem.Value.(*entry[C]))
	}

	p.order.Init()
	p.members = make(map[ulid.ULID]*list.Element)
	p.removed += uint64(len(detached))
	return detached
}

func (p *Pool[C]) closeAll(detached []*entry[C]) error {
	var failures []error
	for _, e := range detached {
		if err := e.conn.Close(); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"pool":    p.name,
				"conn_id": e.conn.ID().String(),
			}).Error("failed to close pooled connection")
			failures = append(failures, err)
		}
	}

	count := len(detached)
	if count > 0 {
		log.WithFields(logrus.Fields{
			"pool":     p.name,
			"closed":   count,
			"failures": len(failures),
		}).Debug("pool emptied")
	}

	if len(failures) > 0 {
		return oops.
			Code(CodeRemoveAllFailed).
			In("pool").
			With("pool", p.name).
			With("closed", count).
			With("failures", len(failures)).
			Wrapf(errors.Join(failures...), "failed to close %d of %d pooled connections", len(failures), count)
	}
	return nil
}

// Len returns the number of idle members.
func (p *Pool[C]) Len() int {
	return p.order.Len()
}

// Contains reports whether id is currently a member.
func (p *Pool[C]) Contains(id ulid.ULID) bool {
	_, exists := p.members[id]
	return exists
}

// Members lists the pool contents in take order, next to be taken first.
func (p *Pool[C]) Members() []Member {
	members := make([]Member, 0, p.order.Len())
	for elem := p.order.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry[C])
		members = append(members, Member{ID: e.conn.ID(), Since: e.since})
	}
	return members
}

// Stats returns the pool counters.
func (p *Pool[C]) Stats() Stats {
	return Stats{
		Name:     p.name,
		Idle:     p.order.Len(),
		Capacity: p.capacity,
		Inserted: p.inserted,
		Taken:    p.taken,
		Removed:  p.removed,
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
