package pool

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Shared is a Pool guarded by a mutex so several goroutines can use the same
// backend pool. Every method is atomic with respect to the others; in
// particular two concurrent Take calls never return the same connection.
type Shared[C Conn] struct {
	mu   sync.Mutex
	pool *Pool[C]
}

// NewShared creates an empty shared pool.
func NewShared[C Conn](opts ...Option) *Shared[C] {
	return &Shared[C]{pool: New[C](opts...)}
}

// Name returns the pool name.
func (s *Shared[C]) Name() string {
	return s.pool.Name()
}

// Insert transfers ownership of conn to the pool.
func (s *Shared[C]) Insert(conn C) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Insert(conn)
}

// Take removes and returns the most recently inserted connection.
func (s *Shared[C]) Take() (C, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Take()
}

// Remove erases and closes the member with the given id. The close runs
// after the lock is released so a slow transport never blocks Take.
func (s *Shared[C]) Remove(id ulid.ULID) error {
	s.mu.Lock()
	e, err := s.pool.detach(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.pool.closeDetached(e)
}

// RemoveAll empties the pool and closes every former member. Like Remove,
// the closes run after the lock is released.
func (s *Shared[C]) RemoveAll() error {
	s.mu.Lock()
	detached := s.pool.detachAll()
	s.mu.Unlock()
	return s.pool.closeAll(detached)
}

// Len returns the number of idle members.
func (s *Shared[C]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Len()
}

// Contains reports whether id is currently a member.
func (s *Shared[C]) Contains(id ulid.ULID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Contains(id)
}

// Members lists the pool contents in take order.
func (s *Shared[C]) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Members()
}

// Stats returns the pool counters.
func (s *Shared[C]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Stats()
}
