package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedConn is safe to close from several goroutines
type lockedConn struct {
	id     ulid.ULID
	closes atomic.Int32
}

func newLockedConn() *lockedConn {
	return &lockedConn{id: ulid.Make()}
}

func (c *lockedConn) ID() ulid.ULID { return c.id }

func (c *lockedConn) Close() error {
	c.closes.Add(1)
	return nil
}

func TestShared_BasicOperations(t *testing.T) {
	s := NewShared[*lockedConn](WithName("shared"))
	assert.Equal(t, "shared", s.Name())

	a := newLockedConn()
	b := newLockedConn()
	require.NoError(t, s.Insert(a))
	require.NoError(t, s.Insert(b))
	assert.True(t, IsDuplicate(s.Insert(a)))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains(a.ID()))
	assert.Len(t, s.Members(), 2)

	got, ok := s.Take()
	require.True(t, ok)
	assert.Same(t, b, got)

	require.NoError(t, s.Remove(a.ID()))
	assert.True(t, IsNotFound(s.Remove(a.ID())))
	assert.Equal(t, int32(1), a.closes.Load())

	require.NoError(t, s.Insert(b))
	require.NoError(t, s.RemoveAll())
	assert.Equal(t, int32(1), b.closes.Load())
	assert.Equal(t, 0, s.Len())

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Inserted)
	assert.Equal(t, uint64(1), stats.Taken)
	assert.Equal(t, uint64(2), stats.Removed)
}

func TestShared_ConcurrentTakeSingleConn(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := NewShared[*lockedConn]()
		c := newLockedConn()
		require.NoError(t, s.Insert(c))

		var wg sync.WaitGroup
		var successes atomic.Int32
		start := make(chan struct{})

		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if got, ok := s.Take(); ok {
					assert.Same(t, c, got)
					successes.Add(1)
				}
			}()
		}

		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), successes.Load(), "exactly one take may win")
	}
}

func TestShared_ConcurrentChurn(t *testing.T) {
	s := NewShared[*lockedConn]()
	const workers = 8
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				c, ok := s.Take()
				if !ok {
					c = newLockedConn()
				}
				if !assert.NoError(t, s.Insert(c)) {
					return
				}
			}
		}()
	}
	wg.Wait()

	members := s.Members()
	seen := make(map[ulid.ULID]bool, len(members))
	for _, m := range members {
		assert.False(t, seen[m.ID], "a connection must never be pooled twice")
		seen[m.ID] = true
	}
	assert.LessOrEqual(t, len(members), workers)
	require.NoError(t, s.RemoveAll())
}

// stallingConn blocks in Close until release is closed
type stallingConn struct {
	id      ulid.ULID
	closing chan struct{}
	release chan struct{}
}

func (c *stallingConn) ID() ulid.ULID { return c.id }

func (c *stallingConn) Close() error {
	close(c.closing)
	<-c.release
	return nil
}

func TestShared_RemoveAllClosesOutsideLock(t *testing.T) {
	s := NewShared[*stallingConn]()
	slow := &stallingConn{id: ulid.Make(), closing: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, s.Insert(slow))

	done := make(chan error, 1)
	go func() { done <- s.RemoveAll() }()

	select {
	case <-slow.closing:
	case <-time.After(2 * time.Second):
		t.Fatal("RemoveAll never closed the member")
	}

	taken := make(chan bool, 1)
	go func() {
		_, ok := s.Take()
		taken <- ok
	}()

	select {
	case ok := <-taken:
		assert.False(t, ok, "member is already detached while it closes")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Take blocked behind a slow close")
	}
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(1), s.Stats().Removed)

	close(slow.release)
	require.NoError(t, <-done)
}
