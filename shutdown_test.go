package downstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/go-downstream/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDrainer records drain order and returns a preset error
type recordingDrainer struct {
	name  string
	order *[]string
	mu    *sync.Mutex
	err   error
}

func (d *recordingDrainer) RemoveAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.order = append(*d.order, d.name)
	return d.err
}

func TestNewShutdownManager(t *testing.T) {
	sm := NewShutdownManager(0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
	assert.NotNil(t, sm.Context())
	assert.NoError(t, sm.Context().Err())
}

func TestShutdownManager_DrainsInNameOrder(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	var order []string
	var mu sync.Mutex

	for _, name := range []string{"worker-2", "worker-0", "worker-1"} {
		sm.RegisterDrainer(name, &recordingDrainer{name: name, order: &order, mu: &mu})
	}
	sm.RegisterDrainer("ignored", nil)

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"worker-0", "worker-1", "worker-2"}, order)
}

func TestShutdownManager_Unregister(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	var order []string
	var mu sync.Mutex

	sm.RegisterDrainer("a", &recordingDrainer{name: "a", order: &order, mu: &mu})
	sm.RegisterDrainer("b", &recordingDrainer{name: "b", order: &order, mu: &mu})
	sm.UnregisterDrainer("a")

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"b"}, order)
}

func TestShutdownManager_WaitsForWorkersBeforeDraining(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	var order []string
	var mu sync.Mutex

	sm.Go(func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "worker stopped")
		mu.Unlock()
	})
	sm.RegisterDrainer("pools", &recordingDrainer{name: "pools drained", order: &order, mu: &mu})

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"worker stopped", "pools drained"}, order)
}

func TestShutdownManager_WorkerTimeout(t *testing.T) {
	sm := NewShutdownManager(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	sm.Go(func(ctx context.Context) {
		<-release
	})

	var order []string
	var mu sync.Mutex
	sm.RegisterDrainer("pools", &recordingDrainer{name: "pools", order: &order, mu: &mu})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for workers")
	assert.Equal(t, []string{"pools"}, order, "pools are drained even after a timeout")
}

func TestShutdownManager_DrainFailuresJoined(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	var order []string
	var mu sync.Mutex
	errA := errors.New("drain a")
	errC := errors.New("drain c")

	sm.RegisterDrainer("a", &recordingDrainer{name: "a", order: &order, mu: &mu, err: errA})
	sm.RegisterDrainer("b", &recordingDrainer{name: "b", order: &order, mu: &mu})
	sm.RegisterDrainer("c", &recordingDrainer{name: "c", order: &order, mu: &mu, err: errC})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestShutdownManager_OnlyOnce(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	var order []string
	var mu sync.Mutex
	sm.RegisterDrainer("a", &recordingDrainer{name: "a", order: &order, mu: &mu})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.Shutdown()
		}()
	}
	wg.Wait()
	sm.Wait()

	assert.Equal(t, []string{"a"}, order)
	assert.Error(t, sm.Context().Err())
}

func TestShutdownManager_DrainsRealPools(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	p := pool.NewShared[*Conn](pool.WithName("api"))

	raw := &mockNetConn{}
	conn, err := NewConn(raw, testBackend())
	require.NoError(t, err)
	require.NoError(t, conn.MarkIdle())
	require.NoError(t, p.Insert(conn))

	sm.RegisterDrainer("api", p)
	require.NoError(t, sm.Shutdown())

	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 1, raw.closes)
}
