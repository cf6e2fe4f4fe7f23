package downstream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Drainer empties a set of pooled connections. pool.Pool, pool.Shared and
// the registry types all satisfy it.
type Drainer interface {
	RemoveAll() error
}

// ShutdownManager coordinates process shutdown: it signals workers through a
// context, waits for them to stop, then drains every registered pool set.
type ShutdownManager struct {
	// ctx is the context for shutdown signaling
	ctx context.Context

	// cancel cancels the shutdown context
	cancel context.CancelFunc

	// drainers are emptied once workers have stopped
	drainers map[string]Drainer

	// workers tracks running worker goroutines
	workers sync.WaitGroup

	// mu protects drainers
	mu sync.RWMutex

	// shutdownTimeout bounds the wait for workers to stop
	shutdownTimeout time.Duration

	logger *logger.Logger

	// done signals when shutdown is complete
	done chan struct{}

	// once ensures shutdown only happens once
	once sync.Once
}

// NewShutdownManager creates a new shutdown manager with the given timeout.
// If timeout is 0, a default of 30 seconds is used.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		ctx:             ctx,
		cancel:          cancel,
		drainers:        make(map[string]Drainer),
		shutdownTimeout: timeout,
		logger:          log,
		done:            make(chan struct{}),
	}
}

// RegisterDrainer adds a pool set to be emptied during shutdown.
// Registering a name twice replaces the earlier drainer.
func (sm *ShutdownManager) RegisterDrainer(name string, d Drainer) {
	if d == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.drainers[name] = d
	sm.logger.WithFields(logrus.Fields{
		"drainer":        name,
		"total_drainers": len(sm.drainers),
	}).Debug("registered drainer for shutdown")
}

// UnregisterDrainer removes a drainer, e.g. after it was drained on
// reconfiguration.
func (sm *ShutdownManager) UnregisterDrainer(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.drainers, name)
	sm.logger.WithFields(logrus.Fields{
		"drainer":        name,
		"total_drainers": len(sm.drainers),
	}).Debug("unregistered drainer")
}

// Go runs fn as a tracked worker. fn must return once the context is done;
// shutdown waits for it before draining pools.
func (sm *ShutdownManager) Go(fn func(ctx context.Context)) {
	sm.workers.Add(1)
	go func() {
		defer sm.workers.Done()
		fn(sm.ctx)
	}()
}

// Context returns the shutdown context for monitoring shutdown signals.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Shutdown cancels the context, waits for tracked workers up to the
// timeout, then drains every registered drainer. Drain failures do not stop
// the remaining drainers; all failures are joined into the returned error.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.once.Do(func() {
		defer close(sm.done)

		sm.logShutdownInitiation()
		sm.cancel()

		shutdownErr = sm.executeShutdownSequence()
		sm.logger.Info("shutdown complete")
	})

	return shutdownErr
}

// logShutdownInitiation logs the start of the shutdown process with current state.
func (sm *ShutdownManager) logShutdownInitiation() {
	sm.mu.RLock()
	drainers := len(sm.drainers)
	sm.mu.RUnlock()

	sm.logger.WithFields(logrus.Fields{
		"timeout":  sm.shutdownTimeout.String(),
		"drainers": drainers,
	}).Info("initiating shutdown")
}

// executeShutdownSequence waits for workers then drains pools.
func (sm *ShutdownManager) executeShutdownSequence() error {
	var failures []error

	if err := sm.waitForWorkers(); err != nil {
		sm.logger.WithError(err).Warn("workers did not stop in time, draining anyway")
		failures = append(failures, err)
	}

	if err := sm.drainAll(); err != nil {
		failures = append(failures, err)
	}

	return errors.Join(failures...)
}

// waitForWorkers waits for tracked workers to return within the timeout.
func (sm *ShutdownManager) waitForWorkers() error {
	stopped := make(chan struct{})
	go func() {
		sm.workers.Wait()
		close(stopped)
	}()

	timeout := time.NewTimer(sm.shutdownTimeout)
	defer timeout.Stop()

	select {
	case <-stopped:
		return nil
	case <-timeout.C:
		return oops.
			Code("SHUTDOWN_TIMEOUT").
			In("shutdown").
			With("timeout", sm.shutdownTimeout.String()).
			Errorf("timeout waiting for workers to stop")
	}
}

// drainAll empties every registered drainer in name order.
func (sm *ShutdownManager) drainAll() error {
	sm.mu.RLock()
	names := make([]string, 0, len(sm.drainers))
	for name := range sm.drainers {
		names = append(names, name)
	}
	drainers := make(map[string]Drainer, len(sm.drainers))
	for name, d := range sm.drainers {
		drainers[name] = d
	}
	sm.mu.RUnlock()
	sort.Strings(names)

	var failures []error
	for _, name := range names {
		if err := drainers[name].RemoveAll(); err != nil {
			sm.logger.WithError(err).WithField("drainer", name).
				Error("error draining pools during shutdown")
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		return oops.
			Code("SHUTDOWN_DRAIN_FAILED").
			In("shutdown").
			With("failures", len(failures)).
			Wrapf(errors.Join(failures...), "failed to drain %d pool sets", len(failures))
	}
	return nil
}

// Wait blocks until shutdown is complete.
func (sm *ShutdownManager) Wait() {
	<-sm.done
}
