package registry

import (
	"errors"

	"github.com/go-i2p/go-downstream/pool"
	"github.com/samber/oops"
	"github.com/shirou/gopsutil/v3/cpu"
)

// DefaultWorkers returns the number of logical CPUs, or 1 if it cannot be
// determined.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil {
		log.WithError(err).Warn("could not count CPUs, using a single worker")
		return 1
	}
	if n < 1 {
		return 1
	}
	return n
}

// Fanout is the set of per-worker registries of a process.
type Fanout[C pool.Conn] struct {
	workers []*Worker[C]
}

// NewFanout creates n worker registries. n <= 0 means DefaultWorkers().
func NewFanout[C pool.Conn](n int, opts ...pool.Option) *Fanout[C] {
	if n <= 0 {
		n = DefaultWorkers()
	}

	workers := make([]*Worker[C], n)
	for i := range workers {
		workers[i] = NewWorker[C](i, opts...)
	}
	return &Fanout[C]{workers: workers}
}

// Len returns the number of workers.
func (f *Fanout[C]) Len() int {
	return len(f.workers)
}

// Worker returns the registry of worker i.
func (f *Fanout[C]) Worker(i int) *Worker[C] {
	return f.workers[i]
}

// RemoveAll drains every worker. Only call it once the workers have stopped,
// since each Worker belongs to its own goroutine while running.
func (f *Fanout[C]) RemoveAll() error {
	var failures []error
	for _, w := range f.workers {
		if err := w.RemoveAll(); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		return oops.
			Code("FANOUT_DRAIN_FAILED").
			In("registry").
			With("failures", len(failures)).
			Wrapf(errors.Join(failures...), "failed to drain %d workers", len(failures))
	}
	return nil
}
