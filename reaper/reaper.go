// Package reaper closes connections that sat idle in a pool for too long.
//
// The pools themselves carry no eviction policy; a Reaper only uses their
// public Members and Remove operations, so it works on any pool it is given.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/go-i2p/go-downstream/pool"
	"github.com/go-i2p/logger"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

// Target is a pool the reaper can sweep.
type Target interface {
	Name() string
	Members() []pool.Member
	Remove(id ulid.ULID) error
}

// Config configures a Reaper.
type Config struct {
	MaxIdle  time.Duration // members idle longer than this are removed
	Interval time.Duration // sweep period for Run
}

// DefaultConfig returns a 90 second idle limit swept every 10 seconds.
func DefaultConfig() Config {
	return Config{
		MaxIdle:  90 * time.Second,
		Interval: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxIdle <= 0 {
		return oops.
			Code("INVALID_MAX_IDLE").
			In("reaper").
			With("max_idle", c.MaxIdle).
			Errorf("max idle must be positive")
	}
	if c.Interval <= 0 {
		return oops.
			Code("INVALID_INTERVAL").
			In("reaper").
			With("interval", c.Interval).
			Errorf("sweep interval must be positive")
	}
	return nil
}

// Reaper removes idle pool members past their idle limit.
type Reaper struct {
	config Config
	now    func() time.Time
}

// New creates a reaper.
func New(config Config) (*Reaper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Reaper{config: config, now: time.Now}, nil
}

// WithClock overrides the time source.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	if now != nil {
		r.now = now
	}
	return r
}

// Sweep removes every member of target idle longer than MaxIdle and returns
// how many it removed. A member taken between listing and removal is not an
// error. Other failures are joined; the sweep always visits every candidate.
func (r *Reaper) Sweep(target Target) (int, error) {
	cutoff := r.now().Add(-r.config.MaxIdle)
	expired := lo.Filter(target.Members(), func(m pool.Member, _ int) bool {
		return m.Since.Before(cutoff)
	})

	removed := 0
	var failures []error
	for _, m := range expired {
		err := target.Remove(m.ID)
		switch {
		case err == nil:
			removed++
		case pool.IsNotFound(err):
			// taken for reuse in the meantime
		case errors.Is(err, pool.ErrCloseFailed):
			removed++
			failures = append(failures, err)
		default:
			failures = append(failures, err)
		}
	}

	if removed > 0 {
		log.WithFields(logrus.Fields{
			"pool":     target.Name(),
			"removed":  removed,
			"max_idle": r.config.MaxIdle.String(),
		}).Info("reaped idle connections")
	}

	if len(failures) > 0 {
		return removed, oops.
			Code("SWEEP_FAILED").
			In("reaper").
			With("pool", target.Name()).
			With("failures", len(failures)).
			Wrapf(errors.Join(failures...), "failed to reap %d connections", len(failures))
	}
	return removed, nil
}

// SweepAll sweeps every target and returns the total removed.
func (r *Reaper) SweepAll(targets []Target) (int, error) {
	total := 0
	var failures []error
	for _, t := range targets {
		n, err := r.Sweep(t)
		total += n
		if err != nil {
			failures = append(failures, err)
		}
	}
	return total, errors.Join(failures...)
}

// Run sweeps the targets returned by targets every Interval until ctx is
// done. Targets must be safe for use from this goroutine, i.e. pool.Shared.
func (r *Reaper) Run(ctx context.Context, targets func() []Target) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepAll(targets()); err != nil {
				log.WithError(err).Warn("idle sweep reported failures")
			}
		}
	}
}
