package pool

import (
	"time"
)

// Option configures a Pool.
type Option func(*options)

type options struct {
	name     string
	capacity int
	now      func() time.Time
}

func defaultOptions() *options {
	return &options{
		name: "default",
		now:  time.Now,
	}
}

// WithName names the pool in logs and stats. Usually the backend key.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithCapacity caps the number of idle members. Zero or negative means
// unbounded, which is the default.
func WithCapacity(capacity int) Option {
	return func(o *options) {
		if capacity < 0 {
			capacity = 0
		}
		o.capacity = capacity
	}
}

// WithClock overrides the time source used for idle-since timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
