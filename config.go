package downstream

import (
	"time"

	"github.com/samber/oops"
)

// DialConfig contains configuration for establishing downstream connections.
// It follows the builder pattern for optional configuration and validation.
type DialConfig struct {
	// DialTimeout bounds a single connection attempt
	// Default: 5 seconds
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive period for dialed connections
	// Default: 30 seconds (negative disables keep-alive)
	KeepAlive time.Duration

	// DialRetries is the number of extra attempts after a failed dial
	// Default: 2 (0 = no retries, -1 = retry until the context ends)
	DialRetries int

	// RetryBackoff is the base delay between attempts
	// Actual delay uses exponential backoff: delay = RetryBackoff * (2^attempt)
	// Default: 100 milliseconds
	RetryBackoff time.Duration

	// MaxBackoff caps the exponential backoff delay
	// Default: 5 seconds
	MaxBackoff time.Duration
}

// NewDialConfig creates a new DialConfig with sensible defaults.
func NewDialConfig() *DialConfig {
	return &DialConfig{
		DialTimeout:  5 * time.Second,
		KeepAlive:    30 * time.Second,
		DialRetries:  2,
		RetryBackoff: 100 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
	}
}

// WithDialTimeout sets the per-attempt dial timeout.
func (c *DialConfig) WithDialTimeout(timeout time.Duration) *DialConfig {
	c.DialTimeout = timeout
	return c
}

// WithKeepAlive sets the TCP keep-alive period.
func (c *DialConfig) WithKeepAlive(period time.Duration) *DialConfig {
	c.KeepAlive = period
	return c
}

// WithDialRetries sets the number of retry attempts.
// Use 0 for no retries, -1 for infinite retries.
func (c *DialConfig) WithDialRetries(retries int) *DialConfig {
	c.DialRetries = retries
	return c
}

// WithRetryBackoff sets the base delay between retry attempts.
func (c *DialConfig) WithRetryBackoff(backoff time.Duration) *DialConfig {
	c.RetryBackoff = backoff
	return c
}

// WithMaxBackoff caps the delay between retry attempts.
func (c *DialConfig) WithMaxBackoff(maxBackoff time.Duration) *DialConfig {
	c.MaxBackoff = maxBackoff
	return c
}

// Validate checks if the configuration is valid and complete.
func (c *DialConfig) Validate() error {
	if err := c.validateDialTimeout(); err != nil {
		return err
	}

	return c.validateRetryConfig()
}

// validateDialTimeout checks if the dial timeout is positive.
func (c *DialConfig) validateDialTimeout() error {
	if c.DialTimeout <= 0 {
		return oops.
			Code("INVALID_TIMEOUT").
			In("downstream").
			With("timeout", c.DialTimeout).
			Errorf("dial timeout must be positive")
	}
	return nil
}

// validateRetryConfig checks if the retry configuration is valid.
func (c *DialConfig) validateRetryConfig() error {
	if c.DialRetries < -1 {
		return oops.
			Code("INVALID_RETRY_COUNT").
			In("downstream").
			With("retries", c.DialRetries).
			Errorf("dial retries must be >= -1 (-1 = infinite, 0 = no retries)")
	}

	if c.RetryBackoff < 0 {
		return oops.
			Code("INVALID_RETRY_BACKOFF").
			In("downstream").
			With("backoff", c.RetryBackoff).
			Errorf("retry backoff must be non-negative")
	}

	if c.MaxBackoff < c.RetryBackoff {
		return oops.
			Code("INVALID_RETRY_BACKOFF").
			In("downstream").
			With("backoff", c.RetryBackoff).
			With("max_backoff", c.MaxBackoff).
			Errorf("max backoff must not be below the base backoff")
	}

	return nil
}
