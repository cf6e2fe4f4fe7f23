package downstream

import (
	"context"
	"math"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// DialWithRetry dials backend, retrying failed attempts with exponential
// backoff according to the dialer configuration. It respects context
// cancellation between attempts.
func (d *Dialer) DialWithRetry(ctx context.Context, backend *Backend) (*Conn, error) {
	if err := backend.Validate(); err != nil {
		return nil, err
	}

	if d.shouldUseSingleAttempt() {
		return d.Dial(ctx, backend)
	}

	return d.executeRetryLoop(ctx, backend)
}

// shouldUseSingleAttempt determines if only a single dial attempt should be made.
func (d *Dialer) shouldUseSingleAttempt() bool {
	return d.config.DialRetries == 0
}

// executeRetryLoop performs the main retry logic with exponential backoff.
func (d *Dialer) executeRetryLoop(ctx context.Context, backend *Backend) (*Conn, error) {
	maxRetries := d.config.DialRetries
	attempt := 0

	for {
		conn, err := d.Dial(ctx, backend)
		if err == nil {
			d.logSuccessAfterRetries(backend, attempt)
			return conn, nil
		}

		if !d.shouldRetry(ctx, attempt, maxRetries, err) {
			return nil, d.wrapRetryError(backend, err, attempt+1)
		}

		if err := d.waitForRetry(ctx, backend, attempt); err != nil {
			return nil, d.wrapRetryError(backend, err, attempt+1)
		}

		attempt++
		d.logRetryAttempt(backend, attempt, err)
	}
}

// logSuccessAfterRetries logs a successful dial that needed retries.
func (d *Dialer) logSuccessAfterRetries(backend *Backend, attempt int) {
	if attempt > 0 {
		d.logger.WithFields(logrus.Fields{
			"attempts": attempt + 1,
			"backend":  backend.Key(),
		}).Info("dial succeeded after retries")
	}
}

// shouldRetry determines if a dial should be retried based on attempt count and error type.
func (d *Dialer) shouldRetry(ctx context.Context, attempt, maxRetries int, err error) bool {
	// Check maximum retry limit (-1 means infinite retries)
	if maxRetries != -1 && attempt >= maxRetries {
		return false
	}

	if ctx.Err() != nil {
		return false
	}

	// Only transport failures are worth another attempt; a bad backend stays bad
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == "DIAL_FAILED"
}

// waitForRetry implements exponential backoff delay before retry attempt.
func (d *Dialer) waitForRetry(ctx context.Context, backend *Backend, attempt int) error {
	delay := d.backoffDelay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	d.logger.WithFields(logrus.Fields{
		"attempt": attempt + 1,
		"delay":   delay,
		"backend": backend.Key(),
	}).Debug("waiting before dial retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay returns RetryBackoff * 2^attempt capped at MaxBackoff.
func (d *Dialer) backoffDelay(attempt int) time.Duration {
	if d.config.RetryBackoff <= 0 {
		return 0
	}

	delay := time.Duration(float64(d.config.RetryBackoff) * math.Pow(2, float64(attempt)))
	if delay > d.config.MaxBackoff || delay <= 0 {
		delay = d.config.MaxBackoff
	}
	return delay
}

// logRetryAttempt logs information about the retry attempt.
func (d *Dialer) logRetryAttempt(backend *Backend, attempt int, lastErr error) {
	d.logger.WithFields(logrus.Fields{
		"attempt":    attempt + 1,
		"backend":    backend.Key(),
		"last_error": lastErr.Error(),
	}).Warn("dial failed, retrying")
}

// wrapRetryError wraps the final error with retry context information.
func (d *Dialer) wrapRetryError(backend *Backend, err error, totalAttempts int) error {
	return oops.
		Code("DIAL_RETRY_FAILED").
		In("transport").
		With("total_attempts", totalAttempts).
		With("max_retries", d.config.DialRetries).
		With("backend", backend.Key()).
		Wrapf(err, "dial failed after %d attempts", totalAttempts)
}
