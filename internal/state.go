package internal

import (
	"sync"
	"time"
)

// ConnState is the lifecycle state of a downstream connection
type ConnState int

const (
	// StateActive means a caller owns the connection and may do I/O on it
	StateActive ConnState = iota
	// StateIdle means the connection sits in a pool; no I/O allowed
	StateIdle
	// StateClosed means the transport has been released
	StateClosed
)

// String returns the string representation of the connection state
func (s ConnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionMetrics holds per-connection counters
type ConnectionMetrics struct {
	mu           sync.RWMutex
	Created      time.Time
	LastActivity time.Time
	BytesRead    int64
	BytesWritten int64
	Reuses       int64
}

// NewConnectionMetrics creates a new ConnectionMetrics instance
func NewConnectionMetrics(now time.Time) *ConnectionMetrics {
	return &ConnectionMetrics{
		Created:      now,
		LastActivity: now,
	}
}

// AddBytesRead increments the bytes read counter and touches the activity time
func (m *ConnectionMetrics) AddBytesRead(n int64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesRead += n
	m.LastActivity = now
}

// AddBytesWritten increments the bytes written counter and touches the activity time
func (m *ConnectionMetrics) AddBytesWritten(n int64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesWritten += n
	m.LastActivity = now
}

// AddReuse counts one more handout from a pool
func (m *ConnectionMetrics) AddReuse(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reuses++
	m.LastActivity = now
}

// Touch records activity without moving bytes
func (m *ConnectionMetrics) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastActivity = now
}

// LastActive returns the time of the last recorded activity
func (m *ConnectionMetrics) LastActive() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastActivity
}

// GetStats returns current connection statistics
func (m *ConnectionMetrics) GetStats() (bytesRead, bytesWritten, reuses int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.BytesRead, m.BytesWritten, m.Reuses
}
