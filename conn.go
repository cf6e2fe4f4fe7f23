package downstream

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/go-downstream/internal"
	"github.com/go-i2p/logger"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Conn is one established link from the proxy to a backend.
// It implements net.Conn and pool.Conn. While a Conn is idle (pooled) its
// Read and Write fail, so nobody performs I/O on a connection in custody.
type Conn struct {
	// id is the stable opaque identifier used as the pool key
	id ulid.ULID

	// underlying is the transport handle
	underlying net.Conn

	// backend is the destination this connection was dialed for
	backend *Backend

	// localAddr and remoteAddr decorate the transport addresses
	localAddr  *BackendAddr
	remoteAddr *BackendAddr

	// state tracks active / idle / closed
	state      internal.ConnState
	stateMutex sync.RWMutex

	// metrics tracks bytes, reuse count and last activity
	metrics *internal.ConnectionMetrics

	// closeMutex protects close operations
	closeMutex sync.Mutex

	logger *logger.Logger
}

// NewConn wraps an established transport connection for backend.
// The returned connection is active and owned by the caller.
func NewConn(underlying net.Conn, backend *Backend) (*Conn, error) {
	if underlying == nil {
		return nil, oops.
			Code("INVALID_UNDERLYING_CONN").
			In("conn").
			Errorf("underlying connection cannot be nil")
	}

	if err := backend.Validate(); err != nil {
		return nil, err
	}

	key := backend.Key()
	c := &Conn{
		id:         ulid.Make(),
		underlying: underlying,
		backend:    backend,
		localAddr:  NewBackendAddr(underlying.LocalAddr(), key, backend.Protocol),
		remoteAddr: NewBackendAddr(underlying.RemoteAddr(), key, backend.Protocol),
		state:      internal.StateActive,
		metrics:    internal.NewConnectionMetrics(time.Now()),
		logger:     log,
	}

	c.logger.WithFields(logrus.Fields{
		"conn_id": c.id.String(),
		"backend": key,
	}).Debug("downstream connection created")
	return c, nil
}

// ID returns the connection's stable identifier.
func (c *Conn) ID() ulid.ULID {
	return c.id
}

// Backend returns the backend the connection was dialed for.
func (c *Conn) Backend() *Backend {
	return c.backend
}

// Protocol returns the negotiated protocol.
func (c *Conn) Protocol() Protocol {
	return c.backend.Protocol
}

// State returns the current lifecycle state.
func (c *Conn) State() internal.ConnState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

// LastActivity returns the time of the last read, write or handout.
func (c *Conn) LastActivity() time.Time {
	return c.metrics.LastActive()
}

// Read reads data from the backend.
func (c *Conn) Read(b []byte) (int, error) {
	if err := c.validateIOState("read"); err != nil {
		return 0, err
	}

	n, err := c.underlying.Read(b)
	if n > 0 {
		c.metrics.AddBytesRead(int64(n), time.Now())
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, oops.
			Code("UNDERLYING_READ_FAILED").
			In("conn").
			With("conn_id", c.id.String()).
			With("backend", c.backend.Key()).
			Wrapf(err, "downstream read failed")
	}
	return n, err
}

// Write writes data to the backend.
func (c *Conn) Write(b []byte) (int, error) {
	if err := c.validateIOState("write"); err != nil {
		return 0, err
	}

	n, err := c.underlying.Write(b)
	if n > 0 {
		c.metrics.AddBytesWritten(int64(n), time.Now())
	}
	if err != nil {
		return n, oops.
			Code("UNDERLYING_WRITE_FAILED").
			In("conn").
			With("conn_id", c.id.String()).
			With("backend", c.backend.Key()).
			Wrapf(err, "downstream write failed")
	}
	return n, nil
}

// validateIOState rejects I/O on idle or closed connections.
func (c *Conn) validateIOState(op string) error {
	switch state := c.State(); state {
	case internal.StateClosed:
		return oops.
			Code("CONN_CLOSED").
			In("conn").
			With("conn_id", c.id.String()).
			With("op", op).
			Errorf("connection is closed")
	case internal.StateIdle:
		return oops.
			Code("CONN_IDLE").
			In("conn").
			With("conn_id", c.id.String()).
			With("op", op).
			Errorf("connection is idle in a pool")
	}
	return nil
}

// MarkIdle moves an active connection to idle before it is pooled and
// stamps the time it went idle.
func (c *Conn) MarkIdle() error {
	if err := c.transition(internal.StateActive, internal.StateIdle); err != nil {
		return err
	}
	c.metrics.Touch(time.Now())
	return nil
}

// MarkActive moves an idle connection back to active after it was taken
// from a pool, and counts the reuse.
func (c *Conn) MarkActive() error {
	if err := c.transition(internal.StateIdle, internal.StateActive); err != nil {
		return err
	}
	c.metrics.AddReuse(time.Now())
	return nil
}

func (c *Conn) transition(from, to internal.ConnState) error {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.state != from {
		return oops.
			Code("INVALID_STATE_TRANSITION").
			In("conn").
			With("conn_id", c.id.String()).
			With("state", c.state.String()).
			With("target", to.String()).
			Errorf("cannot move %s connection to %s", c.state, to)
	}
	c.state = to
	return nil
}

// Close closes the transport. Closing an already closed connection is a no-op.
func (c *Conn) Close() error {
	c.closeMutex.Lock()
	defer c.closeMutex.Unlock()

	c.stateMutex.Lock()
	if c.state == internal.StateClosed {
		c.stateMutex.Unlock()
		return nil
	}
	c.state = internal.StateClosed
	c.stateMutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"conn_id": c.id.String(),
		"backend": c.backend.Key(),
	}).Debug("closing downstream connection")

	if err := c.underlying.Close(); err != nil {
		return oops.
			Code("UNDERLYING_CLOSE_FAILED").
			In("conn").
			With("conn_id", c.id.String()).
			With("backend", c.backend.Key()).
			Wrapf(err, "failed to close underlying connection")
	}
	return nil
}

// ConnStats is a snapshot of a connection's counters.
type ConnStats struct {
	ID           string    `json:"id"`
	Backend      string    `json:"backend"`
	Protocol     Protocol  `json:"protocol"`
	State        string    `json:"state"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	Reuses       int64     `json:"reuses"`
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() ConnStats {
	read, written, reuses := c.metrics.GetStats()
	return ConnStats{
		ID:           c.id.String(),
		Backend:      c.backend.Key(),
		Protocol:     c.backend.Protocol,
		State:        c.State().String(),
		Created:      c.metrics.Created,
		LastActivity: c.metrics.LastActive(),
		BytesRead:    read,
		BytesWritten: written,
		Reuses:       reuses,
	}
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SetDeadline sets the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.underlying.SetDeadline(t); err != nil {
		return oops.
			Code("SET_DEADLINE_FAILED").
			In("conn").
			With("deadline", t).
			Wrapf(err, "failed to set deadline on underlying connection")
	}
	return nil
}

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if err := c.underlying.SetReadDeadline(t); err != nil {
		return oops.
			Code("SET_READ_DEADLINE_FAILED").
			In("conn").
			With("deadline", t).
			Wrapf(err, "failed to set read deadline on underlying connection")
	}
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	if err := c.underlying.SetWriteDeadline(t); err != nil {
		return oops.
			Code("SET_WRITE_DEADLINE_FAILED").
			In("conn").
			With("deadline", t).
			Wrapf(err, "failed to set write deadline on underlying connection")
	}
	return nil
}
