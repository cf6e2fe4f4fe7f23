package downstream

import (
	"context"
	"net"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// DialFunc establishes a transport connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer is the connection factory: it produces the Conn handles that the
// dispatcher later hands to a pool. Pools never dial.
type Dialer struct {
	config *DialConfig
	dial   DialFunc
	logger *logger.Logger
}

// NewDialer creates a dialer. A nil config uses NewDialConfig defaults.
func NewDialer(config *DialConfig) (*Dialer, error) {
	if config == nil {
		config = NewDialConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, oops.
			Code("INVALID_DIAL_CONFIG").
			In("transport").
			Wrapf(err, "invalid dial configuration")
	}

	netDialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: config.KeepAlive,
	}

	return &Dialer{
		config: config,
		dial:   netDialer.DialContext,
		logger: log,
	}, nil
}

// WithDialFunc replaces the transport dial function, e.g. to add TLS.
func (d *Dialer) WithDialFunc(fn DialFunc) *Dialer {
	if fn != nil {
		d.dial = fn
	}
	return d
}

// Config returns the dialer configuration.
func (d *Dialer) Config() *DialConfig {
	return d.config
}

// Dial makes a single attempt to connect to backend.
func (d *Dialer) Dial(ctx context.Context, backend *Backend) (*Conn, error) {
	if err := backend.Validate(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.config.DialTimeout)
	defer cancel()

	raw, err := d.dial(dialCtx, backend.Network, backend.Address)
	if err != nil {
		return nil, oops.
			Code("DIAL_FAILED").
			In("transport").
			With("backend", backend.Key()).
			With("network", backend.Network).
			With("address", backend.Address).
			Wrapf(err, "failed to dial %s://%s", backend.Network, backend.Address)
	}

	conn, err := NewConn(raw, backend)
	if err != nil {
		// Close the transport if the handle cannot be built
		raw.Close()
		return nil, oops.
			Code("DOWNSTREAM_CONN_FAILED").
			In("transport").
			With("backend", backend.Key()).
			Wrapf(err, "failed to create downstream connection")
	}

	d.logger.WithFields(logrus.Fields{
		"backend": backend.Key(),
		"conn_id": conn.ID().String(),
		"remote":  raw.RemoteAddr().String(),
	}).Debug("dialed downstream connection")
	return conn, nil
}
