// Package downstream provides the outbound side of a reverse proxy: handles
// for established backend connections, a retrying dialer, and a per-worker
// dispatcher that reuses idle connections from the pool package before
// paying for a fresh dial.
package downstream

import (
	"fmt"
	"net"
)

// BackendAddr implements net.Addr for downstream connections.
// It wraps the transport's remote address with the backend it belongs to.
type BackendAddr struct {
	// underlying is the transport address (TCP, unix, ...)
	underlying net.Addr
	// backend is the backend key
	backend string
	// protocol is the negotiated application protocol
	protocol Protocol
}

// NewBackendAddr creates a new BackendAddr wrapping an underlying network address.
func NewBackendAddr(underlying net.Addr, backend string, protocol Protocol) *BackendAddr {
	return &BackendAddr{
		underlying: underlying,
		backend:    backend,
		protocol:   protocol,
	}
}

// Network returns the network type, prefixed with "downstream+".
func (ba *BackendAddr) Network() string {
	if ba.underlying == nil {
		return "downstream"
	}
	return "downstream+" + ba.underlying.Network()
}

// String returns "downstream://<backend>/<protocol>/<address>".
func (ba *BackendAddr) String() string {
	if ba.underlying == nil {
		return fmt.Sprintf("downstream://%s/%s", ba.backend, ba.protocol)
	}
	return fmt.Sprintf("downstream://%s/%s/%s", ba.backend, ba.protocol, ba.underlying.String())
}

// Underlying returns the wrapped network address.
func (ba *BackendAddr) Underlying() net.Addr {
	return ba.underlying
}

// Backend returns the backend key.
func (ba *BackendAddr) Backend() string {
	return ba.backend
}

// Protocol returns the negotiated protocol.
func (ba *BackendAddr) Protocol() Protocol {
	return ba.protocol
}
