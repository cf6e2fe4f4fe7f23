package downstream

import (
	"net"

	"github.com/samber/oops"
)

// Protocol is the application protocol negotiated on a downstream connection.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http/1.1"
	ProtocolHTTP2 Protocol = "h2"
	// ProtocolRaw carries opaque bytes; request framing is up to the caller
	ProtocolRaw Protocol = "raw"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP1, ProtocolHTTP2, ProtocolRaw:
		return true
	}
	return false
}

// Backend is a configured destination the proxy forwards requests to.
type Backend struct {
	// Name identifies the backend in logs and pool keys. Optional.
	Name string `yaml:"name" json:"name"`

	// Network is the dial network: tcp, tcp4, tcp6 or unix
	Network string `yaml:"network" json:"network"`

	// Address is the dial address, host:port for TCP
	Address string `yaml:"address" json:"address"`

	// Protocol is the protocol spoken on connections to this backend
	Protocol Protocol `yaml:"protocol" json:"protocol"`
}

// NewBackend creates a TCP backend speaking HTTP/1.1.
func NewBackend(name, address string) *Backend {
	return &Backend{
		Name:     name,
		Network:  "tcp",
		Address:  address,
		Protocol: ProtocolHTTP1,
	}
}

// Key returns the identity used to select the backend's pool.
func (b *Backend) Key() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Network + "://" + b.Address
}

// Validate checks that the backend can be dialed.
func (b *Backend) Validate() error {
	if b == nil {
		return oops.
			Code("INVALID_BACKEND").
			In("backend").
			Errorf("backend cannot be nil")
	}

	if err := b.validateNetwork(); err != nil {
		return err
	}

	if err := b.validateAddress(); err != nil {
		return err
	}

	return b.validateProtocol()
}

func (b *Backend) validateNetwork() error {
	switch b.Network {
	case "tcp", "tcp4", "tcp6", "unix":
		return nil
	}
	return oops.
		Code("INVALID_NETWORK").
		In("backend").
		With("backend", b.Name).
		With("network", b.Network).
		Errorf("unsupported network %q", b.Network)
}

func (b *Backend) validateAddress() error {
	if b.Address == "" {
		return oops.
			Code("INVALID_ADDRESS").
			In("backend").
			With("backend", b.Name).
			Errorf("backend address is required")
	}

	if b.Network == "unix" {
		return nil
	}

	if _, _, err := net.SplitHostPort(b.Address); err != nil {
		return oops.
			Code("INVALID_ADDRESS").
			In("backend").
			With("backend", b.Name).
			With("address", b.Address).
			Wrapf(err, "backend address must be host:port")
	}
	return nil
}

func (b *Backend) validateProtocol() error {
	if !b.Protocol.Valid() {
		return oops.
			Code("INVALID_PROTOCOL").
			In("backend").
			With("backend", b.Name).
			With("protocol", string(b.Protocol)).
			Errorf("unsupported protocol %q", b.Protocol)
	}
	return nil
}
