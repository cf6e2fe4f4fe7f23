package internal

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// RandomBytes generates cryptographically secure random bytes
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomSipKey returns a random SipHash-2-4 key split into its two halves
func RandomSipKey() (k0, k1 uint64, err error) {
	b, err := RandomBytes(16)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]), nil
}
