package downstream

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-i2p/go-downstream/internal"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNetConn implements net.Conn for testing
type mockNetConn struct {
	readData    []byte
	readErr     error
	writeBuffer bytes.Buffer
	writeErr    error
	closeErr    error
	deadlineErr error
	closes      int
}

func (m *mockNetConn) Read(b []byte) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	if len(m.readData) == 0 {
		return 0, io.EOF
	}
	n := copy(b, m.readData)
	m.readData = m.readData[n:]
	return n, nil
}

func (m *mockNetConn) Write(b []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuffer.Write(b)
}

func (m *mockNetConn) Close() error {
	m.closes++
	return m.closeErr
}

func (m *mockNetConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
}

func (m *mockNetConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}
}

func (m *mockNetConn) SetDeadline(t time.Time) error      { return m.deadlineErr }
func (m *mockNetConn) SetReadDeadline(t time.Time) error  { return m.deadlineErr }
func (m *mockNetConn) SetWriteDeadline(t time.Time) error { return m.deadlineErr }

func testBackend() *Backend {
	return NewBackend("api", "127.0.0.1:8080")
}

func TestNewConn(t *testing.T) {
	tests := []struct {
		name       string
		underlying net.Conn
		backend    *Backend
		errCode    string
	}{
		{
			name:       "nil underlying connection",
			underlying: nil,
			backend:    testBackend(),
			errCode:    "INVALID_UNDERLYING_CONN",
		},
		{
			name:       "nil backend",
			underlying: &mockNetConn{},
			backend:    nil,
			errCode:    "INVALID_BACKEND",
		},
		{
			name:       "invalid backend",
			underlying: &mockNetConn{},
			backend:    &Backend{Network: "udp", Address: "127.0.0.1:1", Protocol: ProtocolRaw},
			errCode:    "INVALID_NETWORK",
		},
		{
			name:       "valid parameters",
			underlying: &mockNetConn{},
			backend:    testBackend(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := NewConn(tt.underlying, tt.backend)
			if tt.errCode != "" {
				require.Error(t, err)
				assert.Nil(t, conn)
				oopsErr, ok := oops.AsOops(err)
				require.True(t, ok)
				assert.Equal(t, tt.errCode, oopsErr.Code())
				return
			}

			require.NoError(t, err)
			require.NotNil(t, conn)
			assert.NotZero(t, conn.ID())
			assert.Equal(t, internal.StateActive, conn.State())
			assert.Equal(t, ProtocolHTTP1, conn.Protocol())
			assert.Same(t, tt.backend, conn.Backend())
			assert.Equal(t, "downstream://api/http/1.1/127.0.0.1:8080", conn.RemoteAddr().String())
			assert.Equal(t, "downstream+tcp", conn.LocalAddr().Network())
		})
	}
}

func TestConn_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		conn, err := NewConn(&mockNetConn{}, testBackend())
		require.NoError(t, err)
		id := conn.ID().String()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestConn_ReadWrite(t *testing.T) {
	raw := &mockNetConn{readData: []byte("pong\n")}
	conn, err := NewConn(raw, testBackend())
	require.NoError(t, err)

	n, err := conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "ping\n", raw.writeBuffer.String())

	buf := make([]byte, 16)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong\n", string(buf[:n]))

	_, err = conn.Read(buf)
	assert.Equal(t, io.EOF, err, "EOF must pass through unwrapped")

	stats := conn.Stats()
	assert.Equal(t, int64(5), stats.BytesRead)
	assert.Equal(t, int64(5), stats.BytesWritten)
	assert.Equal(t, "api", stats.Backend)
	assert.Equal(t, "active", stats.State)
}

func TestConn_UnderlyingErrors(t *testing.T) {
	raw := &mockNetConn{
		readErr:     errors.New("connection reset"),
		writeErr:    errors.New("broken pipe"),
		deadlineErr: errors.New("deadline unsupported"),
	}
	conn, err := NewConn(raw, testBackend())
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 4))
	assert.ErrorIs(t, err, raw.readErr)
	assert.Contains(t, err.Error(), "downstream read failed")

	_, err = conn.Write([]byte("x"))
	assert.ErrorIs(t, err, raw.writeErr)

	assert.ErrorIs(t, conn.SetDeadline(time.Now()), raw.deadlineErr)
	assert.ErrorIs(t, conn.SetReadDeadline(time.Now()), raw.deadlineErr)
	assert.ErrorIs(t, conn.SetWriteDeadline(time.Now()), raw.deadlineErr)
}

func TestConn_IdleRejectsIO(t *testing.T) {
	raw := &mockNetConn{readData: []byte("data")}
	conn, err := NewConn(raw, testBackend())
	require.NoError(t, err)

	require.NoError(t, conn.MarkIdle())
	assert.Equal(t, internal.StateIdle, conn.State())

	_, err = conn.Read(make([]byte, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection is idle")

	_, err = conn.Write([]byte("x"))
	require.Error(t, err)
	assert.Equal(t, 0, raw.writeBuffer.Len())

	assert.Error(t, conn.MarkIdle(), "idle connection cannot be marked idle again")

	require.NoError(t, conn.MarkActive())
	_, written, reuses := conn.metrics.GetStats()
	assert.Equal(t, int64(0), written)
	assert.Equal(t, int64(1), reuses)

	assert.Error(t, conn.MarkActive(), "active connection cannot be activated again")
}

func TestConn_Close(t *testing.T) {
	raw := &mockNetConn{}
	conn, err := NewConn(raw, testBackend())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, raw.closes, "transport must be closed exactly once")
	assert.Equal(t, internal.StateClosed, conn.State())

	_, err = conn.Write([]byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection is closed")

	assert.Error(t, conn.MarkIdle())
	assert.Error(t, conn.MarkActive())
}

func TestConn_CloseError(t *testing.T) {
	raw := &mockNetConn{closeErr: errors.New("close failed")}
	conn, err := NewConn(raw, testBackend())
	require.NoError(t, err)

	err = conn.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, raw.closeErr)
	assert.Equal(t, internal.StateClosed, conn.State())
}

func TestConn_LastActivity(t *testing.T) {
	raw := &mockNetConn{}
	conn, err := NewConn(raw, testBackend())
	require.NoError(t, err)

	before := conn.LastActivity()
	time.Sleep(2 * time.Millisecond)
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	assert.True(t, conn.LastActivity().After(before))
}

func TestConn_MarkIdleStampsActivity(t *testing.T) {
	conn, err := NewConn(&mockNetConn{}, testBackend())
	require.NoError(t, err)

	before := conn.LastActivity()
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, conn.MarkIdle())
	idleSince := conn.LastActivity()
	assert.True(t, idleSince.After(before))

	time.Sleep(2 * time.Millisecond)
	assert.Error(t, conn.MarkIdle())
	assert.Equal(t, idleSince, conn.LastActivity(), "a refused transition leaves the stamp alone")
}
