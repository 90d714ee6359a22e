package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnReadExactWriteAllRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewConn(client)
	st := NewConn(server)

	go func() {
		_ = st.WriteAll([]byte("hello world"))
	}()

	got, err := ct.ReadExact(11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestConnReadExactShortReadOnClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ct := NewConn(client)

	go func() {
		server.Write([]byte("ab"))
		server.Close()
	}()

	_, err := ct.ReadExact(10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestConnReaderIsStableAcrossCalls(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewConn(client)

	go func() {
		_ = st(server).WriteAll([]byte("AB"))
	}()

	// Reader() must return the same *bufio.Reader ReadExact consumes from,
	// so bytes buffered by one call remain visible to the other.
	br := ct.Reader()
	b, err := br.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('A'), b)

	rest, err := ct.ReadExact(1)
	require.NoError(t, err)
	assert.Equal(t, "B", string(rest))
}

func st(nc net.Conn) Transport { return NewConn(nc) }

func TestConnSetDeadlineExpires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewConn(client)
	require.NoError(t, ct.SetDeadline(time.Now().Add(10*time.Millisecond)))

	_, err := ct.ReadExact(1)
	require.Error(t, err)
}

func TestPeerAddr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewConn(client)
	assert.NotNil(t, ct.PeerAddr())
}
