package session

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsproto/protocol"
	"github.com/momentics/wsproto/transport"
)

// pipePair returns a server-role Session wrapping one end of an in-memory
// net.Pipe, plus the raw peer net.Conn for writing/reading wire frames
// directly in the test.
func pipePair(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	serverConn, peerConn := net.Pipe()
	t.Cleanup(func() { peerConn.Close() })

	tr := transport.NewConn(serverConn)
	sess := New(tr, protocol.RoleServer, nil)
	return sess, peerConn
}

func writeClientFrame(t *testing.T, peer net.Conn, opcode protocol.Opcode, payload []byte, first, last bool) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(peer, protocol.RoleClient, opcode, payload, first, last))
}

func readServerFrame(t *testing.T, peer net.Conn) protocol.Frame {
	t.Helper()
	frame, masked, err := protocol.ReadFrame(peer)
	require.NoError(t, err)
	assert.False(t, masked, "server must never mask outgoing frames")
	return frame
}

func TestSessionDispatchesTextMessage(t *testing.T) {
	sess, peer := pipePair(t)
	got := make(chan string, 1)
	sess.On(EventText, func(s *Session, payload []byte) { got <- string(payload) })
	sess.Serve()

	writeClientFrame(t, peer, protocol.OpText, []byte("hi"), true, true)

	select {
	case msg := <-got:
		assert.Equal(t, "hi", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestSessionReassemblesFragments(t *testing.T) {
	sess, peer := pipePair(t)
	got := make(chan string, 1)
	sess.On(EventText, func(s *Session, payload []byte) { got <- string(payload) })
	sess.Serve()

	writeClientFrame(t, peer, protocol.OpText, []byte("Hel"), true, false)
	writeClientFrame(t, peer, protocol.OpContinuation, []byte("lo"), false, false)
	writeClientFrame(t, peer, protocol.OpContinuation, []byte("!"), false, true)

	select {
	case msg := <-got:
		assert.Equal(t, "Hello!", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}
}

func TestSessionRejectsUnmaskedFrameFromClient(t *testing.T) {
	sess, peer := pipePair(t)
	sess.Serve()

	// Server session requires masked frames; write one unmasked directly.
	require.NoError(t, protocol.WriteFrame(peer, protocol.RoleServer, protocol.OpText, []byte("x"), true, true))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on masking violation")
	}
}

func TestSessionAnswersPingWithPong(t *testing.T) {
	sess, peer := pipePair(t)
	sess.Serve()

	writeClientFrame(t, peer, protocol.OpPing, []byte("ping-data"), true, true)

	frame := readServerFrame(t, peer)
	assert.Equal(t, protocol.OpPong, frame.Opcode)
	assert.Equal(t, "ping-data", string(frame.Payload))
}

func TestSessionClosesOnPeerClose(t *testing.T) {
	sess, peer := pipePair(t)
	sess.Serve()

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(protocol.CloseNormalClosure))
	writeClientFrame(t, peer, protocol.OpClose, payload, true, true)

	frame := readServerFrame(t, peer)
	assert.Equal(t, protocol.OpClose, frame.Opcode)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after close handshake")
	}
}

func TestSessionRejectsOneByteClosePayload(t *testing.T) {
	sess, peer := pipePair(t)
	sess.Serve()

	writeClientFrame(t, peer, protocol.OpClose, []byte{0x01}, true, true)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on invalid close payload")
	}
}

func TestSessionRejectsFragmentedControlFrame(t *testing.T) {
	sess, peer := pipePair(t)
	sess.Serve()

	// WriteFrame always sets FIN on control frames, so the frame is written
	// by hand: masked Ping, FIN clear, all-zero mask key, payload "x".
	_, err := peer.Write([]byte{0x09, 0x81, 0x00, 0x00, 0x00, 0x00, 'x'})
	require.NoError(t, err)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on fragmented control frame")
	}
}

func TestSessionRejectsDataFrameMidFragment(t *testing.T) {
	sess, peer := pipePair(t)
	sess.Serve()

	writeClientFrame(t, peer, protocol.OpText, []byte("a"), true, false)
	writeClientFrame(t, peer, protocol.OpText, []byte("b"), true, false)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on interleaved data frame")
	}
}

func TestRoleReportsServer(t *testing.T) {
	sess, _ := pipePair(t)
	assert.Equal(t, protocol.RoleServer, sess.Role())
}
