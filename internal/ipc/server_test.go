package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler accepts any peer whose pid matches the test process and
// records what arrives.
type recordingHandler struct {
	mu          sync.Mutex
	handshakes  int
	messages    []MsgType
	disconnects int
	rejectPid   bool
}

func (h *recordingHandler) OnHandshake(c *Conn, peerPid int32, hs *Handshake) (*HandshakeAck, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejectPid || peerPid != int32(os.Getpid()) {
		return nil, assert.AnError
	}
	h.handshakes++
	return &HandshakeAck{SlotID: hs.SlotID, ArenaRegionName: "vtx_test"}, nil
}

func (h *recordingHandler) OnMessage(slotID int, m *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m.Type)
}

func (h *recordingHandler) OnDisconnect(slotID int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vortex.sock")
	srv, err := NewServer(path, ServerConfig{HandshakeTimeout: time.Second}, h)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, path
}

func dialWorker(t *testing.T, path string, slot int) net.Conn {
	t.Helper()
	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	hs, err := NewMessage(MsgHandshake, &Handshake{
		ProtocolVersion: ProtocolVersion, SlotID: slot, Capabilities: []string{"cuda"},
	})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, hs, DefaultMaxFrameBytes))

	ack, err := ReadFrame(nc, DefaultMaxFrameBytes)
	require.NoError(t, err)
	require.Equal(t, MsgHandshakeAck, ack.Type)
	var body HandshakeAck
	require.NoError(t, ack.DecodeBody(&body))
	require.Equal(t, slot, body.SlotID)
	return nc
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := &recordingHandler{}
	srv, path := startServer(t, h)

	nc := dialWorker(t, path, 3)

	// Exactly one handshake and one ack per accepted connection.
	h.mu.Lock()
	assert.Equal(t, 1, h.handshakes)
	h.mu.Unlock()

	// Messages flow server-ward after registration.
	hb, err := NewMessage(MsgHeartbeat, &Heartbeat{SlotID: 3})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, hb, DefaultMaxFrameBytes))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.messages) == 1 && h.messages[0] == MsgHeartbeat
	}, time.Second, 5*time.Millisecond)

	// And server-to-worker delivery works through the slot registry.
	out, err := NewMessage(MsgCancel, &Cancel{JobID: "j1"})
	require.NoError(t, err)
	require.NoError(t, srv.SendToSlot(3, out))

	got, err := ReadFrame(nc, DefaultMaxFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, MsgCancel, got.Type)
}

func TestHandshakeRejectedPeer(t *testing.T) {
	h := &recordingHandler{rejectPid: true}
	_, path := startServer(t, h)

	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer nc.Close()

	hs, err := NewMessage(MsgHandshake, &Handshake{ProtocolVersion: ProtocolVersion, SlotID: 0})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, hs, DefaultMaxFrameBytes))

	// The server closes the connection without an ack.
	nc.SetReadDeadline(time.Now().Add(time.Second))
	_, err = ReadFrame(nc, DefaultMaxFrameBytes)
	require.Error(t, err)
}

func TestFirstFrameMustBeHandshake(t *testing.T) {
	h := &recordingHandler{}
	_, path := startServer(t, h)

	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer nc.Close()

	hb, err := NewMessage(MsgHeartbeat, &Heartbeat{SlotID: 0})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, hb, DefaultMaxFrameBytes))

	nc.SetReadDeadline(time.Now().Add(time.Second))
	_, err = ReadFrame(nc, DefaultMaxFrameBytes)
	require.Error(t, err, "connection torn down on protocol violation")
}

func TestVersionMismatchRejected(t *testing.T) {
	h := &recordingHandler{}
	_, path := startServer(t, h)

	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer nc.Close()

	hs, err := NewMessage(MsgHandshake, &Handshake{ProtocolVersion: ProtocolVersion + 1, SlotID: 0})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, hs, DefaultMaxFrameBytes))

	nc.SetReadDeadline(time.Now().Add(time.Second))
	_, err = ReadFrame(nc, DefaultMaxFrameBytes)
	require.Error(t, err)
}

func TestSendToUnknownSlot(t *testing.T) {
	h := &recordingHandler{}
	srv, _ := startServer(t, h)
	m, err := NewMessage(MsgShutdown, &Shutdown{})
	require.NoError(t, err)
	require.Error(t, srv.SendToSlot(42, m))
}

func TestDisconnectReported(t *testing.T) {
	h := &recordingHandler{}
	_, path := startServer(t, h)
	nc := dialWorker(t, path, 1)
	nc.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.disconnects == 1
	}, time.Second, 5*time.Millisecond)
}
