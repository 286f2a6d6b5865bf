package ipc

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

// Handler receives transport events. OnHandshake runs on the connection's
// reader goroutine before any other frame is accepted; returning an error
// rejects the connection.
type Handler interface {
	OnHandshake(c *Conn, peerPid int32, hs *Handshake) (*HandshakeAck, error)
	OnMessage(slotID int, m *Message)
	OnDisconnect(slotID int, err error)
}

// ServerConfig bounds the transport.
type ServerConfig struct {
	MaxFrameBytes    uint32
	SendQueueLen     int
	HandshakeTimeout time.Duration
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := *c
	if out.MaxFrameBytes == 0 {
		out.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if out.SendQueueLen == 0 {
		out.SendQueueLen = 256
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 5 * time.Second
	}
	return out
}

// Server accepts worker-initiated connections on a unix-domain socket.
type Server struct {
	cfg     ServerConfig
	path    string
	ln      *net.UnixListener
	handler Handler

	mu    sync.Mutex
	conns map[int]*Conn // slot id -> connection
}

// NewServer binds the endpoint. A stale socket file from a previous run is
// removed first.
func NewServer(path string, cfg ServerConfig, handler Handler) (*Server, error) {
	os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, vtxerr.Wrap(vtxerr.KindConnectionClosed, "bind ipc endpoint", err).With("path", path)
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		path:    path,
		ln:      ln,
		handler: handler,
		conns:   make(map[int]*Conn),
	}, nil
}

// Serve accepts connections until the context ends.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			nc, err := s.ln.AcceptUnix()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c := s.newConn(nc)
			go c.run()
		}
	})
	return g.Wait()
}

// Close tears down the listener and every live connection.
func (s *Server) Close() {
	s.ln.Close()
	os.Remove(s.path)
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(vtxerr.New(vtxerr.KindConnectionClosed, "server shutdown"))
	}
}

// SendToSlot queues a message for the worker registered on slot.
func (s *Server) SendToSlot(slot int, m *Message) error {
	s.mu.Lock()
	c := s.conns[slot]
	s.mu.Unlock()
	if c == nil {
		return vtxerr.Newf(vtxerr.KindConnectionClosed, "no connection for slot %d", slot)
	}
	return c.Send(m)
}

// DropSlot forcibly closes the connection registered on slot, if any.
func (s *Server) DropSlot(slot int, cause error) {
	s.mu.Lock()
	c := s.conns[slot]
	s.mu.Unlock()
	if c != nil {
		c.Close(cause)
	}
}

func (s *Server) register(slot int, c *Conn) {
	s.mu.Lock()
	if old := s.conns[slot]; old != nil && old != c {
		s.mu.Unlock()
		old.Close(vtxerr.New(vtxerr.KindConnectionClosed, "slot reassigned"))
		s.mu.Lock()
	}
	s.conns[slot] = c
	s.mu.Unlock()
}

func (s *Server) unregister(slot int, c *Conn) {
	s.mu.Lock()
	if s.conns[slot] == c {
		delete(s.conns, slot)
	}
	s.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Connection
// ----------------------------------------------------------------------------

// Conn is one worker connection. Outbound frames pass through a bounded
// queue; progress frames coalesce per job (most-recent wins) and are dropped
// under pressure, critical frames tear the connection down instead of
// blocking or dropping.
type Conn struct {
	srv *Server
	nc  *net.UnixConn

	slotID  int
	peerPid int32

	sendQ chan *Message

	progMu   sync.Mutex
	progress map[string]*Message
	progSig  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func (s *Server) newConn(nc *net.UnixConn) *Conn {
	return &Conn{
		srv:      s,
		nc:       nc,
		slotID:   -1,
		sendQ:    make(chan *Message, s.cfg.SendQueueLen),
		progress: make(map[string]*Message),
		progSig:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SlotID returns the slot assigned at handshake, or -1.
func (c *Conn) SlotID() int { return c.slotID }

// PeerPid returns the connecting process id from SO_PEERCRED.
func (c *Conn) PeerPid() int32 { return c.peerPid }

// Send queues m for transmission.
func (c *Conn) Send(m *Message) error {
	select {
	case <-c.done:
		return vtxerr.New(vtxerr.KindConnectionClosed, "connection closed")
	default:
	}
	if m.Type == MsgProgress {
		var p Progress
		if err := m.DecodeBody(&p); err != nil {
			return err
		}
		c.progMu.Lock()
		c.progress[p.JobID] = m
		c.progMu.Unlock()
		select {
		case c.progSig <- struct{}{}:
		default:
		}
		return nil
	}
	select {
	case c.sendQ <- m:
		return nil
	default:
		if m.Type.critical() {
			// A full queue with a critical frame pending means the peer is
			// not draining; tear down and let the supervisor respawn.
			err := vtxerr.Newf(vtxerr.KindConnectionClosed,
				"send queue full with critical %s frame, tearing down slot %d", m.Type, c.slotID)
			c.Close(err)
			return err
		}
		return nil
	}
}

// Close shuts the connection down once, recording the cause.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.done)
		c.nc.Close()
	})
}

func (c *Conn) run() {
	pid, err := peerCredentials(c.nc)
	if err != nil {
		log.Printf("[IPC] rejecting connection without peer credentials: %v", err)
		c.Close(err)
		return
	}
	c.peerPid = pid

	if err := c.handshake(); err != nil {
		log.Printf("[IPC] handshake failed (pid %d): %v", pid, err)
		c.Close(err)
		return
	}

	c.srv.register(c.slotID, c)
	go c.writeLoop()

	var readErr error
	for {
		m, err := ReadFrame(c.nc, c.srv.cfg.MaxFrameBytes)
		if err != nil {
			readErr = err
			break
		}
		if m.Type == MsgHandshake {
			readErr = vtxerr.Newf(vtxerr.KindProtocolViolation, "duplicate handshake on slot %d", c.slotID)
			break
		}
		c.srv.handler.OnMessage(c.slotID, m)
	}
	c.Close(readErr)
	c.srv.unregister(c.slotID, c)
	c.srv.handler.OnDisconnect(c.slotID, readErr)
}

func (c *Conn) handshake() error {
	deadline := time.Now().Add(c.srv.cfg.HandshakeTimeout)
	c.nc.SetReadDeadline(deadline)
	defer c.nc.SetReadDeadline(time.Time{})

	m, err := ReadFrame(c.nc, c.srv.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	if m.Type != MsgHandshake {
		return vtxerr.Newf(vtxerr.KindProtocolViolation, "expected handshake, got %s", m.Type)
	}
	var hs Handshake
	if err := m.DecodeBody(&hs); err != nil {
		return err
	}
	if hs.ProtocolVersion != ProtocolVersion {
		return vtxerr.Newf(vtxerr.KindVersionMismatch, "protocol version %d, need %d",
			hs.ProtocolVersion, ProtocolVersion)
	}
	ack, err := c.srv.handler.OnHandshake(c, c.peerPid, &hs)
	if err != nil {
		return err
	}
	c.slotID = ack.SlotID
	reply, err := NewMessage(MsgHandshakeAck, ack)
	if err != nil {
		return err
	}
	reply.Trace = m.Trace
	c.nc.SetWriteDeadline(deadline)
	defer c.nc.SetWriteDeadline(time.Time{})
	return WriteFrame(c.nc, reply, c.srv.cfg.MaxFrameBytes)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.sendQ:
			if err := WriteFrame(c.nc, m, c.srv.cfg.MaxFrameBytes); err != nil {
				c.Close(err)
				return
			}
		case <-c.progSig:
			c.progMu.Lock()
			pending := c.progress
			c.progress = make(map[string]*Message)
			c.progMu.Unlock()
			for _, m := range pending {
				if err := WriteFrame(c.nc, m, c.srv.cfg.MaxFrameBytes); err != nil {
					c.Close(err)
					return
				}
			}
		}
	}
}

// peerCredentials reads SO_PEERCRED from a unix-domain connection.
func peerCredentials(nc *net.UnixConn) (int32, error) {
	raw, err := nc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, vtxerr.Wrap(vtxerr.KindPeerIdentityMismatch, "SO_PEERCRED", credErr)
	}
	return cred.Pid, nil
}
