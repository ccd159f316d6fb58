package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/awhoiswho/Breep/peer"
)

// eventQueueLen buffers events posted by connection goroutines while
// the loop is busy dispatching.
const eventQueueLen = 256

// Config carries the tunables of the TCP I/O manager. Zero values fall
// back to the package defaults, except Port, where 0 binds an ephemeral
// port.
type Config struct {
	Port                 uint16
	BufferSize           int
	KeepAliveInterval    time.Duration
	PeerTimeout          time.Duration
	TimeoutCheckInterval time.Duration
}

type event interface{}

type evConnected struct{ c *conn }

type evDisconnected struct {
	c   *conn
	err error
}

type evFrame struct {
	c       *conn
	cmd     Command
	payload []byte
}

// TCPManager is the production Transport: it owns the listening socket,
// dials outbound sockets, performs the handshake, reads and writes
// frames, and drives the keep-alive and timeout timers. All handler
// callbacks are issued from its single event goroutine.
type TCPManager struct {
	localID uuid.UUID
	handler Handler

	bufSize       int
	kaInterval    time.Duration
	peerTimeout   time.Duration
	checkInterval time.Duration

	mu       sync.RWMutex
	port     uint16
	conns    map[uuid.UUID]*conn
	listener net.Listener
	running  bool

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCP creates a TCP I/O manager for the given local identity. The
// acceptor is not bound until Run.
func NewTCP(localID uuid.UUID, cfg Config) *TCPManager {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.TimeoutCheckInterval == 0 {
		cfg.TimeoutCheckInterval = cfg.PeerTimeout / 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TCPManager{
		localID:       localID,
		bufSize:       cfg.BufferSize,
		kaInterval:    cfg.KeepAliveInterval,
		peerTimeout:   cfg.PeerTimeout,
		checkInterval: cfg.TimeoutCheckInterval,
		port:          cfg.Port,
		conns:         make(map[uuid.UUID]*conn),
		events:        make(chan event, eventQueueLen),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetHandler implements Transport.SetHandler.
func (t *TCPManager) SetHandler(h Handler) {
	t.handler = h
}

// LocalPort implements Transport.LocalPort. After Run it reflects the
// actual bound port, so an ephemeral port (0) resolves.
func (t *TCPManager) LocalPort() uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.port
}

// SetPort implements Transport.SetPort.
func (t *TCPManager) SetPort(port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrRunning
	}
	t.port = port
	return nil
}

// Run implements Transport.Run: binds the acceptor and starts the
// accept and event goroutines.
func (t *TCPManager) Run() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("binding acceptor: %w", err)
	}
	t.listener = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		t.port = uint16(addr.Port)
	}
	t.running = true
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"local_id": t.localID.String(),
		"port":     t.port,
	}).Info("TCP I/O manager listening")

	t.wg.Add(2)
	go t.acceptLoop(ln)
	go t.eventLoop()
	return nil
}

// Stop implements Transport.Stop.
func (t *TCPManager) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	ln := t.listener
	t.listener = nil
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[uuid.UUID]*conn)
	t.mu.Unlock()

	t.cancel()
	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()

	// Reset loop state so a stopped manager can be run again.
	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.events = make(chan event, eventQueueLen)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"local_id": t.localID.String(),
	}).Info("TCP I/O manager stopped")
}

// Dial implements Transport.Dial. The handshake runs synchronously; on
// success the connection is registered and its PeerConnected event is
// queued for the event loop. The acceptor must already be bound, or the
// handshake would advertise an unresolved listening port.
func (t *TCPManager) Dial(host string, port uint16) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	sock, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	if err := t.setupConn(sock, true); err != nil {
		sock.Close()
		return err
	}
	return nil
}

// Send implements Transport.Send.
func (t *TCPManager) Send(cmd Command, payload []byte, to uuid.UUID) error {
	t.mu.RLock()
	c, ok := t.conns[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if err := c.enqueue(EncodeFrame(cmd, payload)); err != nil {
		return err
	}
	metrics().framesOut.WithLabelValues(cmd.String()).Inc()
	return nil
}

// acceptLoop accepts inbound sockets until the listener closes. Each
// handshake runs in its own goroutine so a slow remote cannot stall the
// accept path.
func (t *TCPManager) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		sock, err := ln.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
			default:
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"error":    err,
				}).Debug("Accept failed")
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.setupConn(sock, false); err != nil {
				sock.Close()
			}
		}()
	}
}

// setupConn performs the handshake on a fresh socket (either
// direction), resolves duplicate connections, registers the winner, and
// starts its reader and writer goroutines.
func (t *TCPManager) setupConn(sock net.Conn, outbound bool) error {
	t.mu.RLock()
	listenPort := t.port
	t.mu.RUnlock()

	remoteID, remotePort, err := handshake(sock, t.localID, listenPort)
	if err != nil {
		metrics().handshakeFailures.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "setupConn",
			"remote":   sock.RemoteAddr().String(),
			"error":    err,
		}).Info("Handshake failed")
		return err
	}
	if remoteID == t.localID {
		return fmt.Errorf("%w: connected to self", ErrDuplicate)
	}

	var addr net.IP
	if tcpAddr, ok := sock.RemoteAddr().(*net.TCPAddr); ok {
		addr = tcpAddr.IP
	}
	c := newConn(peer.NewDirect(remoteID, addr, remotePort), sock)

	t.mu.Lock()
	if old, dup := t.conns[remoteID]; dup {
		// Simultaneous-connect tie-break: both sides keep the
		// socket dialed by the smaller id, so exactly one
		// connection survives mesh-wide.
		dialerIsLocal := outbound
		localDials := lessID(t.localID, remoteID)
		if dialerIsLocal != localDials {
			t.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "setupConn",
				"peer_id":  remoteID.String(),
			}).Info("Rejecting duplicate connection")
			return fmt.Errorf("%w: %s", ErrDuplicate, remoteID)
		}
		t.conns[remoteID] = c
		t.mu.Unlock()
		old.close()
		logrus.WithFields(logrus.Fields{
			"function": "setupConn",
			"peer_id":  remoteID.String(),
		}).Info("Replacing duplicate connection")
	} else {
		t.conns[remoteID] = c
		t.mu.Unlock()
		metrics().directPeers.Inc()
		t.post(evConnected{c: c})
	}

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer t.wg.Done()
		t.readLoop(c)
	}()
	return nil
}

// readLoop reads socket chunks into the frame decoder and posts every
// completed frame to the event loop. Any read or decode error tears the
// connection down.
func (t *TCPManager) readLoop(c *conn) {
	buf := make([]byte, t.bufSize)
	var dec Decoder
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			frames, derr := dec.Write(buf[:n])
			for _, f := range frames {
				t.post(evFrame{c: c, cmd: f.Command, payload: f.Payload})
			}
			if derr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"peer_id":  c.peer.ID.String(),
					"error":    derr,
				}).Warn("Frame decode error, closing connection")
				err = derr
			}
		}
		if err != nil {
			c.close()
			t.post(evDisconnected{c: c, err: err})
			return
		}
	}
}

// lessID orders two identities by their raw bytes.
func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// post hands an event to the loop, giving up when the transport shuts
// down.
func (t *TCPManager) post(ev event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// eventLoop serializes all upward callbacks and drives the keep-alive
// and timeout timers.
func (t *TCPManager) eventLoop() {
	defer t.wg.Done()

	keepAlive := time.NewTicker(t.kaInterval)
	defer keepAlive.Stop()
	timeout := time.NewTicker(t.checkInterval)
	defer timeout.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev := <-t.events:
			t.dispatch(ev)
		case <-keepAlive.C:
			t.sendKeepAlives()
		case <-timeout.C:
			t.reapIdle()
		}
	}
}

func (t *TCPManager) dispatch(ev event) {
	switch ev := ev.(type) {
	case evConnected:
		if t.handler != nil {
			t.handler.PeerConnected(ev.c.peer)
		}
	case evDisconnected:
		t.mu.Lock()
		current := t.conns[ev.c.peer.ID] == ev.c
		if current {
			delete(t.conns, ev.c.peer.ID)
		}
		t.mu.Unlock()
		if !current {
			// A duplicate-connection loser; the surviving socket
			// keeps the peer alive.
			return
		}
		metrics().directPeers.Dec()
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"peer_id":  ev.c.peer.ID.String(),
			"error":    ev.err,
		}).Info("Peer connection lost")
		if t.handler != nil {
			t.handler.PeerDisconnected(ev.c.peer)
		}
	case evFrame:
		ev.c.touch()
		metrics().framesIn.WithLabelValues(ev.cmd.String()).Inc()
		if t.handler != nil {
			t.handler.DataReceived(ev.c.peer, ev.cmd, ev.payload)
		}
	}
}

// sendKeepAlives transmits a zero-payload keep_alive frame to every
// direct neighbor.
func (t *TCPManager) sendKeepAlives() {
	frame := EncodeFrame(CmdKeepAlive, nil)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.conns {
		c.enqueue(frame)
		metrics().framesOut.WithLabelValues(CmdKeepAlive.String()).Inc()
	}
}

// reapIdle force-closes neighbors that have been silent longer than the
// peer timeout. The reader surfaces the close as a disconnection.
func (t *TCPManager) reapIdle() {
	now := time.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.conns {
		if idle := c.idleFor(now); idle > t.peerTimeout {
			logrus.WithFields(logrus.Fields{
				"function": "reapIdle",
				"peer_id":  c.peer.ID.String(),
				"idle":     idle,
			}).Info("Peer timed out")
			c.close()
		}
	}
}
