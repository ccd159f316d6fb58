package transport

import (
	"errors"

	"github.com/google/uuid"

	"github.com/awhoiswho/Breep/peer"
)

// Transport-level errors.
var (
	ErrRunning     = errors.New("transport already running")
	ErrNotRunning  = errors.New("transport not running")
	ErrUnknownPeer = errors.New("no connection to peer")
	ErrQueueFull   = errors.New("send queue full")
	ErrDuplicate   = errors.New("duplicate connection to peer")
)

// Handler receives the upward callbacks of the I/O manager. All three
// methods are invoked from the I/O manager's event goroutine, one call
// at a time, so implementations may mutate their state without extra
// synchronization as long as embedder-facing reads are guarded.
type Handler interface {
	// PeerConnected is called once when a peer gains a direct
	// connection, before any frame from that peer is delivered. A
	// handshake that replaces an existing connection to the same peer
	// does not call it again.
	PeerConnected(p *peer.Peer)

	// PeerDisconnected is called when a direct connection is lost,
	// whether by remote close, error, or timeout.
	PeerDisconnected(p *peer.Peer)

	// DataReceived is called for every decoded frame.
	DataReceived(source *peer.Peer, cmd Command, payload []byte)
}

// Transport is the capability interface the peer manager is built
// against. TCPManager is the production implementation; tests use an
// in-memory one.
type Transport interface {
	// SetHandler installs the upward callback sink. Must be called
	// before Run or Dial.
	SetHandler(h Handler)

	// Dial opens, handshakes, and registers an outbound connection.
	// The transport must be running: the handshake advertises the
	// bound listening port, which only resolves once Run has bound
	// the acceptor. Fails with ErrNotRunning otherwise.
	Dial(host string, port uint16) error

	// Send enqueues one frame for the given direct neighbor. Frames
	// to a single neighbor are written in enqueue order.
	Send(cmd Command, payload []byte, to uuid.UUID) error

	// Run binds the acceptor and starts the event loop.
	Run() error

	// Stop closes every socket and stops the event loop. Idempotent.
	Stop()

	// LocalPort returns the port the acceptor is (or will be) bound
	// to.
	LocalPort() uint16

	// SetPort rebinds the acceptor port. Fails with ErrRunning while
	// the transport is running.
	SetPort(port uint16) error
}
