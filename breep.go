// Package breep implements a peer-to-peer overlay network.
//
// Every participant runs an identical peer manager that listens on a
// TCP port and cooperates with its neighbors to maintain a fully
// connected logical mesh: any peer can send bytes to any other peer or
// broadcast to all of them, even without a direct TCP link. When no
// direct link exists, intermediate peers forward frames at the
// application layer.
//
// Example:
//
//	m := breep.New(breep.NewOptions())
//
//	m.AddDataListener(func(m *breep.Manager, source peer.Peer, data []byte, broadcast bool) {
//	    fmt.Printf("%s: %s\n", source.ID, data)
//	})
//
//	// Either start a new mesh...
//	if err := m.Run(); err != nil {
//	    log.Fatal(err)
//	}
//	// ...or join an existing one.
//	// err := m.Connect("198.51.100.7", 3479)
//
//	m.SendToAll([]byte("hello"))
package breep

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/awhoiswho/Breep/peer"
	"github.com/awhoiswho/Breep/transport"
)

// Manager is the peer manager: it owns the peer table, implements the
// overlay membership protocol, and relays unicasts and broadcasts
// through the mesh. A Manager is safe for concurrent use.
type Manager struct {
	self peer.Peer
	tr   transport.Transport

	mu      sync.RWMutex
	peers   map[uuid.UUID]*peer.Peer
	running bool
	stopped chan struct{}

	handlers [transport.CommandCount]commandHandler

	seenMu         sync.Mutex
	seenBroadcasts map[[32]byte]time.Time

	listenerSeq   atomic.Uint64
	connListeners *listenerRegistry[ConnectionListener]
	dataListeners *listenerRegistry[DataListener]
	dcListeners   *listenerRegistry[DisconnectionListener]
}

// New creates a peer manager with a fresh random identity, backed by
// the TCP I/O manager. A nil opts uses the defaults.
func New(opts *Options) *Manager {
	if opts == nil {
		opts = NewOptions()
	}
	id := uuid.New()
	tr := transport.NewTCP(id, transport.Config{
		Port:                 opts.Port,
		BufferSize:           opts.BufferSize,
		KeepAliveInterval:    opts.KeepAliveInterval,
		PeerTimeout:          opts.PeerTimeout,
		TimeoutCheckInterval: opts.TimeoutCheckInterval,
	})
	return NewWithTransport(id, tr)
}

// NewWithTransport creates a peer manager with the given identity on
// top of an arbitrary Transport implementation.
func NewWithTransport(id uuid.UUID, tr transport.Transport) *Manager {
	m := &Manager{
		self:           peer.Peer{ID: id},
		tr:             tr,
		peers:          make(map[uuid.UUID]*peer.Peer),
		seenBroadcasts: make(map[[32]byte]time.Time),
		connListeners:  newListenerRegistry[ConnectionListener]("connection"),
		dataListeners:  newListenerRegistry[DataListener]("data"),
		dcListeners:    newListenerRegistry[DisconnectionListener]("disconnection"),
	}
	m.initHandlers()
	tr.SetHandler(m)

	logrus.WithFields(logrus.Fields{
		"function": "NewWithTransport",
		"local_id": id.String(),
	}).Info("Peer manager created")
	return m
}

// Run starts the overlay in the background: the acceptor is bound and
// the event loop begins processing. Returns ErrAlreadyRunning if the
// manager is running.
func (m *Manager) Run() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := m.tr.Run(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.running = true
	m.stopped = make(chan struct{})
	m.self.Port = m.tr.LocalPort()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"local_id": m.self.ID.String(),
		"port":     m.self.Port,
	}).Info("Peer manager running")
	return nil
}

// SyncRun starts the overlay and blocks until Disconnect is called.
func (m *Manager) SyncRun() error {
	if err := m.Run(); err != nil {
		return err
	}
	m.Join()
	return nil
}

// Connect joins an existing mesh through one of its members. The
// acceptor is bound first so the handshake advertises the resolved
// listening port even when an ephemeral port was configured; on a
// failed dial everything is torn down again and the loop is left
// stopped. Returns ErrAlreadyRunning if the manager is running.
func (m *Manager) Connect(host string, port uint16) error {
	if err := m.Run(); err != nil {
		return err
	}

	if err := m.tr.Dial(host, port); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"host":     host,
			"port":     port,
			"error":    err,
		}).Info("Connection failed")
		m.Disconnect()
		return err
	}
	return nil
}

// SyncConnect is Connect followed by Join: it blocks until the overlay
// is shut down.
func (m *Manager) SyncConnect(host string, port uint16) error {
	if err := m.Connect(host, port); err != nil {
		return err
	}
	m.Join()
	return nil
}

// Disconnect leaves the overlay: every socket is closed, the event loop
// is joined, and disconnection listeners fire for every known peer.
// Disconnect is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopped := m.stopped
	m.mu.Unlock()

	// Best-effort departure announcement. Direct neighbors ignore it
	// and act on the socket loss that follows.
	for _, id := range m.directNeighbors() {
		m.send(transport.CmdPeerDisconnection, m.self.ID[:], id)
	}

	m.tr.Stop()

	m.mu.Lock()
	removed := make([]peer.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		removed = append(removed, *p)
	}
	m.peers = make(map[uuid.UUID]*peer.Peer)
	m.mu.Unlock()

	for _, p := range removed {
		m.notifyDisconnection(p)
	}
	close(stopped)

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
		"local_id": m.self.ID.String(),
	}).Info("Peer manager disconnected")
}

// Join blocks until the overlay is shut down. If the manager is not
// running it returns immediately.
func (m *Manager) Join() {
	m.mu.RLock()
	stopped := m.stopped
	running := m.running
	m.mu.RUnlock()
	if !running || stopped == nil {
		return
	}
	<-stopped
}

// SendTo sends user bytes to a single peer, direct or indirect. Frames
// to a single destination arrive in send order along a single path.
// Sends to unknown peers are dropped with a log entry; track membership
// through the listeners.
func (m *Manager) SendTo(to uuid.UUID, data []byte) {
	payload := make([]byte, 0, transport.IDSize+len(data))
	payload = append(payload, to[:]...)
	payload = append(payload, data...)
	m.route(to, transport.CmdSendTo, payload)
}

// SendToAll broadcasts user bytes to every peer of the mesh. Each peer
// receives the payload exactly once; intermediate peers re-broadcast
// with origin tagging to avoid loops.
func (m *Manager) SendToAll(data []byte) {
	payload := make([]byte, 0, transport.IDSize+len(data))
	payload = append(payload, m.self.ID[:]...)
	payload = append(payload, data...)

	for _, id := range m.directNeighbors() {
		if err := m.tr.Send(transport.CmdSendToAll, payload, id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SendToAll",
				"peer_id":  id.String(),
				"error":    err,
			}).Warn("Broadcast send failed")
		}
	}
}

// Peers returns a snapshot of the peer table. The local peer is not
// included.
func (m *Manager) Peers() []peer.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]peer.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, *p)
	}
	return peers
}

// Self returns the local peer.
func (m *Manager) Self() peer.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// Port returns the current listening port.
func (m *Manager) Port() uint16 {
	return m.tr.LocalPort()
}

// SetPort rebinds the acceptor to a new port. Returns ErrAlreadyRunning
// while the manager is running.
func (m *Manager) SetPort(port uint16) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.running {
		return ErrAlreadyRunning
	}
	return m.tr.SetPort(port)
}

// AddConnectionListener registers a callback for peers joining the
// overlay and returns its id.
func (m *Manager) AddConnectionListener(l ConnectionListener) ListenerID {
	id := m.nextListenerID()
	m.connListeners.add(id, l)
	return id
}

// AddDataListener registers a callback for incoming user bytes and
// returns its id.
func (m *Manager) AddDataListener(l DataListener) ListenerID {
	id := m.nextListenerID()
	m.dataListeners.add(id, l)
	return id
}

// AddDisconnectionListener registers a callback for peers leaving the
// overlay and returns its id.
func (m *Manager) AddDisconnectionListener(l DisconnectionListener) ListenerID {
	id := m.nextListenerID()
	m.dcListeners.add(id, l)
	return id
}

// RemoveConnectionListener unregisters a connection listener. Returns
// false if the id is unknown.
func (m *Manager) RemoveConnectionListener(id ListenerID) bool {
	return m.connListeners.remove(id)
}

// RemoveDataListener unregisters a data listener. Returns false if the
// id is unknown.
func (m *Manager) RemoveDataListener(id ListenerID) bool {
	return m.dataListeners.remove(id)
}

// RemoveDisconnectionListener unregisters a disconnection listener.
// Returns false if the id is unknown.
func (m *Manager) RemoveDisconnectionListener(id ListenerID) bool {
	return m.dcListeners.remove(id)
}

// ClearConnectionListeners removes every connection listener.
func (m *Manager) ClearConnectionListeners() { m.connListeners.clear() }

// ClearDataListeners removes every data listener.
func (m *Manager) ClearDataListeners() { m.dataListeners.clear() }

// ClearDisconnectionListeners removes every disconnection listener.
func (m *Manager) ClearDisconnectionListeners() { m.dcListeners.clear() }

// ClearAllListeners removes every listener of every category.
func (m *Manager) ClearAllListeners() {
	m.ClearConnectionListeners()
	m.ClearDataListeners()
	m.ClearDisconnectionListeners()
}

func (m *Manager) nextListenerID() ListenerID {
	return ListenerID(m.listenerSeq.Add(1))
}

// route re-emits a frame toward dest: on dest's own socket when direct,
// on its bridge's socket otherwise. Unknown destinations are dropped.
func (m *Manager) route(dest uuid.UUID, cmd transport.Command, payload []byte) {
	m.mu.RLock()
	p, ok := m.peers[dest]
	var next uuid.UUID
	if ok {
		if p.IsDirect() {
			next = dest
		} else {
			next, _ = p.Bridge()
		}
	}
	m.mu.RUnlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "route",
			"dest":     dest.String(),
			"command":  cmd.String(),
		}).Warn("Dropping frame for unknown peer")
		return
	}
	if err := m.tr.Send(cmd, payload, next); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "route",
			"dest":     dest.String(),
			"via":      next.String(),
			"command":  cmd.String(),
			"error":    err,
		}).Warn("Send failed")
	}
}

// directNeighbors snapshots the ids of every direct peer.
func (m *Manager) directNeighbors() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.peers))
	for id, p := range m.peers {
		if p.IsDirect() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) notifyConnection(p peer.Peer) {
	m.connListeners.dispatch(func(l ConnectionListener) { l(m, p) })
}

func (m *Manager) notifyData(source peer.Peer, data []byte, broadcast bool) {
	m.dataListeners.dispatch(func(l DataListener) { l(m, source, data, broadcast) })
}

func (m *Manager) notifyDisconnection(p peer.Peer) {
	m.dcListeners.dispatch(func(l DisconnectionListener) { l(m, p) })
}
