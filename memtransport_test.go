package breep

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/awhoiswho/Breep/peer"
	"github.com/awhoiswho/Breep/transport"
)

// memNetwork wires memTransports together in-process so manager-level
// behavior (membership gossip, relaying, broadcast flooding) can be
// tested deterministically, without sockets or timers. Topology is
// controlled explicitly: links exist only where the test dials them.
type memNetwork struct {
	mu       sync.Mutex
	byPort   map[uint16]*memTransport
	nextPort uint16
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		byPort:   make(map[uint16]*memTransport),
		nextPort: 50000,
	}
}

// transport creates and registers a new endpoint with a unique port.
func (n *memNetwork) transport(id uuid.UUID) *memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &memTransport{
		network: n,
		id:      id,
		port:    n.nextPort,
		links:   make(map[uuid.UUID]*memLink),
		queue:   make(chan func(), 4096),
		stop:    make(chan struct{}),
	}
	n.byPort[t.port] = t
	n.nextPort++
	return t
}

// memLink is one bidirectional connection. Each side holds the peer
// record it exposed for the other.
type memLink struct {
	from, to         *memTransport
	fromPeer, toPeer *peer.Peer // record of `to` held by `from`, and vice versa
}

type memTransport struct {
	network *memNetwork
	id      uuid.UUID
	port    uint16
	handler transport.Handler

	mu      sync.Mutex
	links   map[uuid.UUID]*memLink
	running bool

	queue chan func()
	stop  chan struct{}
}

var errMemRefused = errors.New("connection refused")

func (t *memTransport) SetHandler(h transport.Handler) { t.handler = h }

func (t *memTransport) LocalPort() uint16 { return t.port }

func (t *memTransport) SetPort(port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return transport.ErrRunning
	}
	n := t.network
	n.mu.Lock()
	delete(n.byPort, t.port)
	t.port = port
	n.byPort[port] = t
	n.mu.Unlock()
	return nil
}

func (t *memTransport) Run() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return transport.ErrRunning
	}
	t.running = true
	queue, stop := t.queue, t.stop
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case f := <-queue:
				f()
			}
		}
	}()
	return nil
}

func (t *memTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stop := t.stop
	links := make([]*memLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	close(stop)
	for _, l := range links {
		severLink(l)
	}

	// Fresh loop state so a stopped endpoint can be run again.
	t.mu.Lock()
	t.stop = make(chan struct{})
	t.queue = make(chan func(), 4096)
	t.mu.Unlock()
}

// Dial links two endpoints; the host is ignored, ports identify nodes.
// Like the TCP transport, it requires a running endpoint so the
// advertised port is meaningful.
func (t *memTransport) Dial(_ string, port uint16) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return transport.ErrNotRunning
	}

	t.network.mu.Lock()
	target := t.network.byPort[port]
	t.network.mu.Unlock()
	if target == nil || target == t {
		return errMemRefused
	}

	t.mu.Lock()
	if _, dup := t.links[target.id]; dup {
		t.mu.Unlock()
		return transport.ErrDuplicate
	}
	t.mu.Unlock()

	link := &memLink{
		from:     t,
		to:       target,
		fromPeer: peer.NewDirect(target.id, nil, target.port),
		toPeer:   peer.NewDirect(t.id, nil, t.port),
	}

	t.mu.Lock()
	t.links[target.id] = link
	t.mu.Unlock()
	target.mu.Lock()
	target.links[t.id] = link
	target.mu.Unlock()

	t.post(func() { t.handler.PeerConnected(link.fromPeer) })
	target.post(func() { target.handler.PeerConnected(link.toPeer) })
	return nil
}

func (t *memTransport) Send(cmd transport.Command, payload []byte, to uuid.UUID) error {
	t.mu.Lock()
	link, ok := t.links[to]
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}

	other, source := link.to, link.toPeer
	if other == t {
		other, source = link.from, link.fromPeer
	}
	data := append([]byte(nil), payload...)
	other.post(func() { other.handler.DataReceived(source, cmd, data) })
	return nil
}

func (t *memTransport) post(f func()) {
	t.mu.Lock()
	queue, stop := t.queue, t.stop
	t.mu.Unlock()
	select {
	case queue <- f:
	case <-stop:
	}
}

// severLink tears a link down from both ends, as a TCP reset would.
func severLink(l *memLink) {
	l.from.mu.Lock()
	_, live := l.from.links[l.to.id]
	delete(l.from.links, l.to.id)
	l.from.mu.Unlock()
	l.to.mu.Lock()
	delete(l.to.links, l.from.id)
	l.to.mu.Unlock()
	if !live {
		return
	}
	l.from.post(func() { l.from.handler.PeerDisconnected(l.fromPeer) })
	l.to.post(func() { l.to.handler.PeerDisconnected(l.toPeer) })
}

// crash severs every link of the node at once, without any departure
// announcement, as a process kill would.
func (n *memNetwork) crash(t *memTransport) {
	t.mu.Lock()
	links := make([]*memLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()
	for _, l := range links {
		severLink(l)
	}
}
