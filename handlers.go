package breep

import (
	"crypto/sha256"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/awhoiswho/Breep/peer"
	"github.com/awhoiswho/Breep/transport"
)

// commandHandler processes one decoded frame from a direct neighbor.
type commandHandler func(source *peer.Peer, data []byte)

// initHandlers fills the dispatch table. Dense command codes make this
// a constant-time array lookup.
func (m *Manager) initHandlers() {
	m.handlers = [transport.CommandCount]commandHandler{
		transport.CmdSendTo:            m.sendToHandler,
		transport.CmdSendToAll:         m.sendToAllHandler,
		transport.CmdForwardTo:         m.forwardToHandler,
		transport.CmdStopForwarding:    m.stopForwardingHandler,
		transport.CmdForwardingTo:      m.forwardingToHandler,
		transport.CmdConnectTo:         m.connectToHandler,
		transport.CmdCantConnect:       m.cantConnectHandler,
		transport.CmdUpdateDistance:    m.updateDistanceHandler,
		transport.CmdRetrieveDistance:  m.retrieveDistanceHandler,
		transport.CmdRetrievePeers:     m.retrievePeersHandler,
		transport.CmdPeersList:         m.peersListHandler,
		transport.CmdPeerDisconnection: m.peerDisconnectionHandler,
		transport.CmdKeepAlive:         m.keepAliveHandler,
	}
}

// PeerConnected implements transport.Handler. Called once per newly
// connected direct peer, from the I/O manager's event goroutine.
func (m *Manager) PeerConnected(p *peer.Peer) {
	m.mu.Lock()
	_, known := m.peers[p.ID]
	m.peers[p.ID] = p
	neighbors := make([]uuid.UUID, 0, len(m.peers))
	for id, other := range m.peers {
		if id != p.ID && other.IsDirect() {
			neighbors = append(neighbors, id)
		}
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "PeerConnected",
		"peer_id":       p.ID.String(),
		"already_known": known,
	}).Info("Direct peer connected")

	// Learn the newcomer's view of the mesh.
	m.send(transport.CmdRetrievePeers, nil, p.ID)

	// Announce the new route to every other neighbor.
	announce := make([]byte, 0, transport.IDSize+1)
	announce = append(announce, p.ID[:]...)
	announce = append(announce, 0)
	for _, id := range neighbors {
		m.send(transport.CmdForwardingTo, announce, id)
	}

	if !known {
		m.notifyConnection(*p)
	}
}

// PeerDisconnected implements transport.Handler. Called when a direct
// socket is lost, whether by remote close, error, or timeout.
func (m *Manager) PeerDisconnected(p *peer.Peer) {
	m.mu.Lock()
	if _, known := m.peers[p.ID]; !known {
		m.mu.Unlock()
		return
	}
	delete(m.peers, p.ID)

	orphans := make([]peer.Peer, 0)
	for id, other := range m.peers {
		if bridge, ok := other.Bridge(); ok && bridge == p.ID {
			orphans = append(orphans, *other)
			delete(m.peers, id)
		}
	}
	neighbors := make([]uuid.UUID, 0, len(m.peers))
	for id, other := range m.peers {
		if other.IsDirect() {
			neighbors = append(neighbors, id)
		}
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "PeerDisconnected",
		"peer_id":  p.ID.String(),
		"orphans":  len(orphans),
	}).Info("Direct peer disconnected")

	for _, id := range neighbors {
		m.send(transport.CmdStopForwarding, p.ID[:], id)
	}

	for _, orphan := range orphans {
		m.notifyDisconnection(orphan)
	}
	m.notifyDisconnection(*p)
}

// DataReceived implements transport.Handler: constant-time dispatch by
// command code. Unknown codes are logged and ignored.
func (m *Manager) DataReceived(source *peer.Peer, cmd transport.Command, payload []byte) {
	if int(cmd) >= len(m.handlers) || m.handlers[cmd] == nil {
		logrus.WithFields(logrus.Fields{
			"function": "DataReceived",
			"peer_id":  source.ID.String(),
			"command":  uint8(cmd),
		}).Warn("Ignoring unknown command")
		return
	}
	m.handlers[cmd](source, payload)
}

// sendToHandler delivers a unicast addressed to us, or re-emits it
// toward its destination.
func (m *Manager) sendToHandler(source *peer.Peer, data []byte) {
	dest, rest, ok := splitID(data)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "sendToHandler",
			"peer_id":  source.ID.String(),
		}).Warn("Truncated send_to frame")
		return
	}
	if dest == m.self.ID {
		m.notifyData(*source, rest, false)
		return
	}
	m.route(dest, transport.CmdSendTo, data)
}

// sendToAllHandler delivers a broadcast and re-broadcasts it to every
// neighbor except the origin and the peer it arrived from. The physical
// graph may contain cycles, so a copy of the frame can arrive along
// several paths; the seen-cache drops those copies to keep delivery
// exactly-once and terminate the flood.
func (m *Manager) sendToAllHandler(source *peer.Peer, data []byte) {
	origin, rest, ok := splitID(data)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "sendToAllHandler",
			"peer_id":  source.ID.String(),
		}).Warn("Truncated send_to_all frame")
		return
	}
	if origin == m.self.ID {
		return
	}
	if !m.markBroadcastSeen(data) {
		logrus.WithFields(logrus.Fields{
			"function": "sendToAllHandler",
			"peer_id":  source.ID.String(),
		}).Trace("Dropping duplicate broadcast copy")
		return
	}

	var originPeer peer.Peer
	m.mu.RLock()
	if p, known := m.peers[origin]; known {
		originPeer = *p
	} else {
		originPeer = peer.Peer{ID: origin}
	}
	m.mu.RUnlock()

	m.notifyData(originPeer, rest, true)

	for _, id := range m.directNeighbors() {
		if id == origin || id == source.ID {
			continue
		}
		m.send(transport.CmdSendToAll, data, id)
	}
}

// forwardToHandler handles the internal relay envelope: same routing as
// send_to.
func (m *Manager) forwardToHandler(source *peer.Peer, data []byte) {
	dest, rest, ok := splitID(data)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "forwardToHandler",
			"peer_id":  source.ID.String(),
		}).Warn("Truncated forward_to frame")
		return
	}
	if dest == m.self.ID {
		m.notifyData(*source, rest, false)
		return
	}
	m.route(dest, transport.CmdForwardTo, data)
}

// stopForwardingHandler drops a peer that was bridged through the
// sender. The table stores a single bridge per peer, so no alternative
// route is recorded; a later forwarding_to from another neighbor
// re-adds the peer.
func (m *Manager) stopForwardingHandler(source *peer.Peer, data []byte) {
	target, _, ok := splitID(data)
	if !ok {
		return
	}

	m.mu.Lock()
	p, known := m.peers[target]
	var removed peer.Peer
	removing := false
	if known {
		if bridge, indirect := p.Bridge(); indirect && bridge == source.ID {
			removed = *p
			delete(m.peers, target)
			removing = true
		}
	}
	m.mu.Unlock()

	if !removing {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "stopForwardingHandler",
		"peer_id":  target.String(),
		"bridge":   source.ID.String(),
	}).Info("Bridged peer unreachable")
	m.notifyDisconnection(removed)
}

// forwardingToHandler learns (or improves) a route to a peer bridged
// through the sender.
func (m *Manager) forwardingToHandler(source *peer.Peer, data []byte) {
	target, rest, ok := splitID(data)
	if !ok || len(rest) < 1 {
		return
	}
	if target == m.self.ID {
		return
	}
	distance := rest[0]
	if distance >= peer.DistanceUnknown-1 {
		return
	}
	hops := distance + 1

	m.mu.Lock()
	p, known := m.peers[target]
	var added peer.Peer
	isNew := false
	switch {
	case !known:
		p = peer.NewIndirect(target, nil, 0, source.ID, hops)
		m.peers[target] = p
		added = *p
		isNew = true
	case !p.IsDirect() && hops < p.Distance():
		p.SetRoute(source.ID, hops)
	}
	m.mu.Unlock()

	if isNew {
		logrus.WithFields(logrus.Fields{
			"function": "forwardingToHandler",
			"peer_id":  target.String(),
			"bridge":   source.ID.String(),
			"distance": hops,
		}).Info("Learned new peer")
		m.notifyConnection(added)
	}
}

// connectToHandler attempts a direct dial to the named target on behalf
// of the sender; a failed dial is answered with cant_connect.
func (m *Manager) connectToHandler(source *peer.Peer, data []byte) {
	target, rest, ok := splitID(data)
	if !ok || len(rest) < 18 {
		return
	}
	if target == m.self.ID {
		return
	}

	m.mu.RLock()
	p, known := m.peers[target]
	alreadyDirect := known && p.IsDirect()
	m.mu.RUnlock()
	if alreadyDirect {
		return
	}

	ip := net.IP(rest[:16])
	port := uint16(rest[16])<<8 | uint16(rest[17])
	sourceID := source.ID

	// The dial may take a full TCP timeout; keep it off the event
	// goroutine.
	go func() {
		if err := m.tr.Dial(ip.String(), port); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "connectToHandler",
				"peer_id":  target.String(),
				"error":    err,
			}).Info("Assisted dial failed")
			m.send(transport.CmdCantConnect, target[:], sourceID)
		}
	}()
}

// cantConnectHandler records that the sender could not reach the named
// target directly; bridged routing continues unchanged.
func (m *Manager) cantConnectHandler(source *peer.Peer, data []byte) {
	target, _, ok := splitID(data)
	if !ok {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "cantConnectHandler",
		"peer_id":  target.String(),
		"reporter": source.ID.String(),
	}).Info("Peer unreachable for direct connection")
}

// updateDistanceHandler passes the sender's advertised hop count to its
// record. The sender is always a direct neighbor, and SetDistance leaves
// a direct record at distance 0, so the record does not change.
func (m *Manager) updateDistanceHandler(source *peer.Peer, data []byte) {
	if len(data) < 1 {
		return
	}
	m.mu.Lock()
	if p, known := m.peers[source.ID]; known {
		p.SetDistance(data[0])
	}
	m.mu.Unlock()
}

// retrieveDistanceHandler answers with our recorded distance to the
// requester, which is 0 by construction (frames only arrive from direct
// neighbors).
func (m *Manager) retrieveDistanceHandler(source *peer.Peer, _ []byte) {
	m.send(transport.CmdUpdateDistance, []byte{0}, source.ID)
}

// retrievePeersHandler replies with every peer of our table except the
// requester, tagged with its current distance from us. Peers at unknown
// distance are omitted.
func (m *Manager) retrievePeersHandler(source *peer.Peer, _ []byte) {
	m.mu.RLock()
	reply := make([]byte, 0, len(m.peers)*transport.PeerEntrySize)
	for id, p := range m.peers {
		if id == source.ID || p.Distance() == peer.DistanceUnknown {
			continue
		}
		reply = appendPeerEntry(reply, p)
	}
	m.mu.RUnlock()

	m.send(transport.CmdPeersList, reply, source.ID)
}

// peersListHandler merges a neighbor's peer list into the table:
// genuinely new peers are added as indirect via the sender, and known
// peers are updated when the advertised path is shorter.
func (m *Manager) peersListHandler(source *peer.Peer, data []byte) {
	if len(data)%transport.PeerEntrySize != 0 {
		logrus.WithFields(logrus.Fields{
			"function": "peersListHandler",
			"peer_id":  source.ID.String(),
			"length":   len(data),
		}).Warn("Malformed peers_list frame")
		return
	}

	var added []peer.Peer
	for off := 0; off < len(data); off += transport.PeerEntrySize {
		entry := data[off : off+transport.PeerEntrySize]

		var id uuid.UUID
		copy(id[:], entry[:transport.IDSize])
		if id == m.self.ID || id == source.ID {
			continue
		}

		ip := make(net.IP, 16)
		copy(ip, entry[transport.IDSize:transport.IDSize+16])
		port := uint16(entry[32])<<8 | uint16(entry[33])
		distance := entry[34]
		if distance >= peer.DistanceUnknown-1 {
			continue
		}
		hops := distance + 1

		m.mu.Lock()
		p, known := m.peers[id]
		switch {
		case !known:
			p = peer.NewIndirect(id, ip, port, source.ID, hops)
			m.peers[id] = p
			added = append(added, *p)
		case !p.IsDirect() && hops < p.Distance():
			p.SetRoute(source.ID, hops)
		}
		m.mu.Unlock()
	}

	for _, p := range added {
		logrus.WithFields(logrus.Fields{
			"function": "peersListHandler",
			"peer_id":  p.ID.String(),
			"bridge":   source.ID.String(),
			"distance": p.Distance(),
		}).Info("Learned new peer")
		m.notifyConnection(p)
	}
}

// peerDisconnectionHandler removes a peer that announced its departure
// and propagates the announcement once.
func (m *Manager) peerDisconnectionHandler(source *peer.Peer, data []byte) {
	target, _, ok := splitID(data)
	if !ok || target == m.self.ID {
		return
	}

	m.mu.Lock()
	p, known := m.peers[target]
	var removed peer.Peer
	removing := known && !p.IsDirect()
	if removing {
		removed = *p
		delete(m.peers, target)
	}
	m.mu.Unlock()

	// A direct record needs no action: its own socket close is the
	// authoritative signal.
	if !removing {
		return
	}

	for _, id := range m.directNeighbors() {
		if id != source.ID {
			m.send(transport.CmdPeerDisconnection, data, id)
		}
	}
	m.notifyDisconnection(removed)
}

// keepAliveHandler: liveness is tracked by the I/O manager timestamp.
func (m *Manager) keepAliveHandler(source *peer.Peer, _ []byte) {
	logrus.WithFields(logrus.Fields{
		"function": "keepAliveHandler",
		"peer_id":  source.ID.String(),
	}).Trace("Received keep_alive")
}

// broadcastSeenTTL is how long a broadcast frame is remembered for
// duplicate suppression. Copies of the same frame arriving along
// different paths land within the relay latency of the mesh, far below
// this window.
const broadcastSeenTTL = time.Minute

// markBroadcastSeen records a broadcast frame and reports whether it
// was seen for the first time.
func (m *Manager) markBroadcastSeen(frame []byte) bool {
	key := sha256.Sum256(frame)
	now := time.Now()

	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	for k, seen := range m.seenBroadcasts {
		if now.Sub(seen) > broadcastSeenTTL {
			delete(m.seenBroadcasts, k)
		}
	}
	if _, dup := m.seenBroadcasts[key]; dup {
		return false
	}
	m.seenBroadcasts[key] = now
	return true
}

// send transmits one frame to a direct neighbor, logging failures.
func (m *Manager) send(cmd transport.Command, payload []byte, to uuid.UUID) {
	if err := m.tr.Send(cmd, payload, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"peer_id":  to.String(),
			"command":  cmd.String(),
			"error":    err,
		}).Warn("Send failed")
	}
}

// splitID splits a payload into its leading 16-byte peer id and the
// remainder.
func splitID(data []byte) (uuid.UUID, []byte, bool) {
	if len(data) < transport.IDSize {
		return uuid.UUID{}, nil, false
	}
	var id uuid.UUID
	copy(id[:], data[:transport.IDSize])
	return id, data[transport.IDSize:], true
}

// appendPeerEntry serializes one peers_list entry:
// id(16) + ip(16, v6-mapped) + port(2, big-endian) + distance(1).
func appendPeerEntry(dst []byte, p *peer.Peer) []byte {
	dst = append(dst, p.ID[:]...)
	var ip [16]byte
	if v6 := p.Addr.To16(); v6 != nil {
		copy(ip[:], v6)
	}
	dst = append(dst, ip[:]...)
	dst = append(dst, byte(p.Port>>8), byte(p.Port))
	return append(dst, p.Distance())
}
