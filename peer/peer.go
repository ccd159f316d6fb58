package peer

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DistanceUnknown marks a peer whose hop count has not been learned yet.
const DistanceUnknown uint8 = 0xFF

// Peer represents a remote participant of the overlay network.
//
// ID, Addr and Port are fixed at creation. Routing state (distance,
// bridge, directness) is mutated only by the peer manager's event loop;
// other goroutines must work on copies obtained from Manager.Peers.
type Peer struct {
	// ID is the peer's 128-bit identity, unique across the mesh.
	ID uuid.UUID
	// Addr is the peer's remote IP address.
	Addr net.IP
	// Port is the listening port the peer advertised during its
	// handshake, which may differ from the source port of the
	// socket it dialed us from.
	Port uint16

	direct   bool
	distance uint8
	bridge   uuid.UUID
}

// NewDirect creates the record for a peer we hold an open socket to.
func NewDirect(id uuid.UUID, addr net.IP, port uint16) *Peer {
	logrus.WithFields(logrus.Fields{
		"function": "NewDirect",
		"peer_id":  id.String(),
		"addr":     addr.String(),
		"port":     port,
	}).Debug("Creating direct peer record")

	return &Peer{
		ID:     id,
		Addr:   addr,
		Port:   port,
		direct: true,
	}
}

// NewIndirect creates the record for a peer reachable only through the
// given bridge, at the given hop count.
func NewIndirect(id uuid.UUID, addr net.IP, port uint16, bridge uuid.UUID, distance uint8) *Peer {
	logrus.WithFields(logrus.Fields{
		"function": "NewIndirect",
		"peer_id":  id.String(),
		"bridge":   bridge.String(),
		"distance": distance,
	}).Debug("Creating indirect peer record")

	return &Peer{
		ID:       id,
		Addr:     addr,
		Port:     port,
		bridge:   bridge,
		distance: distance,
	}
}

// IsDirect reports whether an open socket to this peer exists.
func (p *Peer) IsDirect() bool {
	return p.direct
}

// Distance returns the hop count to this peer: 0 for a direct peer,
// DistanceUnknown when no route has been learned.
func (p *Peer) Distance() uint8 {
	if p.direct {
		return 0
	}
	return p.distance
}

// Bridge returns the id of the direct neighbor this peer is reached
// through. The second return value is false for direct peers.
func (p *Peer) Bridge() (uuid.UUID, bool) {
	if p.direct {
		return uuid.UUID{}, false
	}
	return p.bridge, true
}

// SetRoute records a (possibly new) bridge and hop count for an
// indirect peer.
func (p *Peer) SetRoute(bridge uuid.UUID, distance uint8) {
	logrus.WithFields(logrus.Fields{
		"function":     "SetRoute",
		"peer_id":      p.ID.String(),
		"old_bridge":   p.bridge.String(),
		"new_bridge":   bridge.String(),
		"old_distance": p.distance,
		"new_distance": distance,
	}).Debug("Updating peer route")

	p.direct = false
	p.bridge = bridge
	p.distance = distance
}

// SetDistance adjusts the recorded hop count of an indirect peer.
// Calling it on a direct peer is a no-op.
func (p *Peer) SetDistance(distance uint8) {
	if p.direct {
		return
	}
	p.distance = distance
}

// PromoteDirect flips an indirect peer to direct after a successful
// dial, clearing its bridge.
func (p *Peer) PromoteDirect() {
	logrus.WithFields(logrus.Fields{
		"function": "PromoteDirect",
		"peer_id":  p.ID.String(),
	}).Debug("Promoting peer to direct")

	p.direct = true
	p.distance = 0
	p.bridge = uuid.UUID{}
}

// String returns a short human-readable description of the peer.
func (p *Peer) String() string {
	if p.direct {
		return fmt.Sprintf("peer{%s %s:%d direct}", p.ID, p.Addr, p.Port)
	}
	return fmt.Sprintf("peer{%s %s:%d via %s dist %d}", p.ID, p.Addr, p.Port, p.bridge, p.distance)
}
