// Package peer defines the per-remote-peer records kept by the overlay.
//
// A Peer is either direct (an open TCP connection exists, distance 0) or
// indirect (reachable through a bridge, distance >= 1). The peer manager
// owns all records and is the only writer; embedders observe peers
// through snapshot copies.
package peer
