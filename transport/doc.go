// Package transport implements the TCP I/O manager of the overlay and
// its wire protocol.
//
// It owns the listening sockets, dials outbound connections, performs
// the protocol handshake, encodes and decodes command frames, and
// drives the keep-alive and dead-peer timers. Decoded frames are handed
// upward through the Handler interface; the peer manager never touches
// a socket directly.
//
// Every frame on the wire is [cmd:1][escaped-length][payload]. The
// length field is the payload byte count emitted little-endian with a
// byte-stuffing escape: each 0x00 byte is followed by 0x01, and the
// pair 0x00 0x00 terminates the field.
package transport
