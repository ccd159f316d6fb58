package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

// Handshake errors. Both cause the socket to be closed before a peer
// record is ever published.
var (
	ErrHandshakeMagic = errors.New("protocol identity mismatch")
	ErrHandshakeID    = errors.New("malformed peer identity")
)

// uuidTextLen is the length of the canonical hyphenated uuid form.
const uuidTextLen = 36

// handshakeDeadline bounds the whole magic + identity exchange so a
// stalled remote cannot pin the accept path.
const handshakeDeadline = 10 * time.Second

// writeHandshake sends the protocol magic followed by the identity
// packet [len:1][uuid-text][port-hi:1][port-lo:1].
func writeHandshake(conn net.Conn, id uuid.UUID, listenPort uint16) error {
	buf := make([]byte, 0, 8+1+uuidTextLen+2)
	buf = binary.BigEndian.AppendUint32(buf, ProtocolID1)
	buf = binary.BigEndian.AppendUint32(buf, ProtocolID2)
	buf = append(buf, uuidTextLen)
	buf = append(buf, id.String()...)
	buf = append(buf, byte(listenPort>>8), byte(listenPort))

	_, err := conn.Write(buf)
	return err
}

// readHandshake reads and validates the remote side of the exchange,
// returning the remote identity and its declared listening port.
func readHandshake(conn net.Conn) (uuid.UUID, uint16, error) {
	var magic [8]byte
	if _, err := io.ReadFull(conn, magic[:]); err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("reading protocol magic: %w", err)
	}
	if binary.BigEndian.Uint32(magic[:4]) != ProtocolID1 ||
		binary.BigEndian.Uint32(magic[4:]) != ProtocolID2 {
		return uuid.UUID{}, 0, ErrHandshakeMagic
	}

	var idLen [1]byte
	if _, err := io.ReadFull(conn, idLen[:]); err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("reading identity length: %w", err)
	}
	if idLen[0] != uuidTextLen {
		return uuid.UUID{}, 0, fmt.Errorf("%w: identity length %d", ErrHandshakeID, idLen[0])
	}

	idText := make([]byte, uuidTextLen)
	if _, err := io.ReadFull(conn, idText); err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("reading identity: %w", err)
	}
	id, err := uuid.Parse(string(idText))
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("%w: %v", ErrHandshakeID, err)
	}

	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("reading listen port: %w", err)
	}

	return id, uint16(port[0])<<8 | uint16(port[1]), nil
}

// handshake runs both directions of the exchange on a fresh socket.
// The write runs alongside the read, so neither side blocks the other
// even on an unbuffered connection such as net.Pipe.
func handshake(conn net.Conn, localID uuid.UUID, listenPort uint16) (uuid.UUID, uint16, error) {
	deadline := time.Now().Add(handshakeDeadline)
	if err := conn.SetDeadline(deadline); err != nil {
		return uuid.UUID{}, 0, err
	}
	defer conn.SetDeadline(time.Time{})

	writeErr := make(chan error, 1)
	go func() { writeErr <- writeHandshake(conn, localID, listenPort) }()

	id, port, err := readHandshake(conn)
	if werr := <-writeErr; werr != nil && err == nil {
		return uuid.UUID{}, 0, werr
	}
	return id, port, err
}
