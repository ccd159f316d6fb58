package transport

import "time"

// Command identifies the type of an overlay frame.
type Command uint8

// Wire command codes. The values are part of the protocol and must
// remain stable.
const (
	CmdSendTo Command = iota
	CmdSendToAll
	CmdForwardTo
	CmdStopForwarding
	CmdForwardingTo
	CmdConnectTo
	CmdCantConnect
	CmdUpdateDistance
	CmdRetrieveDistance
	CmdRetrievePeers
	CmdPeersList
	CmdPeerDisconnection
	CmdKeepAlive
	// CmdNull is a sentinel and must never appear on the wire.
	CmdNull
)

// CommandCount is the number of valid wire commands, CmdNull excluded.
const CommandCount = int(CmdNull)

// Protocol identity magic, sent by both sides before the id exchange.
// Bump on any incompatible protocol change.
const (
	ProtocolID1 uint32 = 755960663
	ProtocolID2 uint32 = 1683390694
)

// IDSize is the byte length of a peer identity on the wire.
const IDSize = 16

// PeerEntrySize is the byte length of one peers_list entry:
// id(16) + ip(16, v6-mapped) + port(2) + distance(1).
const PeerEntrySize = IDSize + 16 + 2 + 1

// Defaults for the TCP I/O manager.
const (
	DefaultPort              uint16 = 3479
	DefaultBufferSize               = 1024
	DefaultKeepAliveInterval        = 5 * time.Second
	DefaultPeerTimeout              = 120 * time.Second
)

var commandNames = [CommandCount + 1]string{
	"send_to",
	"send_to_all",
	"forward_to",
	"stop_forwarding",
	"forwarding_to",
	"connect_to",
	"cant_connect",
	"update_distance",
	"retrieve_distance",
	"retrieve_peers",
	"peers_list",
	"peer_disconnection",
	"keep_alive",
	"null_command",
}

// String returns the protocol name of the command.
func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "unknown_command"
}

// Valid reports whether the command may legally appear on the wire.
func (c Command) Valid() bool {
	return c < CmdNull
}
