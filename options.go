package breep

import (
	"time"

	"github.com/awhoiswho/Breep/transport"
)

// Options contains configuration for a peer manager.
type Options struct {
	// Port is the TCP listening port. 0 picks an ephemeral port.
	Port uint16
	// BufferSize is the per-socket read buffer size in bytes.
	BufferSize int
	// KeepAliveInterval is the interval between keep_alive frames to
	// each direct neighbor.
	KeepAliveInterval time.Duration
	// PeerTimeout is how long a direct neighbor may stay silent
	// before its socket is force-closed.
	PeerTimeout time.Duration
	// TimeoutCheckInterval is how often silent neighbors are scanned
	// for. Defaults to PeerTimeout / 5.
	TimeoutCheckInterval time.Duration
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		Port:              transport.DefaultPort,
		BufferSize:        transport.DefaultBufferSize,
		KeepAliveInterval: transport.DefaultKeepAliveInterval,
		PeerTimeout:       transport.DefaultPeerTimeout,
	}
}
