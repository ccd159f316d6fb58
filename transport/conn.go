package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/awhoiswho/Breep/peer"
)

// outQueueLen bounds the per-neighbor transmit FIFO. A full queue drops
// the newest frame rather than blocking the event loop.
const outQueueLen = 128

// conn couples one direct neighbor's socket with its transmit queue and
// liveness timestamp. The reader goroutine owns the decoder; the writer
// goroutine drains outq one buffer at a time, preserving FIFO order.
type conn struct {
	peer *peer.Peer
	sock net.Conn

	outq chan []byte
	done chan struct{}

	lastSeen  atomic.Int64
	closeOnce sync.Once
}

func newConn(p *peer.Peer, sock net.Conn) *conn {
	c := &conn{
		peer: p,
		sock: sock,
		outq: make(chan []byte, outQueueLen),
		done: make(chan struct{}),
	}
	c.touch()
	return c
}

// touch records frame activity for the timeout scan.
func (c *conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// idleFor returns how long ago the last frame arrived.
func (c *conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// enqueue appends one encoded frame to the transmit FIFO. It never
// blocks; when the queue is full the frame is dropped.
func (c *conn) enqueue(frame []byte) error {
	select {
	case c.outq <- frame:
		return nil
	default:
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"peer_id":  c.peer.ID.String(),
			"dropped":  len(frame),
		}).Warn("Transmit queue full, dropping frame")
		return ErrQueueFull
	}
}

// writeLoop drains the transmit queue. One outstanding write at a time;
// a write error closes the socket, which the reader surfaces as a
// disconnection.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outq:
			if _, err := c.sock.Write(frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writeLoop",
					"peer_id":  c.peer.ID.String(),
					"error":    err,
				}).Debug("Socket write failed")
				c.close()
				return
			}
		}
	}
}

// close shuts the socket down exactly once. Pending frames in outq are
// dropped.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}
