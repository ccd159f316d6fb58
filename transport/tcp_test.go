package transport

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awhoiswho/Breep/peer"
)

type receivedFrame struct {
	source  *peer.Peer
	cmd     Command
	payload []byte
}

// testHandler records transport callbacks on buffered channels.
type testHandler struct {
	connected    chan *peer.Peer
	disconnected chan *peer.Peer
	frames       chan receivedFrame
}

func newTestHandler() *testHandler {
	return &testHandler{
		connected:    make(chan *peer.Peer, 16),
		disconnected: make(chan *peer.Peer, 16),
		frames:       make(chan receivedFrame, 64),
	}
}

func (h *testHandler) PeerConnected(p *peer.Peer)    { h.connected <- p }
func (h *testHandler) PeerDisconnected(p *peer.Peer) { h.disconnected <- p }
func (h *testHandler) DataReceived(source *peer.Peer, cmd Command, payload []byte) {
	h.frames <- receivedFrame{source: source, cmd: cmd, payload: payload}
}

func waitPeer(t *testing.T, ch chan *peer.Peer) *peer.Peer {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for peer event")
		return nil
	}
}

func waitFrame(t *testing.T, ch chan receivedFrame) receivedFrame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return receivedFrame{}
	}
}

// startPair connects two TCP managers over loopback and waits for both
// connection callbacks.
func startPair(t *testing.T, cfgA, cfgB Config) (*TCPManager, *TCPManager, *testHandler, *testHandler) {
	t.Helper()

	aID, bID := uuid.New(), uuid.New()
	a := NewTCP(aID, cfgA)
	ha := newTestHandler()
	a.SetHandler(ha)
	require.NoError(t, a.Run())
	t.Cleanup(a.Stop)

	b := NewTCP(bID, cfgB)
	hb := newTestHandler()
	b.SetHandler(hb)
	require.NoError(t, b.Run())
	t.Cleanup(b.Stop)
	require.NoError(t, b.Dial("127.0.0.1", a.LocalPort()))

	// Each side records the other's advertised (resolved) listening
	// port, not the ephemeral source port of the dialed socket.
	pa := waitPeer(t, hb.connected)
	assert.Equal(t, aID, pa.ID)
	assert.Equal(t, a.LocalPort(), pa.Port)
	pb := waitPeer(t, ha.connected)
	assert.Equal(t, bID, pb.ID)
	assert.Equal(t, b.LocalPort(), pb.Port)
	return a, b, ha, hb
}

// Dialing before the acceptor is bound must be refused: the handshake
// would advertise an unresolved port.
func TestTCPDialBeforeRun(t *testing.T) {
	a := NewTCP(uuid.New(), Config{Port: 0})
	a.SetHandler(newTestHandler())
	require.NoError(t, a.Run())
	t.Cleanup(a.Stop)

	b := NewTCP(uuid.New(), Config{Port: 0})
	b.SetHandler(newTestHandler())

	assert.ErrorIs(t, b.Dial("127.0.0.1", a.LocalPort()), ErrNotRunning)
}

func TestTCPConnectAndSend(t *testing.T) {
	a, b, ha, hb := startPair(t, Config{Port: 0}, Config{Port: 0})

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, b.Send(CmdSendTo, payload, a.localID))

	got := waitFrame(t, ha.frames)
	assert.Equal(t, b.localID, got.source.ID)
	assert.Equal(t, CmdSendTo, got.cmd)
	assert.Equal(t, payload, got.payload)

	// And the reverse direction.
	require.NoError(t, a.Send(CmdKeepAlive, nil, b.localID))
	back := waitFrame(t, hb.frames)
	assert.Equal(t, CmdKeepAlive, back.cmd)
	assert.Empty(t, back.payload)
}

func TestTCPSendToUnknownPeer(t *testing.T) {
	a, _, _, _ := startPair(t, Config{Port: 0}, Config{Port: 0})

	err := a.Send(CmdSendTo, []byte{1}, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

// A duplicate connection is resolved so that exactly one socket
// survives: the one dialed by the smaller id wins.
func TestTCPDuplicateConnectionResolved(t *testing.T) {
	lowID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	highID := uuid.MustParse("ffffffff-ffff-ffff-ffff-fffffffffffe")

	a := NewTCP(lowID, Config{Port: 0})
	ha := newTestHandler()
	a.SetHandler(ha)
	require.NoError(t, a.Run())
	t.Cleanup(a.Stop)

	b := NewTCP(highID, Config{Port: 0})
	hb := newTestHandler()
	b.SetHandler(hb)
	require.NoError(t, b.Run())
	t.Cleanup(b.Stop)
	require.NoError(t, b.Dial("127.0.0.1", a.LocalPort()))

	waitPeer(t, ha.connected)
	waitPeer(t, hb.connected)

	// The larger id redialing loses against the surviving socket.
	err := b.Dial("127.0.0.1", a.LocalPort())
	assert.ErrorIs(t, err, ErrDuplicate)

	// The original connection still works.
	require.NoError(t, b.Send(CmdSendTo, []byte{0x01}, lowID))
	got := waitFrame(t, ha.frames)
	assert.Equal(t, []byte{0x01}, got.payload)
}

// The smaller id redialing replaces the previous socket without a
// second connection callback.
func TestTCPDuplicateConnectionReplaced(t *testing.T) {
	lowID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	highID := uuid.MustParse("ffffffff-ffff-ffff-ffff-fffffffffffe")

	a := NewTCP(highID, Config{Port: 0})
	ha := newTestHandler()
	a.SetHandler(ha)
	require.NoError(t, a.Run())
	t.Cleanup(a.Stop)

	b := NewTCP(lowID, Config{Port: 0})
	hb := newTestHandler()
	b.SetHandler(hb)
	require.NoError(t, b.Run())
	t.Cleanup(b.Stop)
	require.NoError(t, b.Dial("127.0.0.1", a.LocalPort()))

	waitPeer(t, ha.connected)
	waitPeer(t, hb.connected)

	require.NoError(t, b.Dial("127.0.0.1", a.LocalPort()))

	// Still exactly one usable connection, no duplicate callbacks.
	require.NoError(t, b.Send(CmdSendTo, []byte{0x02}, highID))
	got := waitFrame(t, ha.frames)
	assert.Equal(t, []byte{0x02}, got.payload)

	select {
	case p := <-hb.connected:
		t.Fatalf("unexpected second connection callback for %s", p.ID)
	default:
	}
}

func TestTCPRunTwice(t *testing.T) {
	a := NewTCP(uuid.New(), Config{Port: 0})
	a.SetHandler(newTestHandler())
	require.NoError(t, a.Run())
	defer a.Stop()

	assert.ErrorIs(t, a.Run(), ErrRunning)
}

func TestTCPSetPortWhileRunning(t *testing.T) {
	a := NewTCP(uuid.New(), Config{Port: 0})
	a.SetHandler(newTestHandler())

	require.NoError(t, a.SetPort(0))
	require.NoError(t, a.Run())
	defer a.Stop()

	assert.ErrorIs(t, a.SetPort(4000), ErrRunning)
}

// A silent neighbor must be reaped once its idle time exceeds the peer
// timeout.
func TestTCPPeerTimeout(t *testing.T) {
	quiet := Config{
		Port:              0,
		KeepAliveInterval: 10 * time.Minute,
		PeerTimeout:       10 * time.Minute,
	}
	strict := Config{
		Port:                 0,
		KeepAliveInterval:    10 * time.Minute,
		PeerTimeout:          300 * time.Millisecond,
		TimeoutCheckInterval: 50 * time.Millisecond,
	}

	a, _, _, hb := startPair(t, quiet, strict)

	gone := waitPeer(t, hb.disconnected)
	assert.Equal(t, a.localID, gone.ID)
}

// Keep-alives alone must keep an otherwise idle pair connected well
// past the peer timeout.
func TestTCPKeepAliveUnderIdle(t *testing.T) {
	cfg := Config{
		Port:                 0,
		KeepAliveInterval:    50 * time.Millisecond,
		PeerTimeout:          500 * time.Millisecond,
		TimeoutCheckInterval: 100 * time.Millisecond,
	}

	_, _, ha, hb := startPair(t, cfg, cfg)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-ha.disconnected:
			t.Fatalf("peer %s timed out despite keep-alives", p.ID)
		case p := <-hb.disconnected:
			t.Fatalf("peer %s timed out despite keep-alives", p.ID)
		case <-deadline:
			return
		}
	}
}
