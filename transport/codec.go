package transport

import (
	"errors"
	"fmt"
)

// Codec errors. A decode error is fatal for the connection it occurred
// on; the socket is closed and the peer treated as disconnected.
var (
	ErrBadEscape      = errors.New("malformed byte in escaped length field")
	ErrLengthOverflow = errors.New("escaped length field too long")
	ErrInvalidCommand = errors.New("invalid command code")
)

// maxLengthBytes bounds the unescaped length field. Eight little-endian
// bytes already cover any payload a 64-bit host can allocate.
const maxLengthBytes = 8

// MaxPayloadSize bounds a single frame's payload so a hostile length
// field cannot force an arbitrary allocation.
const MaxPayloadSize = 1 << 28

// AppendEscapedLength appends the byte-stuffed encoding of n to dst and
// returns the extended slice. The raw length is emitted little-endian;
// each 0x00 byte is followed by 0x01 and the pair 0x00 0x00 terminates
// the field. A zero length is the terminator alone.
func AppendEscapedLength(dst []byte, n uint64) []byte {
	for v := n; v > 0; v >>= 8 {
		b := byte(v)
		dst = append(dst, b)
		if b == 0x00 {
			dst = append(dst, 0x01)
		}
	}
	return append(dst, 0x00, 0x00)
}

// EncodeFrame serializes one frame: [cmd:1][escaped-length][payload].
func EncodeFrame(cmd Command, payload []byte) []byte {
	// 1 cmd byte + worst-case doubled length bytes + 2 terminator bytes.
	buf := make([]byte, 0, 1+2*maxLengthBytes+2+len(payload))
	buf = append(buf, byte(cmd))
	buf = AppendEscapedLength(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// Frame is one decoded command frame.
type Frame struct {
	Command Command
	Payload []byte
}

type decoderState uint8

const (
	stateAwaitCmd decoderState = iota
	stateReadLength
	stateReadPayload
)

// Decoder is the resumable frame decoder. Frames may straddle socket
// reads arbitrarily; feed every received chunk to Write and collect the
// frames it completes. A Decoder is owned by a single connection and is
// not safe for concurrent use.
type Decoder struct {
	state decoderState
	cmd   Command

	lenBytes    []byte
	pendingZero bool

	need    uint64
	payload []byte
}

// Write consumes a chunk of received bytes and returns all frames
// completed by it. On error the decoder state is undefined and the
// connection must be dropped.
func (d *Decoder) Write(data []byte) ([]Frame, error) {
	var frames []Frame
	for i := 0; i < len(data); {
		switch d.state {
		case stateAwaitCmd:
			cmd := Command(data[i])
			i++
			if !cmd.Valid() {
				return frames, fmt.Errorf("%w: %d", ErrInvalidCommand, cmd)
			}
			d.cmd = cmd
			d.lenBytes = d.lenBytes[:0]
			d.pendingZero = false
			d.state = stateReadLength

		case stateReadLength:
			b := data[i]
			i++
			done, err := d.lengthByte(b)
			if err != nil {
				return frames, err
			}
			if !done {
				continue
			}
			d.need = d.rawLength()
			if d.need > MaxPayloadSize {
				return frames, fmt.Errorf("%w: payload of %d bytes", ErrLengthOverflow, d.need)
			}
			if d.need == 0 {
				frames = append(frames, Frame{Command: d.cmd})
				d.state = stateAwaitCmd
			} else {
				d.payload = make([]byte, 0, d.need)
				d.state = stateReadPayload
			}

		case stateReadPayload:
			take := uint64(len(data) - i)
			if remaining := d.need - uint64(len(d.payload)); take > remaining {
				take = remaining
			}
			d.payload = append(d.payload, data[i:i+int(take)]...)
			i += int(take)
			if uint64(len(d.payload)) == d.need {
				frames = append(frames, Frame{Command: d.cmd, Payload: d.payload})
				d.payload = nil
				d.state = stateAwaitCmd
			}
		}
	}
	return frames, nil
}

// lengthByte advances the escaped-length state machine by one byte and
// reports whether the terminator was reached.
func (d *Decoder) lengthByte(b byte) (bool, error) {
	if d.pendingZero {
		d.pendingZero = false
		switch b {
		case 0x01:
			return false, d.appendLengthByte(0x00)
		case 0x00:
			return true, nil
		default:
			return false, fmt.Errorf("%w: 0x00 followed by 0x%02x", ErrBadEscape, b)
		}
	}
	if b == 0x00 {
		d.pendingZero = true
		return false, nil
	}
	return false, d.appendLengthByte(b)
}

func (d *Decoder) appendLengthByte(b byte) error {
	if len(d.lenBytes) >= maxLengthBytes {
		return ErrLengthOverflow
	}
	d.lenBytes = append(d.lenBytes, b)
	return nil
}

func (d *Decoder) rawLength() uint64 {
	var n uint64
	for i, b := range d.lenBytes {
		n |= uint64(b) << (8 * uint(i))
	}
	return n
}
