package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendEscapedLength(t *testing.T) {
	tests := []struct {
		name string
		n    uint64
		want []byte
	}{
		{
			name: "zero is the terminator alone",
			n:    0,
			want: []byte{0x00, 0x00},
		},
		{
			name: "single byte",
			n:    5,
			want: []byte{0x05, 0x00, 0x00},
		},
		{
			name: "max single byte",
			n:    255,
			want: []byte{0xFF, 0x00, 0x00},
		},
		{
			name: "low byte needs escaping",
			n:    256,
			want: []byte{0x00, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name: "two zero bytes escaped",
			n:    0x010000,
			want: []byte{0x00, 0x01, 0x00, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name: "multi byte",
			n:    0x0304,
			want: []byte{0x04, 0x03, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendEscapedLength(nil, tt.n)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":             nil,
		"small":             {0x01, 0x02},
		"contains zeros":    {0x00, 0x00, 0x01, 0x00},
		"one block":         bytes.Repeat([]byte{0xAB}, 256),
		"multi byte length": bytes.Repeat([]byte{0xCD}, 70000),
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			encoded := EncodeFrame(CmdSendTo, payload)

			var dec Decoder
			frames, err := dec.Write(encoded)
			require.NoError(t, err)
			require.Len(t, frames, 1)
			assert.Equal(t, CmdSendTo, frames[0].Command)
			assert.Equal(t, len(payload), len(frames[0].Payload))
			assert.True(t, bytes.Equal(payload, frames[0].Payload))
		})
	}
}

// Frames must survive arbitrary fragmentation across socket reads.
func TestDecoderResumesAcrossReads(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0x42}, 300)
	encoded := EncodeFrame(CmdPeersList, payload)

	var dec Decoder
	var frames []Frame
	for i := 0; i < len(encoded); i++ {
		got, err := dec.Write(encoded[i : i+1])
		require.NoError(t, err)
		frames = append(frames, got...)
	}

	require.Len(t, frames, 1)
	assert.Equal(t, CmdPeersList, frames[0].Command)
	assert.True(t, bytes.Equal(payload, frames[0].Payload))
}

func TestDecoderMultipleFramesInOneRead(t *testing.T) {
	var stream []byte
	stream = append(stream, EncodeFrame(CmdKeepAlive, nil)...)
	stream = append(stream, EncodeFrame(CmdSendTo, []byte{1, 2, 3})...)
	stream = append(stream, EncodeFrame(CmdUpdateDistance, []byte{7})...)

	var dec Decoder
	frames, err := dec.Write(stream)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, CmdKeepAlive, frames[0].Command)
	assert.Empty(t, frames[0].Payload)
	assert.Equal(t, CmdSendTo, frames[1].Command)
	assert.Equal(t, []byte{1, 2, 3}, frames[1].Payload)
	assert.Equal(t, CmdUpdateDistance, frames[2].Command)
	assert.Equal(t, []byte{7}, frames[2].Payload)
}

func TestDecoderRejectsBadEscape(t *testing.T) {
	// cmd, then 0x00 followed by something that is neither 0x01 nor
	// the terminator.
	var dec Decoder
	_, err := dec.Write([]byte{byte(CmdSendTo), 0x00, 0x05})
	assert.ErrorIs(t, err, ErrBadEscape)
}

func TestDecoderRejectsInvalidCommand(t *testing.T) {
	var dec Decoder
	_, err := dec.Write([]byte{0xC8})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestDecoderRejectsNullCommand(t *testing.T) {
	var dec Decoder
	_, err := dec.Write([]byte{byte(CmdNull)})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestDecoderRejectsOverlongLength(t *testing.T) {
	frame := []byte{byte(CmdSendTo), 1, 2, 3, 4, 5, 6, 7, 8, 9}

	var dec Decoder
	_, err := dec.Write(frame)
	assert.ErrorIs(t, err, ErrLengthOverflow)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "send_to", CmdSendTo.String())
	assert.Equal(t, "keep_alive", CmdKeepAlive.String())
	assert.Equal(t, "null_command", CmdNull.String())
	assert.Equal(t, "unknown_command", Command(99).String())
}
