package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/flynn/noise"
)

// FrameType identifies grid frame types.
type FrameType uint8

const (
	// FrameControl carries a CBOR-encoded ControlMessage.
	FrameControl FrameType = 0x00
	// FrameData carries peer payload on an open channel.
	FrameData FrameType = 0x01
	// FramePing is a keepalive ping.
	FramePing FrameType = 0x02
	// FramePong answers a keepalive ping.
	FramePong FrameType = 0x03
	// FrameClose closes a channel; the receiver answers with FrameClose as ack.
	FrameClose FrameType = 0x04
)

// String returns a human-readable frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameControl:
		return "CONTROL"
	case FrameData:
		return "DATA"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	// frameHeaderSize is [type u8][channel u16][length u32].
	frameHeaderSize = 7

	// cipherOverhead is the ChaCha20-Poly1305 tag appended to every message.
	cipherOverhead = 16

	// MaxFramePayload is the largest payload that fits in one encrypted frame.
	MaxFramePayload = noise.MaxMsgLen - cipherOverhead - frameHeaderSize
)

// Frame is a single message on the grid connection.
type Frame struct {
	Type    FrameType
	Channel uint16
	Payload []byte
}

// MarshalBinary encodes the frame as [type][channel BE][length BE][payload].
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(f.Payload), MaxFramePayload)
	}

	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint16(out[1:3], f.Channel)
	binary.BigEndian.PutUint32(out[3:7], uint32(len(f.Payload)))
	copy(out[frameHeaderSize:], f.Payload)
	return out, nil
}

// ParseFrame decodes a frame produced by MarshalBinary.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformedFrame, len(data))
	}

	length := binary.BigEndian.Uint32(data[3:7])
	if int(length) != len(data)-frameHeaderSize {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrMalformedFrame, length, len(data)-frameHeaderSize)
	}

	return &Frame{
		Type:    FrameType(data[0]),
		Channel: binary.BigEndian.Uint16(data[1:3]),
		Payload: data[frameHeaderSize:],
	}, nil
}
