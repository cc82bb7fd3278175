package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/gridlink/crypto"
)

// encMode is the CBOR encoder mode for control messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for control messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient so newer gateways can add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// ControlKind identifies a control message.
type ControlKind uint8

const (
	// ControlOpen asks the gateway to open a channel to a peer.
	ControlOpen ControlKind = 1
	// ControlResult answers ControlOpen.
	ControlResult ControlKind = 2
)

// ControlMessage is the body of a FrameControl frame. The channel it refers to
// is the frame's channel.
type ControlMessage struct {
	Kind     ControlKind `cbor:"1,keyasint"`
	PeerID   []byte      `cbor:"2,keyasint,omitempty"`
	Protocol string      `cbor:"3,keyasint,omitempty"`
	OK       bool        `cbor:"4,keyasint,omitempty"`
	Reason   string      `cbor:"5,keyasint,omitempty"`
}

// NewOpenRequest builds a ControlOpen message.
func NewOpenRequest(peer crypto.PeerID, protocol string) *ControlMessage {
	return &ControlMessage{
		Kind:     ControlOpen,
		PeerID:   append([]byte(nil), peer[:]...),
		Protocol: protocol,
	}
}

// NewOpenResult builds a ControlResult message. An empty reason means success.
func NewOpenResult(reason string) *ControlMessage {
	return &ControlMessage{
		Kind:   ControlResult,
		OK:     reason == "",
		Reason: reason,
	}
}

// Peer returns the peer identity of a ControlOpen message.
func (m *ControlMessage) Peer() (crypto.PeerID, error) {
	var id crypto.PeerID
	if len(m.PeerID) != crypto.PeerIDSize {
		return id, fmt.Errorf("%w: peer id has %d bytes", crypto.ErrInvalidPeerID, len(m.PeerID))
	}
	copy(id[:], m.PeerID)
	return id, nil
}

// EncodeControl encodes a control message to CBOR bytes.
func EncodeControl(msg *ControlMessage) ([]byte, error) {
	return encMode.Marshal(msg)
}

// DecodeControl decodes CBOR bytes into a control message.
func DecodeControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode control message: %w", err)
	}
	switch msg.Kind {
	case ControlOpen, ControlResult:
	default:
		return nil, fmt.Errorf("unknown control kind %d", msg.Kind)
	}
	return &msg, nil
}
