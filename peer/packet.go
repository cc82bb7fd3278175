package peer

// Packet is an application message that can be sent to a peer.
type Packet interface {
	Bytes() []byte
}

// RawPacket is a Packet holding pre-encoded bytes.
type RawPacket []byte

// Bytes returns the packet contents.
func (p RawPacket) Bytes() []byte {
	return p
}
