package chunk

import "encoding/binary"

// Encode prefixes payload with a chunk header declaring its length.
// An empty payload cannot be told apart from plain content once framed, so it
// encodes to an empty delivery, which a receiver completes as empty.
func Encode(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{}
	}

	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], sentinel)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// Split encodes payload and cuts the result into deliveries of at most size
// bytes, the way a sender on a size-limited channel would emit them. The first
// delivery always carries the header plus at least one content byte.
func Split(payload []byte, size int) [][]byte {
	encoded := Encode(payload)
	if size <= 0 || len(encoded) == 0 {
		return [][]byte{encoded}
	}

	parts := make([][]byte, 0, len(encoded)/size+1)
	first := true
	for len(encoded) > 0 {
		n := size
		if first && n <= HeaderSize {
			n = HeaderSize + 1
		}
		if n > len(encoded) {
			n = len(encoded)
		}
		parts = append(parts, encoded[:n])
		encoded = encoded[n:]
		first = false
	}
	return parts
}
