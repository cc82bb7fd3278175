package gatewaytest

import "github.com/opd-ai/gridlink/chunk"

// Echo returns a peer that sends every delivery straight back.
func Echo() PeerFunc {
	return func(ch *Channel, data []byte) {
		ch.Send(data)
	}
}

// ChunkedReply returns a peer that answers any request with reply, framed with
// the chunk envelope and cut into deliveries of at most size bytes.
func ChunkedReply(reply []byte, size int) PeerFunc {
	return func(ch *Channel, _ []byte) {
		for _, part := range chunk.Split(reply, size) {
			if err := ch.Send(part); err != nil {
				return
			}
		}
	}
}

// Silent returns a peer that never answers.
func Silent() PeerFunc {
	return func(*Channel, []byte) {}
}
