// Package chunk reassembles length-delimited payloads that arrive split across
// several transport deliveries.
//
// # Envelope
//
// The first delivery of a message may begin with an 8-byte header:
//
//	offset  size  value
//	0       4     0x00000000 (sentinel, little-endian)
//	4       4     total payload length, little-endian
//
// The rest of that delivery and every following delivery is raw content until
// the running total reaches the declared length. A first delivery that is 8
// bytes or shorter, or that does not start with the sentinel, is a complete
// single-packet message.
//
// # Receiving
//
// A [Reassembler] covers exactly one logical receive. Deliveries are fed from
// the transport's I/O goroutine and never block; the consumer waits on the
// one-shot completion signal:
//
//	r := chunk.NewReassembler()
//	// transport callback: r.Deliver(data)
//	// status callback on disconnect: r.ForceFail()
//	payload, ok := r.Wait()
//
// [Reassembler.Wait] blocks until completion or failure with no timeout. A peer
// that goes silent without the transport reporting a status change blocks the
// waiter forever; use [Reassembler.WaitContext] to bound the wait.
//
// Declared lengths are not bounded unless [WithMaxPayload] is given.
package chunk
