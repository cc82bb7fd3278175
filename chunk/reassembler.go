package chunk

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// HeaderSize is the size of the chunk header.
	HeaderSize = 8

	// DefaultMaxPayload is a reasonable bound for callers that want one.
	// Reassemblers are unbounded unless WithMaxPayload is given.
	DefaultMaxPayload = 1024 * 1024

	// sentinel marks a chunk header; plain payloads never start with it.
	sentinel uint32 = 0
)

// ErrNoResult indicates a receive ended without a payload, either because the
// connection dropped before completion or because the sender broke the framing.
var ErrNoResult = errors.New("receive ended without a payload")

// Result is the outcome of a single delivery.
type Result uint8

const (
	// Continue means more deliveries are expected.
	Continue Result = iota
	// Completed means the payload is complete.
	Completed
	// ProtocolError means the delivery was rejected.
	ProtocolError
)

// String returns a human-readable result name.
func (r Result) String() string {
	switch r {
	case Continue:
		return "CONTINUE"
	case Completed:
		return "COMPLETED"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Reassembler accumulates the deliveries of one logical receive.
// It must not be reused once completed.
type Reassembler struct {
	mu sync.Mutex

	started   bool
	expected  int64
	buffer    []byte
	completed bool
	outcome   []byte
	ok        bool

	maxPayload int64

	done chan struct{}
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithMaxPayload rejects chunked receives declaring more than n bytes.
// n <= 0 means unbounded.
func WithMaxPayload(n int64) Option {
	return func(r *Reassembler) {
		r.maxPayload = n
	}
}

// NewReassembler creates a reassembler armed for one receive.
func NewReassembler(opts ...Option) *Reassembler {
	r := &Reassembler{done: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver feeds one transport delivery into the receive.
func (r *Reassembler) Deliver(data []byte) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed {
		logrus.WithFields(logrus.Fields{
			"function": "Deliver",
			"size":     len(data),
		}).Warn("Delivery after receive completed")
		return ProtocolError
	}

	content := data
	if !r.started {
		r.started = true

		if len(data) > HeaderSize && binary.LittleEndian.Uint32(data[0:4]) == sentinel {
			declared := int64(int32(binary.LittleEndian.Uint32(data[4:8])))

			logrus.WithFields(logrus.Fields{
				"function": "Deliver",
				"declared": declared,
				"first":    len(data) - HeaderSize,
			}).Debug("Chunked receive started")

			if declared <= 0 {
				r.fire([]byte{}, true)
				return Completed
			}
			if r.maxPayload > 0 && declared > r.maxPayload {
				logrus.WithFields(logrus.Fields{
					"function": "Deliver",
					"declared": declared,
					"limit":    r.maxPayload,
				}).Warn("Declared payload length exceeds limit")
				r.fire(nil, false)
				return ProtocolError
			}

			r.expected = declared
			content = data[HeaderSize:]
		} else {
			r.expected = int64(len(data))
		}
	}

	r.buffer = append(r.buffer, content...)
	r.expected -= int64(len(content))

	if r.expected <= 0 {
		r.fire(r.buffer, true)
		return Completed
	}
	return Continue
}

// ForceFail completes the receive without a payload. It is a no-op when the
// receive has already completed.
func (r *Reassembler) ForceFail() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "ForceFail",
		"buffered": len(r.buffer),
	}).Debug("Receive failed before completion")
	r.fire(nil, false)
}

// fire resolves the one-shot completion signal. Resolving it twice is a
// programming error. Callers hold r.mu.
func (r *Reassembler) fire(outcome []byte, ok bool) {
	if r.completed {
		panic("chunk: completion signalled twice")
	}
	if ok && outcome == nil {
		outcome = []byte{}
	}
	r.completed = true
	r.outcome = outcome
	r.ok = ok
	close(r.done)
}

// Done returns a channel closed once the receive has completed.
func (r *Reassembler) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receive completes. ok is false when the receive failed;
// a partial buffer is never returned.
func (r *Reassembler) Wait() (payload []byte, ok bool) {
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.ok
}

// WaitContext is like Wait but gives up when ctx is done.
func (r *Reassembler) WaitContext(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	payload, ok := r.Wait()
	if !ok {
		return nil, ErrNoResult
	}
	return payload, nil
}
