package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/gridlink/chunk"
	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/transport"
	"github.com/sirupsen/logrus"
)

// Fetch opens a dedicated channel to peer, sends request once connected and
// returns the reassembled reply. A status change away from connected before
// the reply is complete fails the fetch with chunk.ErrNoResult.
func Fetch(ctx context.Context, pool GridPool, peer crypto.PeerID, protocol string, request []byte) ([]byte, error) {
	pool.AddUser()
	defer pool.RemoveUser()

	grid, ok := pool.Current()
	if !ok {
		return nil, transport.ErrGridUnavailable
	}

	rx := &receiver{
		reply:     chunk.NewReassembler(chunk.WithMaxPayload(chunk.DefaultMaxPayload)),
		connected: make(chan struct{}),
	}
	conn := transport.NewPeerConnection(rx)
	defer conn.Dispose()

	if err := conn.ConnectToRemote(grid, peer, protocol); err != nil {
		return nil, err
	}

	select {
	case <-rx.connected:
	case <-rx.reply.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if rx.isConnected() {
		if err := conn.Send(request); err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Fetch",
			"peer":     peer.Short(),
			"size":     len(request),
		}).Debug("Request sent")
	}

	payload, err := rx.reply.WaitContext(ctx)
	if err != nil {
		if reason := rx.failure(); reason != nil {
			return nil, fmt.Errorf("%w: %v", err, reason)
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Fetch",
		"peer":     peer.Short(),
		"size":     len(payload),
	}).Debug("Reply received")
	return payload, nil
}

// receiver feeds one reply into a reassembler.
type receiver struct {
	reply *chunk.Reassembler

	mu        sync.Mutex
	connected chan struct{}
	up        bool
	reason    error
}

func (r *receiver) OnDataReceived(data []byte) transport.Result {
	if res := r.reply.Deliver(data); res == chunk.ProtocolError {
		logrus.WithFields(logrus.Fields{
			"function": "OnDataReceived",
			"size":     len(data),
		}).Warn("Unexpected data after reply")
	}
	return transport.ResultOK
}

func (r *receiver) OnStatusChanged(state transport.State, reason error) {
	if state == transport.StateConnected {
		r.mu.Lock()
		if !r.up {
			r.up = true
			close(r.connected)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
	r.reply.ForceFail()
}

func (r *receiver) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.up
}

func (r *receiver) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}
