package transport

import (
	"fmt"
	"sync"

	"github.com/opd-ai/gridlink/crypto"
	"github.com/sirupsen/logrus"
)

// State represents the state of a peer connection.
type State uint8

const (
	// StateClosed indicates no channel is open.
	StateClosed State = iota
	// StateConnecting indicates the gateway has not answered the open request yet.
	StateConnecting
	// StateConnected indicates the channel to the peer is open.
	StateConnected
	// StateFailed indicates the gateway refused the channel or could not be reached.
	StateFailed
	// StateDisconnected indicates an open channel was lost.
	StateDisconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Result is returned by data handlers to acknowledge a delivery.
type Result uint8

const (
	// ResultOK acknowledges the delivery.
	ResultOK Result = iota
	// ResultProtocolError reports a delivery the handler could not use.
	ResultProtocolError
)

// Handler receives the inbound events of a PeerConnection. Both methods are
// called from the grid's I/O goroutine and must not block it for long.
type Handler interface {
	// OnDataReceived is called for every delivery on the channel.
	OnDataReceived(data []byte) Result
	// OnStatusChanged reports state transitions not caused by a local Close.
	// reason is nil for StateConnected.
	OnStatusChanged(state State, reason error)
}

// PeerConnection is one logical connection to a remote peer, carried as a
// channel of a shared GridConnection.
type PeerConnection struct {
	mu       sync.Mutex
	handler  Handler
	grid     *GridConnection
	channel  uint16
	state    State
	peer     crypto.PeerID
	protocol string
	blocking bool
	disposed bool
}

// NewPeerConnection creates an unconnected peer connection reporting to handler.
func NewPeerConnection(handler Handler) *PeerConnection {
	return &PeerConnection{
		handler: handler,
		state:   StateClosed,
	}
}

// State returns the current connection state.
func (c *PeerConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectToRemote asks the gateway behind grid to open a channel to peer
// speaking protocol. It returns once the request is sent; the result arrives
// through Handler.OnStatusChanged. An error return means the request never
// left and no status change will follow.
func (c *PeerConnection) ConnectToRemote(grid *GridConnection, peer crypto.PeerID, protocol string) error {
	if grid == nil {
		return ErrGridUnavailable
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.grid = grid
	c.peer = peer
	c.protocol = protocol
	c.state = StateConnecting
	c.mu.Unlock()

	if _, err := grid.openChannel(peer, protocol, c); err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.grid = nil
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "ConnectToRemote",
			"peer":     peer.Short(),
			"error":    err.Error(),
		}).Warn("Failed to request peer channel")
		return err
	}

	return nil
}

// Send writes data to the peer.
func (c *PeerConnection) Send(data []byte) error {
	c.mu.Lock()
	grid, ch, state := c.grid, c.channel, c.state
	c.mu.Unlock()

	if state != StateConnected || grid == nil {
		return ErrNotConnected
	}
	if len(data) > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return grid.sendData(ch, data)
}

// SetBlockingMode makes Close wait for the gateway to acknowledge.
func (c *PeerConnection) SetBlockingMode(blocking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocking = blocking
}

// Close closes the channel. No status change is reported for a local close.
func (c *PeerConnection) Close() error {
	c.mu.Lock()
	grid, ch, state, blocking := c.grid, c.channel, c.state, c.blocking
	c.state = StateClosed
	c.grid = nil
	c.mu.Unlock()

	if grid == nil || (state != StateConnecting && state != StateConnected) {
		return nil
	}

	grid.closeChannel(ch, blocking)

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"grid_id":  grid.ID(),
		"channel":  ch,
		"blocking": blocking,
	}).Debug("Peer channel closed")
	return nil
}

// Dispose closes the connection and detaches the handler. The connection
// cannot be used afterwards.
func (c *PeerConnection) Dispose() {
	c.Close()

	c.mu.Lock()
	c.disposed = true
	c.handler = nil
	c.mu.Unlock()
}

// assigned implements channelSink.
func (c *PeerConnection) assigned(ch uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = ch
}

// opened implements channelSink.
func (c *PeerConnection) opened(ok bool, reason string) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}

	var err error
	if ok {
		c.state = StateConnected
	} else {
		c.state = StateFailed
		c.grid = nil
		err = fmt.Errorf("%w: %s", ErrChannelRejected, reason)
	}
	state, handler, peer := c.state, c.handler, c.peer
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "opened",
		"peer":     peer.Short(),
		"state":    state.String(),
		"reason":   reason,
	}).Debug("Peer channel open result")

	if handler != nil {
		handler.OnStatusChanged(state, err)
	}
}

// deliver implements channelSink.
func (c *PeerConnection) deliver(data []byte) {
	c.mu.Lock()
	handler, state := c.handler, c.state
	c.mu.Unlock()

	if handler == nil || state != StateConnected {
		return
	}

	if res := handler.OnDataReceived(data); res != ResultOK {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"size":     len(data),
			"result":   res,
		}).Debug("Handler rejected delivery")
	}
}

// closed implements channelSink.
func (c *PeerConnection) closed(reason error) {
	c.mu.Lock()
	var next State
	switch c.state {
	case StateConnecting:
		next = StateFailed
	case StateConnected:
		next = StateDisconnected
	default:
		c.mu.Unlock()
		return
	}
	c.state = next
	c.grid = nil
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler.OnStatusChanged(next, reason)
	}
}
