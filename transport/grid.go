package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/gridlink/crypto"
	"github.com/sirupsen/logrus"
)

// closeAckTimeout bounds how long a blocking channel close waits for the gateway.
const closeAckTimeout = 5 * time.Second

// channelSink receives the events of one peer channel. Methods are called from
// the grid read loop.
type channelSink interface {
	assigned(ch uint16)
	opened(ok bool, reason string)
	deliver(data []byte)
	closed(err error)
}

type channelEntry struct {
	sink    channelSink
	closing bool
	ack     chan struct{}
}

// GridConnection is an established, encrypted connection to a gateway. Peer
// channels are multiplexed over it; it is shared by every peer connection
// through a Pool.
type GridConnection struct {
	id     string
	addr   string
	stream *SecureStream

	mu          sync.Mutex
	channels    map[uint16]*channelEntry
	nextChannel uint16
	lastPong    time.Time
	err         error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the gateway, performs the Noise handshake and starts the
// read and keepalive loops.
func Dial(ctx context.Context, cfg DialConfig) (*GridConnection, error) {
	if cfg.Keys == nil {
		return nil, newGridError("dial", cfg.Address, errors.New("client keys are required"))
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	conn, err := dialRaw(ctx, &cfg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"address":  cfg.Address,
			"error":    err.Error(),
		}).Warn("Failed to reach gateway")
		return nil, newGridError("dial", cfg.Address, err)
	}

	stream, err := ClientHandshake(conn, cfg.Keys, cfg.GatewayKey, cfg.timeout())
	if err != nil {
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"address":  cfg.Address,
			"error":    err.Error(),
		}).Warn("Gateway handshake failed")
		return nil, newGridError("handshake", cfg.Address, err)
	}

	interval := cfg.KeepaliveInterval
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}

	g := newGridConnection(stream, cfg.Address)
	g.wg.Add(2)
	go g.readLoop()
	go g.keepalive(interval)

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"grid_id":  g.id,
		"address":  cfg.Address,
		"gateway":  cfg.GatewayKey.Short(),
	}).Info("Connected to gateway")

	return g, nil
}

func newGridConnection(stream *SecureStream, addr string) *GridConnection {
	return &GridConnection{
		id:          uuid.NewString(),
		addr:        addr,
		stream:      stream,
		channels:    make(map[uint16]*channelEntry),
		nextChannel: 1,
		lastPong:    time.Now(),
		done:        make(chan struct{}),
	}
}

// ID returns the connection's unique id, used to correlate log entries.
func (g *GridConnection) ID() string {
	return g.id
}

// Done returns a channel closed when the connection is gone.
func (g *GridConnection) Done() <-chan struct{} {
	return g.done
}

// IsClosed reports whether the connection is gone.
func (g *GridConnection) IsClosed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the connection ended, or nil while it is alive.
func (g *GridConnection) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// ChannelCount returns the number of open channels.
func (g *GridConnection) ChannelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels)
}

// Close tears the connection down. Every open channel is told it closed.
func (g *GridConnection) Close() error {
	g.shutdown(ErrGridClosed)
	g.wg.Wait()
	return nil
}

// openChannel allocates a channel id and asks the gateway to connect it to peer.
// The outcome arrives asynchronously through sink.opened.
func (g *GridConnection) openChannel(peer crypto.PeerID, protocol string, sink channelSink) (uint16, error) {
	body, err := EncodeControl(NewOpenRequest(peer, protocol))
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return 0, err
	}
	ch, ok := g.allocateChannelLocked()
	if !ok {
		g.mu.Unlock()
		return 0, ErrNoFreeChannel
	}
	g.channels[ch] = &channelEntry{sink: sink}
	g.mu.Unlock()

	sink.assigned(ch)

	if err := g.stream.WriteFrame(&Frame{Type: FrameControl, Channel: ch, Payload: body}); err != nil {
		// Removed first so the failed request reports no status change.
		g.removeChannel(ch)
		return 0, g.writeFailed("open", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "openChannel",
		"grid_id":  g.id,
		"channel":  ch,
		"peer":     peer.Short(),
		"protocol": protocol,
	}).Debug("Requested peer channel")

	return ch, nil
}

// allocateChannelLocked finds an unused channel id; 0 is never used.
func (g *GridConnection) allocateChannelLocked() (uint16, bool) {
	for i := 0; i < 0xFFFF; i++ {
		ch := g.nextChannel
		g.nextChannel++
		if g.nextChannel == 0 {
			g.nextChannel = 1
		}
		if _, used := g.channels[ch]; !used {
			return ch, true
		}
	}
	return 0, false
}

// sendData writes payload on an open channel.
func (g *GridConnection) sendData(ch uint16, payload []byte) error {
	if g.IsClosed() {
		return ErrGridClosed
	}
	return g.writeFrame("write", &Frame{Type: FrameData, Channel: ch, Payload: payload})
}

// writeFrame sends f. An oversized frame is rejected before anything is
// encrypted; any other failure shuts the connection down.
func (g *GridConnection) writeFrame(op string, f *Frame) error {
	if len(f.Payload) > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	if err := g.stream.WriteFrame(f); err != nil {
		return g.writeFailed(op, err)
	}
	return nil
}

// writeFailed shuts the connection down after a failed write. The send nonce
// has already advanced, so the gateway could not decrypt anything sent later.
func (g *GridConnection) writeFailed(op string, err error) error {
	gerr := newGridError(op, g.addr, err)
	if !g.IsClosed() {
		logrus.WithFields(logrus.Fields{
			"function": "writeFailed",
			"grid_id":  g.id,
			"op":       op,
			"error":    err.Error(),
		}).Warn("Grid write failed")
	}
	g.shutdown(gerr)
	return gerr
}

// closeChannel asks the gateway to close ch. With wait set it blocks until the
// gateway acknowledges, the grid goes away, or closeAckTimeout passes.
func (g *GridConnection) closeChannel(ch uint16, wait bool) {
	g.mu.Lock()
	entry, ok := g.channels[ch]
	if !ok || entry.closing {
		g.mu.Unlock()
		return
	}
	entry.closing = true
	entry.ack = make(chan struct{})
	ack := entry.ack
	g.mu.Unlock()

	if err := g.writeFrame("close", &Frame{Type: FrameClose, Channel: ch}); err != nil {
		g.removeChannel(ch)
		return
	}

	if !wait {
		return
	}

	timer := time.NewTimer(closeAckTimeout)
	defer timer.Stop()

	select {
	case <-ack:
	case <-g.done:
	case <-timer.C:
		logrus.WithFields(logrus.Fields{
			"function": "closeChannel",
			"grid_id":  g.id,
			"channel":  ch,
		}).Warn("Gateway did not acknowledge channel close")
		g.removeChannel(ch)
	}
}

func (g *GridConnection) removeChannel(ch uint16) *channelEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := g.channels[ch]
	delete(g.channels, ch)
	return entry
}

func (g *GridConnection) lookupChannel(ch uint16) *channelEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channels[ch]
}

// readLoop continuously reads frames from the gateway.
func (g *GridConnection) readLoop() {
	defer g.wg.Done()

	for {
		frame, err := g.stream.ReadFrame()
		if err != nil {
			g.handleReadError(err)
			return
		}
		if err := g.dispatch(frame); err != nil {
			g.handleReadError(err)
			return
		}
	}
}

// handleReadError processes errors from the read operation.
func (g *GridConnection) handleReadError(err error) {
	if g.IsClosed() {
		return
	}
	if !errors.Is(err, io.EOF) {
		logrus.WithFields(logrus.Fields{
			"function": "readLoop",
			"grid_id":  g.id,
			"error":    err.Error(),
		}).Warn("Grid read error")
	}
	g.shutdown(newGridError("read", g.addr, err))
}

// dispatch routes one inbound frame.
func (g *GridConnection) dispatch(frame *Frame) error {
	switch frame.Type {
	case FrameData:
		if entry := g.lookupChannel(frame.Channel); entry != nil && !entry.closing {
			entry.sink.deliver(frame.Payload)
		}
		return nil

	case FrameControl:
		return g.handleControl(frame)

	case FramePing:
		return g.writeFrame("pong", &Frame{Type: FramePong})

	case FramePong:
		g.mu.Lock()
		g.lastPong = time.Now()
		g.mu.Unlock()
		return nil

	case FrameClose:
		g.handleClose(frame.Channel)
		return nil

	default:
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"grid_id":    g.id,
			"frame_type": frame.Type.String(),
		}).Debug("Ignoring unknown frame type")
		return nil
	}
}

func (g *GridConnection) handleControl(frame *Frame) error {
	msg, err := DecodeControl(frame.Payload)
	if err != nil {
		return err
	}
	if msg.Kind != ControlResult {
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"grid_id":  g.id,
			"kind":     msg.Kind,
		}).Debug("Ignoring unexpected control message")
		return nil
	}

	var entry *channelEntry
	if msg.OK {
		entry = g.lookupChannel(frame.Channel)
	} else {
		entry = g.removeChannel(frame.Channel)
	}
	if entry != nil {
		entry.sink.opened(msg.OK, msg.Reason)
	}
	return nil
}

// handleClose handles a remote close or the ack of a local close.
func (g *GridConnection) handleClose(ch uint16) {
	g.mu.Lock()
	entry, ok := g.channels[ch]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.channels, ch)
	g.mu.Unlock()

	if entry.closing {
		close(entry.ack)
		return
	}

	// Remote initiated: acknowledge and notify.
	if err := g.writeFrame("close", &Frame{Type: FrameClose, Channel: ch}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleClose",
			"grid_id":  g.id,
			"channel":  ch,
			"error":    err.Error(),
		}).Debug("Failed to acknowledge channel close")
	}
	entry.sink.closed(ErrChannelClosed)
}

// keepalive pings the gateway and drops the connection when pongs stop.
func (g *GridConnection) keepalive(interval time.Duration) {
	defer g.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.mu.Lock()
			silent := time.Since(g.lastPong)
			g.mu.Unlock()

			if silent > 3*interval {
				g.shutdown(newGridError("keepalive", g.addr, ErrKeepaliveTimeout))
				return
			}

			if err := g.writeFrame("keepalive", &Frame{Type: FramePing}); err != nil {
				return
			}
		}
	}
}

// shutdown closes the stream once and notifies every channel. Sinks are
// notified outside closeOnce so they may call back into the connection.
func (g *GridConnection) shutdown(reason error) {
	var channels map[uint16]*channelEntry
	first := false

	g.closeOnce.Do(func() {
		first = true

		g.mu.Lock()
		g.err = reason
		channels = g.channels
		g.channels = make(map[uint16]*channelEntry)
		g.mu.Unlock()

		g.stream.Close()
		close(g.done)
	})
	if !first {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "shutdown",
		"grid_id":  g.id,
		"channels": len(channels),
		"reason":   reason.Error(),
	}).Info("Grid connection closed")

	for _, entry := range channels {
		if entry.closing {
			continue
		}
		entry.sink.closed(reason)
	}
}
