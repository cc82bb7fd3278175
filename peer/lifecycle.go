package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/gridlink/chunk"
	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultReconnectDelay is the fixed pause between connect attempts.
	DefaultReconnectDelay = 10 * time.Second

	// DefaultProtocol is the application protocol requested from peers.
	DefaultProtocol = "dominion-1.0"

	taskQueueSize = 64
)

var (
	// ErrDisposed is returned by operations on a disposed lifecycle.
	ErrDisposed = errors.New("lifecycle disposed")

	// ErrAlreadyInitialized is returned when Initialize is called on a
	// lifecycle that is already connecting or connected.
	ErrAlreadyInitialized = errors.New("lifecycle already initialized")
)

// Handler receives the upward notifications of a Lifecycle.
//
// ReportStatus is called from the lifecycle's worker goroutine. HandlePacket
// receives reassembled payloads on the transport's read goroutine. Neither may
// call Dispose.
type Handler interface {
	ReportStatus(status Status, detail Detail, reason string)
	HandlePacket(payload []byte)
}

// Conn is the per-peer transport primitive driven by a Lifecycle.
// *transport.PeerConnection implements it.
type Conn interface {
	ConnectToRemote(grid *transport.GridConnection, peer crypto.PeerID, protocol string) error
	Send(data []byte) error
	SetBlockingMode(blocking bool)
	Close() error
	Dispose()
}

// GridPool is the shared grid connection. *transport.Pool implements it.
type GridPool interface {
	AddUser()
	RemoveUser()
	Current() (*transport.GridConnection, bool)
}

// ConnFactory creates the connection for a lifecycle.
type ConnFactory func(events transport.Handler) Conn

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Lifecycle) {
		l.delay = d
	}
}

// WithScheduler replaces the wall clock used for reconnects.
func WithScheduler(s Scheduler) Option {
	return func(l *Lifecycle) {
		l.scheduler = s
	}
}

// WithProtocol overrides DefaultProtocol.
func WithProtocol(protocol string) Option {
	return func(l *Lifecycle) {
		l.protocol = protocol
	}
}

// WithConnFactory replaces the transport connection constructor.
func WithConnFactory(f ConnFactory) Option {
	return func(l *Lifecycle) {
		l.newConn = f
	}
}

type connRef struct {
	Conn
}

// Lifecycle manages the connection to one remote peer.
type Lifecycle struct {
	id        string
	handler   Handler
	delay     time.Duration
	scheduler Scheduler
	protocol  string
	newConn   ConnFactory

	tasks       chan func()
	quit        chan struct{}
	stopped     chan struct{}
	disposeOnce sync.Once

	// Owned by the worker goroutine.
	pool         GridPool
	peer         crypto.PeerID
	reconnect    Timer
	reconnectGen uint64

	// Read by Send outside the worker.
	conn atomic.Pointer[connRef]

	// Pending inbound message; fed by the read goroutine, failed by the worker.
	rxMu sync.Mutex
	rx   *chunk.Reassembler

	stateMu sync.RWMutex
	state   State
	reason  string

	notifyMu sync.RWMutex
	silenced bool
}

// New creates an idle lifecycle reporting to handler and starts its worker.
func New(handler Handler, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		id:        uuid.NewString()[:8],
		handler:   handler,
		delay:     DefaultReconnectDelay,
		scheduler: ClockScheduler{},
		protocol:  DefaultProtocol,
		newConn: func(events transport.Handler) Conn {
			return transport.NewPeerConnection(events)
		},
		tasks:   make(chan func(), taskQueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   StateIdle,
		rx:      chunk.NewReassembler(),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l
}

func (l *Lifecycle) run() {
	defer close(l.stopped)

	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.quit:
			return
		}
	}
}

// submit queues task on the worker. It returns false once the worker is gone.
func (l *Lifecycle) submit(task func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}

	select {
	case l.tasks <- task:
		return true
	case <-l.stopped:
		return false
	}
}

// call runs task on the worker and waits for it.
func (l *Lifecycle) call(task func()) bool {
	done := make(chan struct{})
	if !l.submit(func() {
		defer close(done)
		task()
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-l.stopped:
		return false
	}
}

// Initialize parses peerIDHex and starts connecting through pool. An invalid
// id is reported to the handler as a configuration error and returned; the
// lifecycle stays idle and may be initialized again.
func (l *Lifecycle) Initialize(peerIDHex string, pool GridPool) error {
	var err error
	if !l.call(func() { err = l.initialize(peerIDHex, pool) }) {
		return ErrDisposed
	}
	return err
}

func (l *Lifecycle) initialize(peerIDHex string, pool GridPool) error {
	if state := l.State(); state != StateIdle {
		if state == StateDisposed {
			return ErrDisposed
		}
		return ErrAlreadyInitialized
	}

	id, err := crypto.ParsePeerID(peerIDHex)
	if err != nil {
		msg := "Invalid peer ID"
		if errors.Is(err, crypto.ErrPeerIDNotSet) {
			msg = "Peer ID is not set"
		}
		logrus.WithFields(logrus.Fields{
			"function":  "Initialize",
			"lifecycle": l.id,
			"error":     err.Error(),
		}).Error(msg)
		l.setState(StateIdle, err.Error())
		l.notifyStatus(StatusOffline, DetailConfigurationError, err.Error())
		return err
	}

	pool.AddUser()
	l.pool = pool
	l.peer = id

	// Reported before the first attempt so the real status always follows it.
	l.notifyStatus(StatusUnknown, DetailNone, "")

	l.conn.Store(&connRef{l.newConn(&connEvents{l: l})})
	l.setState(StateConnecting, "")

	logrus.WithFields(logrus.Fields{
		"function":  "Initialize",
		"lifecycle": l.id,
		"peer":      id.Short(),
	}).Debug("Lifecycle initialized")

	l.submit(l.connect)
	return nil
}

// connect runs on the worker. It is the initial connect and every reconnect.
func (l *Lifecycle) connect() {
	ref := l.conn.Load()
	if ref == nil {
		// Stale reconnect of a disposed lifecycle.
		return
	}

	grid, ok := l.pool.Current()
	if !ok {
		reason := "grid connection unavailable"
		if p, ok := l.pool.(interface{ LastError() error }); ok && p.LastError() != nil {
			reason = fmt.Sprintf("%s: %v", reason, p.LastError())
		}
		l.goOffline(reason)
		return
	}

	l.setState(StateConnecting, "")
	logrus.WithFields(logrus.Fields{
		"function":  "connect",
		"lifecycle": l.id,
		"peer":      l.peer.String(),
		"protocol":  l.protocol,
	}).Info("Connecting to peer")

	if err := ref.ConnectToRemote(grid, l.peer, l.protocol); err != nil {
		if errors.Is(err, transport.ErrAlreadyConnected) {
			logrus.WithFields(logrus.Fields{
				"function":  "connect",
				"lifecycle": l.id,
			}).Debug("Connect already in progress")
			return
		}
		l.goOffline(fmt.Sprintf("connect to peer failed: %v", err))
	}
}

// handleTransportStatus runs on the worker.
func (l *Lifecycle) handleTransportStatus(state transport.State, reason error) {
	if l.conn.Load() == nil {
		return
	}

	switch state {
	case transport.StateConnected:
		l.armReceive()
		l.setState(StateOnline, "")
		logrus.WithFields(logrus.Fields{
			"function":  "handleTransportStatus",
			"lifecycle": l.id,
			"peer":      l.peer.Short(),
		}).Info("Connection established")
		l.notifyStatus(StatusOnline, DetailNone, "")

	case transport.StateFailed, transport.StateDisconnected:
		l.abortReceive()
		text := "connection " + state.String()
		if reason != nil {
			text = reason.Error()
		}
		l.goOffline(text)
	}
}

// goOffline runs on the worker.
func (l *Lifecycle) goOffline(reason string) {
	l.setState(StateOffline, reason)
	logrus.WithFields(logrus.Fields{
		"function":  "goOffline",
		"lifecycle": l.id,
		"peer":      l.peer.Short(),
		"reason":    reason,
		"retry_in":  l.delay.String(),
	}).Warn("Peer offline")

	l.notifyStatus(StatusOffline, DetailCommunicationError, reason)
	l.scheduleReconnect()
}

// scheduleReconnect runs on the worker. A superseded or stopped timer that
// already fired finds a newer generation and does nothing.
func (l *Lifecycle) scheduleReconnect() {
	if l.reconnect != nil {
		l.reconnect.Stop()
	}

	l.reconnectGen++
	gen := l.reconnectGen
	l.reconnect = l.scheduler.Schedule(l.delay, func() {
		l.submit(func() {
			if gen != l.reconnectGen {
				return
			}
			l.reconnect = nil
			l.connect()
		})
	})
}

// Dispose tears the lifecycle down. It blocks until the connection is closed
// and the pool reference released; afterwards no reconnect runs and the
// handler is not called again. Dispose is idempotent.
func (l *Lifecycle) Dispose() {
	l.disposeOnce.Do(func() {
		l.call(l.dispose)
		<-l.stopped
	})
}

func (l *Lifecycle) dispose() {
	l.notifyMu.Lock()
	l.silenced = true
	l.notifyMu.Unlock()

	l.setState(StateDisposed, "")

	ref := l.conn.Swap(nil)
	l.abortReceive()

	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
	l.reconnectGen++

	if ref != nil {
		ref.SetBlockingMode(true)
		ref.Close()
		ref.Dispose()
		logrus.WithFields(logrus.Fields{
			"function":  "Dispose",
			"lifecycle": l.id,
			"peer":      l.peer.Short(),
		}).Info("Connection closed")
	}

	if l.pool != nil {
		l.pool.RemoveUser()
		l.pool = nil
	}

	close(l.quit)
}

// Send writes data to the peer. It is best effort: data is dropped silently
// when no connection is established.
func (l *Lifecycle) Send(data []byte) {
	ref := l.conn.Load()
	if ref == nil {
		return
	}
	if err := ref.Send(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Send",
			"lifecycle": l.id,
			"size":      len(data),
			"error":     err.Error(),
		}).Debug("Dropped outbound data")
	}
}

// SendPacket sends the bytes of pkt.
func (l *Lifecycle) SendPacket(pkt Packet) {
	l.Send(pkt.Bytes())
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// Reason returns why the lifecycle is offline, or "" otherwise.
func (l *Lifecycle) Reason() string {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.reason
}

func (l *Lifecycle) setState(state State, reason string) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	if l.state == StateDisposed {
		return
	}
	l.state = state
	l.reason = reason
}

// notifyStatus runs on the worker.
func (l *Lifecycle) notifyStatus(status Status, detail Detail, reason string) {
	l.notifyMu.RLock()
	defer l.notifyMu.RUnlock()

	if l.silenced {
		return
	}
	l.handler.ReportStatus(status, detail, reason)
}

// receive feeds one delivery into the pending message. It returns the payload
// once the message is complete and arms a fresh reassembler for the next one.
func (l *Lifecycle) receive(data []byte) ([]byte, bool) {
	l.rxMu.Lock()
	defer l.rxMu.Unlock()

	switch l.rx.Deliver(data) {
	case chunk.Completed:
		payload, ok := l.rx.Wait()
		l.rx = chunk.NewReassembler()
		return payload, ok
	case chunk.ProtocolError:
		logrus.WithFields(logrus.Fields{
			"function":  "receive",
			"lifecycle": l.id,
			"size":      len(data),
		}).Warn("Discarding malformed message")
		l.rx = chunk.NewReassembler()
	}
	return nil, false
}

// abortReceive fails a partially received message and arms a fresh reassembler.
func (l *Lifecycle) abortReceive() {
	l.rxMu.Lock()
	defer l.rxMu.Unlock()

	l.rx.ForceFail()
	l.rx = chunk.NewReassembler()
}

// armReceive replaces a finished reassembler. A pending one is kept since
// deliveries on the new channel may already have reached it.
func (l *Lifecycle) armReceive() {
	l.rxMu.Lock()
	defer l.rxMu.Unlock()

	select {
	case <-l.rx.Done():
		l.rx = chunk.NewReassembler()
	default:
	}
}

// connEvents adapts transport callbacks onto the lifecycle.
type connEvents struct {
	l *Lifecycle
}

// OnDataReceived reassembles deliveries and hands complete messages to the
// handler. The transport is always acknowledged.
func (e *connEvents) OnDataReceived(data []byte) transport.Result {
	payload, ok := e.l.receive(data)
	if !ok {
		return transport.ResultOK
	}

	e.l.notifyMu.RLock()
	defer e.l.notifyMu.RUnlock()

	if !e.l.silenced {
		e.l.handler.HandlePacket(payload)
	}
	return transport.ResultOK
}

// OnStatusChanged queues the change on the worker.
func (e *connEvents) OnStatusChanged(state transport.State, reason error) {
	e.l.submit(func() {
		e.l.handleTransportStatus(state, reason)
	})
}
