package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/gridlink/chunk"
	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPeerHex = "F404ABAA1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67"

type report struct {
	status Status
	detail Detail
	reason string
}

type fakeHandler struct {
	reports chan report
	packets chan []byte
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		reports: make(chan report, 32),
		packets: make(chan []byte, 32),
	}
}

// ReportStatus drops reports the test is not keeping up with so a retry loop
// can never stall the worker.
func (h *fakeHandler) ReportStatus(status Status, detail Detail, reason string) {
	select {
	case h.reports <- report{status: status, detail: detail, reason: reason}:
	default:
	}
}

func (h *fakeHandler) HandlePacket(payload []byte) {
	select {
	case h.packets <- payload:
	default:
	}
}

func (h *fakeHandler) next(t *testing.T) report {
	t.Helper()
	select {
	case r := <-h.reports:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status report")
		return report{}
	}
}

type fakeConn struct {
	mu         sync.Mutex
	events     transport.Handler
	connects   int
	protocol   string
	peer       crypto.PeerID
	connectErr error
	sent       [][]byte
	blocking   bool
	closed     bool
	disposed   bool
}

func (c *fakeConn) ConnectToRemote(_ *transport.GridConnection, peer crypto.PeerID, protocol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.peer = peer
	c.protocol = protocol
	return c.connectErr
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) SetBlockingMode(blocking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocking = blocking
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
}

func (c *fakeConn) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

type fakePool struct {
	mu          sync.Mutex
	users       int
	unavailable bool
}

func (p *fakePool) AddUser() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users++
}

func (p *fakePool) RemoveUser() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.users == 0 {
		panic("unbalanced RemoveUser")
	}
	p.users--
}

func (p *fakePool) Current() (*transport.GridConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return nil, !p.unavailable
}

func (p *fakePool) setUnavailable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable = v
}

func (p *fakePool) userCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

// fakeScheduler records timers; tests fire them by hand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fireAll runs every recorded callback, including stopped ones, as if each
// timer fired just before it was cancelled.
func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.fn()
	}
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

type harness struct {
	handler   *fakeHandler
	conn      *fakeConn
	pool      *fakePool
	scheduler *fakeScheduler
	lc        *Lifecycle
	conns     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		handler:   newFakeHandler(),
		conn:      &fakeConn{},
		pool:      &fakePool{},
		scheduler: &fakeScheduler{},
	}
	h.lc = New(h.handler,
		WithScheduler(h.scheduler),
		WithConnFactory(func(events transport.Handler) Conn {
			h.conns++
			h.conn.events = events
			return h.conn
		}),
	)
	t.Cleanup(h.lc.Dispose)
	return h
}

// sync waits until every task queued so far has run.
func (h *harness) sync() {
	h.lc.call(func() {})
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, h.lc.Initialize(testPeerHex, h.pool))
	assert.Equal(t, report{status: StatusUnknown}, h.handler.next(t))
	h.sync()
}

func (h *harness) goOnline(t *testing.T) {
	t.Helper()
	h.conn.events.OnStatusChanged(transport.StateConnected, nil)
	assert.Equal(t, report{status: StatusOnline}, h.handler.next(t))
	assert.Equal(t, StateOnline, h.lc.State())
}

func TestInitializeInvalidPeerID(t *testing.T) {
	for _, id := range []string{"", "nothex", "F404ABAA", "0000000000000000000000000000000000000000000000000000000000000000"} {
		t.Run(id, func(t *testing.T) {
			h := newHarness(t)

			err := h.lc.Initialize(id, h.pool)
			assert.ErrorIs(t, err, crypto.ErrInvalidPeerID)

			r := h.handler.next(t)
			assert.Equal(t, StatusOffline, r.status)
			assert.Equal(t, DetailConfigurationError, r.detail)
			assert.NotEmpty(t, r.reason)

			h.sync()
			assert.Equal(t, StateIdle, h.lc.State())
			assert.NotEmpty(t, h.lc.Reason())
			assert.Equal(t, 0, h.conns)
			assert.Equal(t, 0, h.pool.userCount())
			assert.Empty(t, h.scheduler.pending())
		})
	}
}

func TestInitializeUnsetPeerID(t *testing.T) {
	for _, id := range []string{"  ", "0000000000000000000000000000000000000000000000000000000000000000"} {
		h := newHarness(t)

		err := h.lc.Initialize(id, h.pool)
		assert.ErrorIs(t, err, crypto.ErrPeerIDNotSet)

		r := h.handler.next(t)
		assert.Equal(t, DetailConfigurationError, r.detail)
		assert.Contains(t, r.reason, "not set")
	}
}

func TestReinitializeAfterConfigurationError(t *testing.T) {
	h := newHarness(t)

	require.Error(t, h.lc.Initialize("bogus", h.pool))
	h.handler.next(t)

	h.initialize(t)
	assert.Equal(t, 1, h.conn.connectCount())
	assert.Equal(t, 1, h.pool.userCount())
}

func TestInitializeConnectsAndGoesOnline(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	assert.Equal(t, StateConnecting, h.lc.State())
	assert.Equal(t, 1, h.pool.userCount())
	assert.Equal(t, 1, h.conn.connectCount())
	assert.Equal(t, DefaultProtocol, h.conn.protocol)
	assert.Equal(t, crypto.MustParsePeerID(testPeerHex), h.conn.peer)

	h.goOnline(t)
	assert.Empty(t, h.lc.Reason())
}

func TestInitializeTwice(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	assert.ErrorIs(t, h.lc.Initialize(testPeerHex, h.pool), ErrAlreadyInitialized)
	assert.Equal(t, 1, h.pool.userCount())
}

func TestPoolUnavailableSchedulesReconnect(t *testing.T) {
	h := newHarness(t)
	h.pool.setUnavailable(true)
	h.initialize(t)

	r := h.handler.next(t)
	assert.Equal(t, StatusOffline, r.status)
	assert.Equal(t, DetailCommunicationError, r.detail)
	assert.Contains(t, r.reason, "unavailable")
	assert.Equal(t, StateOffline, h.lc.State())
	assert.Contains(t, h.lc.Reason(), "unavailable")
	assert.Equal(t, 0, h.conn.connectCount())

	pending := h.scheduler.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, DefaultReconnectDelay, pending[0].delay)

	h.pool.setUnavailable(false)
	h.scheduler.fireAll()
	h.sync()

	assert.Equal(t, 1, h.conn.connectCount())
	assert.Equal(t, StateConnecting, h.lc.State())
	h.goOnline(t)
}

func TestDisconnectSchedulesReconnect(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	h.goOnline(t)

	h.conn.events.OnStatusChanged(transport.StateDisconnected, transport.ErrChannelClosed)

	r := h.handler.next(t)
	assert.Equal(t, StatusOffline, r.status)
	assert.Equal(t, DetailCommunicationError, r.detail)
	assert.Equal(t, transport.ErrChannelClosed.Error(), r.reason)
	require.Len(t, h.scheduler.pending(), 1)

	h.scheduler.fireAll()
	h.sync()
	assert.Equal(t, 2, h.conn.connectCount())
	assert.Equal(t, 1, h.conns, "the connection is reused across reconnects")
}

func TestConnectErrorGoesOffline(t *testing.T) {
	h := newHarness(t)
	h.conn.connectErr = errors.New("write failed")
	h.initialize(t)

	r := h.handler.next(t)
	assert.Equal(t, StatusOffline, r.status)
	assert.Contains(t, r.reason, "write failed")
	assert.Len(t, h.scheduler.pending(), 1)
}

func TestConnectAlreadyInProgressIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.conn.connectErr = transport.ErrAlreadyConnected
	h.initialize(t)

	assert.Equal(t, StateConnecting, h.lc.State())
	assert.Empty(t, h.scheduler.pending())
	assert.Len(t, h.handler.reports, 0)
}

func TestSingleOutstandingReconnect(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.conn.events.OnStatusChanged(transport.StateFailed, errors.New("rejected"))
	h.handler.next(t)
	h.conn.events.OnStatusChanged(transport.StateFailed, errors.New("rejected again"))
	h.handler.next(t)
	h.sync()

	assert.Len(t, h.scheduler.pending(), 1)

	// Both callbacks run, as if the first fired just before being superseded.
	h.scheduler.fireAll()
	h.sync()
	assert.Equal(t, 2, h.conn.connectCount())
}

func TestDisposeCancelsReconnect(t *testing.T) {
	h := newHarness(t)
	h.pool.setUnavailable(true)
	h.initialize(t)
	h.handler.next(t)

	pending := h.scheduler.pending()
	require.Len(t, pending, 1)

	h.lc.Dispose()

	assert.True(t, pending[0].stopped)
	assert.Equal(t, StateDisposed, h.lc.State())
	assert.Equal(t, 0, h.pool.userCount())
	assert.True(t, h.conn.blocking)
	assert.True(t, h.conn.closed)
	assert.True(t, h.conn.disposed)

	h.pool.setUnavailable(false)
	h.scheduler.fireAll()
	h.scheduler.fireAll()

	assert.Equal(t, 0, h.conn.connectCount())
	assert.Len(t, h.handler.reports, 0)
}

func TestDisposeSilencesTransportEvents(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	h.goOnline(t)
	events := h.conn.events

	h.lc.Dispose()

	events.OnStatusChanged(transport.StateDisconnected, transport.ErrGridClosed)
	assert.Equal(t, transport.ResultOK, events.OnDataReceived([]byte("late")))

	assert.Len(t, h.handler.reports, 0)
	assert.Len(t, h.handler.packets, 0)
	assert.Empty(t, h.scheduler.pending())
}

func TestDisposeIdempotent(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.lc.Dispose()
	h.lc.Dispose()

	assert.Equal(t, 0, h.pool.userCount())
	assert.ErrorIs(t, h.lc.Initialize(testPeerHex, h.pool), ErrDisposed)
}

func TestDisposeBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	h.lc.Dispose()

	assert.Equal(t, StateDisposed, h.lc.State())
	assert.Equal(t, 0, h.pool.userCount())
}

func TestSendIsBestEffort(t *testing.T) {
	h := newHarness(t)

	h.lc.Send([]byte("dropped"))

	h.initialize(t)
	h.lc.Send([]byte("one"))
	h.lc.SendPacket(RawPacket("two"))
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, h.conn.sent)

	h.lc.Dispose()
	h.lc.Send([]byte("late"))
	assert.Len(t, h.conn.sent, 2)
}

func TestPacketsReachHandler(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	h.goOnline(t)

	assert.Equal(t, transport.ResultOK, h.conn.events.OnDataReceived([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x01, 0x02}, <-h.handler.packets)
}

func TestChunkedMessageReachesHandlerWhole(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	h.goOnline(t)

	parts := chunk.Split([]byte("HIYOU-and-more"), 10)
	require.Len(t, parts, 3)
	for _, part := range parts {
		assert.Equal(t, transport.ResultOK, h.conn.events.OnDataReceived(part))
	}

	assert.Equal(t, []byte("HIYOU-and-more"), <-h.handler.packets)
	assert.Len(t, h.handler.packets, 0)

	// The next message starts a fresh reassembly.
	h.conn.events.OnDataReceived([]byte{0x07})
	assert.Equal(t, []byte{0x07}, <-h.handler.packets)
}

func TestDisconnectDropsPartialMessage(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	h.goOnline(t)

	parts := chunk.Split([]byte("a message that never finishes"), 12)
	h.conn.events.OnDataReceived(parts[0])
	h.conn.events.OnStatusChanged(transport.StateDisconnected, transport.ErrChannelClosed)
	assert.Equal(t, StatusOffline, h.handler.next(t).status)

	h.scheduler.fireAll()
	h.sync()
	h.goOnline(t)

	// The tail of the old message is not glued onto the next one.
	h.conn.events.OnDataReceived([]byte("fresh"))
	assert.Equal(t, []byte("fresh"), <-h.handler.packets)
	assert.Len(t, h.handler.packets, 0)
}

func TestWithReconnectDelay(t *testing.T) {
	h := &harness{handler: newFakeHandler(), pool: &fakePool{unavailable: true}, scheduler: &fakeScheduler{}, conn: &fakeConn{}}
	h.lc = New(h.handler,
		WithScheduler(h.scheduler),
		WithReconnectDelay(250*time.Millisecond),
		WithProtocol("custom-2.0"),
		WithConnFactory(func(events transport.Handler) Conn {
			h.conn.events = events
			return h.conn
		}),
	)
	defer h.lc.Dispose()

	h.initialize(t)
	h.handler.next(t)

	pending := h.scheduler.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 250*time.Millisecond, pending[0].delay)

	h.pool.setUnavailable(false)
	h.scheduler.fireAll()
	h.sync()
	assert.Equal(t, "custom-2.0", h.conn.protocol)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "OFFLINE", StatusOffline.String())
	assert.Equal(t, "COMMUNICATION_ERROR", DetailCommunicationError.String())
	assert.Equal(t, "DISPOSED", StateDisposed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
