package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EstablishFunc creates the shared grid connection.
type EstablishFunc func(ctx context.Context) (*GridConnection, error)

// Pool is the process-wide, reference-counted handle to the one grid
// connection shared by every peer. The connection is established when the first
// user arrives and torn down when the last one leaves.
type Pool struct {
	establish   EstablishFunc
	timeout     time.Duration
	reestablish bool

	mu      sync.Mutex
	users   int
	grid    *GridConnection
	err     error
	epoch   uint64
	pending *establishAttempt
}

// establishAttempt is one in-flight dial. Callers that find it pending wait
// on done and then read the outcome from the pool.
type establishAttempt struct {
	epoch uint64
	done  chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithEstablishTimeout bounds each establishment attempt.
func WithEstablishTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.timeout = d
	}
}

// WithReestablish makes Current re-establish a lost or failed grid connection
// while the pool has users. Without it a failed connection stays unavailable
// until the user count drops to zero and rises again.
func WithReestablish() PoolOption {
	return func(p *Pool) {
		p.reestablish = true
	}
}

// NewPool creates a pool that uses establish to create the grid connection.
func NewPool(establish EstablishFunc, opts ...PoolOption) *Pool {
	p := &Pool{
		establish: establish,
		timeout:   DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewGridPool creates a pool dialing the gateway described by cfg.
func NewGridPool(cfg DialConfig, opts ...PoolOption) *Pool {
	return NewPool(func(ctx context.Context) (*GridConnection, error) {
		return Dial(ctx, cfg)
	}, opts...)
}

// AddUser registers a user; the first user establishes the grid connection and
// waits for the attempt. A failed establishment is logged and leaves the pool
// without a connection.
func (p *Pool) AddUser() {
	p.mu.Lock()
	p.users++
	logrus.WithFields(logrus.Fields{
		"function": "AddUser",
		"users":    p.users,
	}).Debug("Grid pool user added")

	var attempt *establishAttempt
	if p.users == 1 {
		attempt = p.startEstablishLocked()
	}
	p.mu.Unlock()

	if attempt != nil {
		p.runEstablish(attempt)
	}
}

// RemoveUser unregisters a user; the last user tears the connection down.
// Calling it without a matching AddUser is a programming error and panics.
func (p *Pool) RemoveUser() {
	p.mu.Lock()
	if p.users == 0 {
		p.mu.Unlock()
		panic("transport: Pool.RemoveUser called without matching AddUser")
	}

	p.users--
	logrus.WithFields(logrus.Fields{
		"function": "RemoveUser",
		"users":    p.users,
	}).Debug("Grid pool user removed")

	var grid *GridConnection
	if p.users == 0 {
		grid = p.grid
		p.grid = nil
		p.err = nil
		// An attempt still dialing belongs to the old epoch; its result is discarded.
		p.epoch++
		p.pending = nil
	}
	p.mu.Unlock()

	if grid != nil {
		grid.Close()
		logrus.WithField("function", "RemoveUser").Info("Grid connection released")
	}
}

// Current returns the live grid connection, or false when none is available.
// It waits for an establishment already in flight.
func (p *Pool) Current() (*GridConnection, bool) {
	p.mu.Lock()
	if p.users == 0 {
		p.mu.Unlock()
		return nil, false
	}
	if p.grid != nil && p.grid.IsClosed() {
		p.err = p.grid.Err()
		p.grid = nil
	}

	attempt, owner := p.pending, false
	if p.grid == nil && attempt == nil && p.reestablish {
		attempt, owner = p.startEstablishLocked(), true
	}
	if attempt == nil {
		grid := p.grid
		p.mu.Unlock()
		return grid, grid != nil
	}
	p.mu.Unlock()

	if owner {
		p.runEstablish(attempt)
	} else {
		<-attempt.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grid, p.grid != nil
}

// Users returns the current user count.
func (p *Pool) Users() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users
}

// LastError returns why the connection is unavailable, if known.
func (p *Pool) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// startEstablishLocked registers a new attempt. Callers hold p.mu and must run
// the attempt with runEstablish after releasing it.
func (p *Pool) startEstablishLocked() *establishAttempt {
	attempt := &establishAttempt{
		epoch: p.epoch,
		done:  make(chan struct{}),
	}
	p.pending = attempt
	return attempt
}

// runEstablish dials without holding p.mu, so users of other peers are never
// blocked behind it. A connection that arrives after the last user left is
// closed.
func (p *Pool) runEstablish(attempt *establishAttempt) {
	defer close(attempt.done)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	grid, err := p.establish(ctx)

	p.mu.Lock()
	stale := attempt.epoch != p.epoch
	if !stale {
		p.pending = nil
		if err != nil {
			p.err = err
		} else {
			p.grid = grid
			p.err = nil
		}
	}
	p.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "establish",
			"error":    err.Error(),
		}).Error("Grid connection failed")
		return
	}
	if stale {
		logrus.WithFields(logrus.Fields{
			"function": "establish",
			"grid_id":  grid.ID(),
		}).Debug("Discarding grid connection established after last user left")
		grid.Close()
	}
}
