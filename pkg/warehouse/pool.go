package warehouse

import (
	"context"
	"sync"
	"time"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

// keepalivePingTimeout bounds a single keepalive ping.
const keepalivePingTimeout = 10 * time.Second

// PoolConfig configures a session pool.
type PoolConfig struct {
	// Capacity is the maximum number of live sessions. Minimum 1.
	Capacity int

	// AcquireTimeout bounds how long Acquire waits for a free session.
	// Zero means wait until the caller's context expires.
	AcquireTimeout time.Duration

	// KeepaliveInterval is the ping period for leased sessions. Zero
	// disables keepalive.
	KeepaliveInterval time.Duration

	Dial Dialer
}

// Pool is a bounded session pool. Sessions are dialed lazily up to
// capacity; when all are leased, acquirers queue and are served in FIFO
// order. Sessions returned unhealthy are closed and replaced.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	idle    []Session
	waiters []chan Session
	open    int
	closed  bool
}

// NewPool builds a pool. Capacity below 1 is rejected.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Capacity < 1 {
		return nil, loaderr.New(loaderr.KindConfigInvalid, "pool capacity must be at least 1")
	}
	if cfg.Dial == nil {
		return nil, loaderr.New(loaderr.KindConfigInvalid, "pool requires a dialer")
	}
	return &Pool{cfg: cfg}, nil
}

// Lease is one checked-out session. Release returns it to the pool and
// stops its keepalive; a lease must not be used after Release.
type Lease struct {
	Session

	pool *Pool
	stop chan struct{}
	once sync.Once
}

// Release hands the session back. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.stop != nil {
			close(l.stop)
		}
		l.pool.release(l.Session)
	})
}

// Acquire leases a session, dialing a new one when under capacity and
// queueing FIFO when not. Waits at most the configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, loaderr.New(loaderr.KindConnectionLost, "session pool is closed")
		}

		if len(p.idle) > 0 {
			s := p.idle[0]
			p.idle = p.idle[1:]
			if !s.Healthy() {
				p.open--
				p.mu.Unlock()
				_ = s.Close(ctx)
				continue
			}
			p.mu.Unlock()
			return p.lease(s), nil
		}

		if p.open < p.cfg.Capacity {
			p.open++
			p.mu.Unlock()
			s, err := p.cfg.Dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.mu.Unlock()
				return nil, loaderr.Wrap(loaderr.KindConnectionLost, "session dial failed", err)
			}
			return p.lease(s), nil
		}

		w := make(chan Session, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		s, err := p.wait(ctx, w)
		if err != nil {
			return nil, err
		}
		return p.lease(s), nil
	}
}

// wait blocks on a waiter slot until a session arrives, the acquire
// timeout fires, or the context is cancelled.
func (p *Pool) wait(ctx context.Context, w chan Session) (Session, error) {
	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		t := time.NewTimer(p.cfg.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case s, ok := <-w:
		if !ok {
			return nil, loaderr.New(loaderr.KindConnectionLost, "session pool is closed")
		}
		return s, nil
	case <-timeout:
		p.abandon(w)
		return nil, loaderr.New(loaderr.KindTimeout, "timed out waiting for a warehouse session")
	case <-ctx.Done():
		p.abandon(w)
		return nil, loaderr.Wrap(loaderr.KindCancelled, "acquire cancelled", ctx.Err())
	}
}

// abandon removes a waiter that gave up. A session delivered in the race
// window is rerouted back into the pool.
func (p *Pool) abandon(w chan Session) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case s, ok := <-w:
		if ok {
			p.release(s)
		}
	default:
	}
}

// lease wraps a session and starts its keepalive ticker.
func (p *Pool) lease(s Session) *Lease {
	l := &Lease{Session: s, pool: p}
	if p.cfg.KeepaliveInterval > 0 {
		l.stop = make(chan struct{})
		go p.keepalive(s, l.stop)
	}
	return l
}

// keepalive pings a leased session at the configured interval so the
// warehouse's idle session reaper never collects it mid-load.
func (p *Pool) keepalive(s Session, stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), keepalivePingTimeout)
			err := s.Ping(ctx)
			cancel()
			if err != nil {
				logger.Warn("session keepalive ping failed",
					logger.KeySession, s.ID(),
					"error", err)
			}
		}
	}
}

// release returns a session to the pool, handing it to the oldest waiter
// when one is queued. Unhealthy sessions are closed instead, and a
// replacement is dialed if a waiter needs one.
func (p *Pool) release(s Session) {
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		_ = s.Close(context.Background())
		return
	}

	if !s.Healthy() {
		p.open--
		needRefill := len(p.waiters) > 0
		p.mu.Unlock()
		_ = s.Close(context.Background())
		if needRefill {
			p.refill()
		}
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- s
		return
	}

	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// refill dials a replacement session for queued waiters after an
// unhealthy session was retired.
func (p *Pool) refill() {
	p.mu.Lock()
	if p.closed || len(p.waiters) == 0 || p.open >= p.cfg.Capacity {
		p.mu.Unlock()
		return
	}
	p.open++
	p.mu.Unlock()

	go func() {
		s, err := p.cfg.Dial(context.Background())
		if err != nil {
			logger.Warn("replacement session dial failed", "error", err)
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			return
		}
		p.release(s)
	}()
}

// Close shuts the pool: idle sessions are closed, queued waiters fail
// immediately, leased sessions are closed as they are released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	waiters := p.waiters
	p.idle = nil
	p.waiters = nil
	p.open -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	var firstErr error
	for _, s := range idle {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports pool occupancy for logs and metrics.
func (p *Pool) Stats() (open, idle, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle), len(p.waiters)
}
