package pool

import (
	"context"
	"http-engine/lib/ds/queue"
	"http-engine/transport"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrPoolClosed = errors.New("connection pool is closed")

type Options struct {
	// MaxConnsPerGroup caps open connections per endpoint and proxy.
	// Zero means no limit.
	MaxConnsPerGroup int `yaml:"max_conns_per_group"`
	// MaxIdlePerGroup caps idle connections kept per group.
	MaxIdlePerGroup int `yaml:"max_idle_per_group"`
	// IdleTimeout closes connections idle for longer.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

func DefaultOptions() Options {
	return Options{
		MaxConnsPerGroup: 6,
		MaxIdlePerGroup:  6,
		IdleTimeout:      90 * time.Second,
	}
}

type Pool struct {
	dialer transport.ConnDialer
	opts   Options
	logger *slog.Logger
	clock  clock.Clock

	// ctx outlives waiters and ends with Close. Dials started on behalf
	// of a waiter run under it.
	ctx    context.Context
	cancel context.CancelFunc
	dials  sync.WaitGroup

	mu     sync.Mutex // guards the fields below
	groups map[groupKey]*group
	closed bool
}

type group struct {
	idle []*Lease
	// open counts leased, idle and dialing connections.
	open    int
	waiters *queue.PriorityQueue[*waiter]
}

type waiter struct {
	req *Request

	satisfied bool
	// abandoned is set when the waiter gave up after being handed a dial.
	abandoned bool
	result    chan acquired
}

type acquired struct {
	lease *Lease
	err   error
}

func New(dialer transport.ConnDialer, logger *slog.Logger, clock clock.Clock, opts Options) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		dialer: dialer,
		opts:   opts,
		logger: logger,
		clock:  clock,
		groups: make(map[groupKey]*group),
	}
}

func (p *Pool) group(key groupKey) *group {
	g, ok := p.groups[key]
	if !ok {
		g = &group{waiters: queue.NewPriority(func(a, b *waiter) bool {
			return a.req.priority > b.req.priority
		})}
		p.groups[key] = g
	}
	return g
}

// Acquire returns an idle connection of the request's group or dials a
// new one. Once the group is at its limit the call waits, in priority
// order, for a release.
func (p *Pool) Acquire(ctx context.Context, req *Request) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	g := p.group(req.key())

	if !req.ForceFresh {
		if lease := p.takeIdleLocked(g); lease != nil {
			p.mu.Unlock()
			lease.Priority = req.priority
			return lease, nil
		}
	}

	if p.hasRoomLocked(g) {
		g.open++
		p.mu.Unlock()
		return p.dial(ctx, req, g)
	}

	if req.ForceFresh && len(g.idle) > 0 {
		// Make room by dropping the oldest idle connection.
		p.closeLocked(g, g.idle[0])
		g.idle = g.idle[1:]
		g.open++
		p.mu.Unlock()
		return p.dial(ctx, req, g)
	}

	w := &waiter{req: req, result: make(chan acquired, 1)}
	g.waiters.Enqueue(w)
	p.mu.Unlock()

	select {
	case res := <-w.result:
		return res.lease, res.err
	case <-ctx.Done():
		p.mu.Lock()
		if !w.satisfied {
			w.satisfied = true
			g.waiters.Remove(func(o *waiter) bool { return o == w })
			p.mu.Unlock()
			return nil, ctx.Err()
		}

		// Satisfied but not yet delivered: take a handed over lease now,
		// or leave a pending dial to release its own result.
		var late *Lease
		select {
		case res := <-w.result:
			late = res.lease
		default:
			w.abandoned = true
		}
		p.mu.Unlock()

		if late != nil {
			p.Release(late, true)
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) hasRoomLocked(g *group) bool {
	return p.opts.MaxConnsPerGroup <= 0 || g.open < p.opts.MaxConnsPerGroup
}

// takeIdleLocked pops the most recently used idle lease that has not
// timed out.
func (p *Pool) takeIdleLocked(g *group) *Lease {
	for len(g.idle) > 0 {
		last := len(g.idle) - 1
		lease := g.idle[last]
		g.idle = g.idle[:last]

		if p.expired(lease) {
			p.closeLocked(g, lease)
			continue
		}

		lease.idleAt = time.Time{}
		if lease.preconnected {
			lease.preconnected = false
			lease.Reuse = Preconnected
		} else {
			lease.Reuse = Reused
		}
		return lease
	}
	return nil
}

func (p *Pool) expired(lease *Lease) bool {
	if p.opts.IdleTimeout <= 0 {
		return false
	}
	return p.clock.Since(lease.idleAt) >= p.opts.IdleTimeout
}

// closeLocked closes a connection that is no longer tracked by g.
func (p *Pool) closeLocked(g *group, lease *Lease) {
	g.open--
	_ = lease.Conn.Close()
}

func (p *Pool) dial(ctx context.Context, req *Request, g *group) (*Lease, error) {
	c, err := p.dialer.Dial(ctx, req.dialAddr())
	if err != nil {
		p.mu.Lock()
		g.open--
		p.serveWaiterLocked(g)
		p.mu.Unlock()
		return nil, errors.Wrapf(err, "connecting to %s", req.dialAddr())
	}

	p.logger.Debug("Connected",
		slog.String("endpoint", req.Endpoint.String()),
		slog.String("kind", req.Kind().String()),
	)
	return newLease(c, req), nil
}

// Release gives the lease back. A reusable connection is handed to the
// next waiter or kept idle; anything else is closed.
func (p *Pool) Release(lease *Lease, reusable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g := p.group(lease.key)

	if !reusable || p.closed {
		p.closeLocked(g, lease)
		p.serveWaiterLocked(g)
		return
	}

	for g.waiters.Len() > 0 {
		w, _ := g.waiters.Dequeue()
		if w.satisfied {
			continue
		}
		if w.req.ForceFresh {
			// Trade the connection for a new one.
			p.closeLocked(g, lease)
			p.dialForLocked(w, g)
			return
		}

		lease.Reuse = Reused
		if lease.preconnected {
			lease.preconnected = false
			lease.Reuse = Preconnected
		}
		lease.Priority = w.req.priority
		w.satisfied = true
		w.result <- acquired{lease: lease}
		return
	}

	lease.idleAt = p.clock.Now()
	g.idle = append(g.idle, lease)
	if p.opts.MaxIdlePerGroup > 0 && len(g.idle) > p.opts.MaxIdlePerGroup {
		p.closeLocked(g, g.idle[0])
		g.idle = g.idle[1:]
	}
}

// serveWaiterLocked dials for the first live waiter if the group has
// room.
func (p *Pool) serveWaiterLocked(g *group) {
	for g.waiters.Len() > 0 && p.hasRoomLocked(g) {
		w, _ := g.waiters.Dequeue()
		if w.satisfied {
			continue
		}
		p.dialForLocked(w, g)
		return
	}
}

// dialForLocked satisfies w with a connection dialed in the background.
func (p *Pool) dialForLocked(w *waiter, g *group) {
	w.satisfied = true
	if p.closed {
		w.result <- acquired{err: ErrPoolClosed}
		return
	}

	g.open++
	p.dials.Add(1)
	go func() {
		defer p.dials.Done()

		lease, err := p.dial(p.ctx, w.req, g)

		p.mu.Lock()
		abandoned := w.abandoned
		if !abandoned {
			w.result <- acquired{lease: lease, err: err}
		}
		p.mu.Unlock()

		if abandoned && lease != nil {
			p.Release(lease, true)
		}
	}()
}

// Reprioritize changes the priority of a leased connection. HTTP/1.1
// has one stream per connection, so only the lease records it.
func (p *Pool) Reprioritize(lease *Lease, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease.Priority = priority
}

// SetPriority changes the priority of a request that may be waiting.
func (p *Pool) SetPriority(req *Request, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req.priority = priority
	if g, ok := p.groups[req.key()]; ok {
		g.waiters.Fix()
	}
}

// Preconnect dials up to n connections ahead of need and parks them idle.
func (p *Pool) Preconnect(ctx context.Context, req *Request, n int) error {
	for range n {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		g := p.group(req.key())
		if !p.hasRoomLocked(g) {
			p.mu.Unlock()
			return nil
		}
		g.open++
		p.mu.Unlock()

		lease, err := p.dial(ctx, req, g)
		if err != nil {
			return err
		}
		lease.preconnected = true
		p.Release(lease, true)
	}
	return nil
}

// CloseIdle closes every idle connection.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, g := range p.groups {
		for _, lease := range g.idle {
			p.closeLocked(g, lease)
		}
		g.idle = nil
	}
}

// IdleCount reports idle connections of the request's group.
func (p *Pool) IdleCount(req *Request) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.groups[req.key()]; ok {
		return len(g.idle)
	}
	return 0
}

// Close closes idle connections, fails waiters and refuses further
// requests. Background dials are cancelled and waited for. Leased
// connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	for _, g := range p.groups {
		for g.waiters.Len() > 0 {
			w, _ := g.waiters.Dequeue()
			if !w.satisfied {
				w.satisfied = true
				w.result <- acquired{err: ErrPoolClosed}
			}
		}
	}
	p.mu.Unlock()

	p.cancel()
	p.CloseIdle()
	p.dials.Wait()
	return nil
}
