package pool

import (
	"context"
	"http-engine/application/http"
	"http-engine/transport"
	"http-engine/transport/mock"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type stubDialer struct {
	mu    sync.Mutex
	conns []*mock.Conn
	addrs []string
	err   error
	// gate, when set, holds dials until it is closed or ctx ends.
	gate chan struct{}
}

func (d *stubDialer) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	c := mock.NewConn()
	d.conns = append(d.conns, c)
	d.addrs = append(d.addrs, addr.String())
	return c, nil
}

func (d *stubDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type PoolTestSuite struct {
	suite.Suite

	dialer *stubDialer
	clock  *clock.Mock
	pool   *Pool
	origin http.Origin
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) SetupTest() {
	s.dialer = &stubDialer{}
	s.clock = clock.NewMock()
	s.origin = http.Origin{Scheme: "http", Host: "example.com", Port: 80}

	opts := DefaultOptions()
	opts.MaxConnsPerGroup = 1
	s.pool = New(s.dialer, slog.New(slog.DiscardHandler), s.clock, opts)
}

func (s *PoolTestSuite) TearDownTest() {
	s.Require().NoError(s.pool.Close())
	goleak.VerifyNone(s.T())
}

func (s *PoolTestSuite) request(priority int) *Request {
	return NewRequest(s.origin, nil, priority)
}

func (s *PoolTestSuite) waiters(req *Request) uint {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.pool.groups[req.key()].waiters.Len()
}

func (s *PoolTestSuite) TestReuse() {
	lease, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.Equal(Fresh, lease.Reuse)
	s.Equal(Direct, lease.Kind)

	s.pool.Release(lease, true)
	s.Equal(1, s.pool.IdleCount(s.request(0)))

	again, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.Equal(Reused, again.Reuse)
	s.Same(lease.Conn, again.Conn)
	s.Equal(1, s.dialer.dials())
	s.pool.Release(again, false)
}

func (s *PoolTestSuite) TestNotReusableIsClosed() {
	lease, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)

	s.pool.Release(lease, false)
	s.True(lease.Conn.(*mock.Conn).IsClosed())
	s.Equal(0, s.pool.IdleCount(s.request(0)))

	next, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.Equal(Fresh, next.Reuse)
	s.pool.Release(next, false)
}

func (s *PoolTestSuite) TestForceFresh() {
	lease, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.pool.Release(lease, true)

	req := s.request(0)
	req.ForceFresh = true
	fresh, err := s.pool.Acquire(context.Background(), req)
	s.Require().NoError(err)
	s.Equal(Fresh, fresh.Reuse)
	s.NotSame(lease.Conn, fresh.Conn)
	// The idle connection made room for the new one.
	s.True(lease.Conn.(*mock.Conn).IsClosed())
	s.pool.Release(fresh, false)
}

func (s *PoolTestSuite) TestIdleTimeout() {
	lease, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.pool.Release(lease, true)

	s.clock.Add(DefaultOptions().IdleTimeout)

	next, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.Equal(Fresh, next.Reuse)
	s.True(lease.Conn.(*mock.Conn).IsClosed())
	s.pool.Release(next, false)
}

func (s *PoolTestSuite) TestWaitersByPriority() {
	held, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)

	low, high := s.request(1), s.request(1)
	results := make(chan *Request, 2)
	leases := make(chan *Lease, 2)

	for _, req := range []*Request{low, high} {
		go func() {
			lease, err := s.pool.Acquire(context.Background(), req)
			s.NoError(err)
			results <- req
			leases <- lease
		}()
		s.Eventually(func() bool { return s.waiters(low) > 0 }, time.Second, time.Millisecond)
	}
	s.Eventually(func() bool { return s.waiters(low) == 2 }, time.Second, time.Millisecond)

	s.pool.SetPriority(high, 5)

	s.pool.Release(held, true)
	s.Same(high, <-results)
	first := <-leases
	s.Equal(Reused, first.Reuse)
	s.Equal(5, first.Priority)

	s.pool.Release(first, true)
	s.Same(low, <-results)
	s.pool.Release(<-leases, false)
}

func (s *PoolTestSuite) TestWaiterGetsDialAfterClose() {
	held, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)

	done := make(chan *Lease)
	go func() {
		lease, err := s.pool.Acquire(context.Background(), s.request(0))
		s.NoError(err)
		done <- lease
	}()
	s.Eventually(func() bool { return s.waiters(s.request(0)) == 1 }, time.Second, time.Millisecond)

	s.pool.Release(held, false)
	lease := <-done
	s.Equal(Fresh, lease.Reuse)
	s.Equal(2, s.dialer.dials())
	s.pool.Release(lease, false)
}

func (s *PoolTestSuite) TestAcquireCancelled() {
	held, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error)
	go func() {
		_, err := s.pool.Acquire(ctx, s.request(0))
		errs <- err
	}()
	s.Eventually(func() bool { return s.waiters(s.request(0)) == 1 }, time.Second, time.Millisecond)

	cancel()
	s.ErrorIs(<-errs, context.Canceled)
	s.Equal(uint(0), s.waiters(s.request(0)))

	s.pool.Release(held, true)
	s.Equal(1, s.pool.IdleCount(s.request(0)))
}

// holdDial makes the next background dial wait for the returned gate.
func (s *PoolTestSuite) holdDial() chan struct{} {
	gate := make(chan struct{})
	s.dialer.mu.Lock()
	s.dialer.gate = gate
	s.dialer.mu.Unlock()
	return gate
}

// waitBehindDial queues an Acquire behind held, then releases held as
// broken so that the waiter is handed a background dial.
func (s *PoolTestSuite) waitBehindDial(ctx context.Context, held *Lease) chan error {
	errs := make(chan error, 1)
	go func() {
		lease, err := s.pool.Acquire(ctx, s.request(0))
		if lease != nil {
			s.pool.Release(lease, false)
		}
		errs <- err
	}()
	s.Eventually(func() bool { return s.waiters(s.request(0)) == 1 }, time.Second, time.Millisecond)

	s.pool.Release(held, false)
	s.Eventually(func() bool { return s.waiters(s.request(0)) == 0 }, time.Second, time.Millisecond)
	return errs
}

func (s *PoolTestSuite) TestCancelledWaiterDoesNotWaitForDial() {
	held, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	gate := s.holdDial()

	ctx, cancel := context.WithCancel(context.Background())
	errs := s.waitBehindDial(ctx, held)

	cancel()
	select {
	case err := <-errs:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.FailNow("Acquire blocked on the background dial")
	}

	// The abandoned dial parks its connection.
	close(gate)
	s.Eventually(func() bool { return s.pool.IdleCount(s.request(0)) == 1 }, time.Second, time.Millisecond)
	s.Equal(2, s.dialer.dials())
}

func (s *PoolTestSuite) TestCloseCancelsBackgroundDial() {
	held, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.holdDial()

	errs := s.waitBehindDial(context.Background(), held)

	s.Require().NoError(s.pool.Close())
	s.ErrorIs(<-errs, context.Canceled)
	s.Equal(1, s.dialer.dials())
}

func (s *PoolTestSuite) TestCloseFailsWaiters() {
	held, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)

	errs := make(chan error, 1)
	go func() {
		_, err := s.pool.Acquire(context.Background(), s.request(0))
		errs <- err
	}()
	s.Eventually(func() bool { return s.waiters(s.request(0)) == 1 }, time.Second, time.Millisecond)

	s.Require().NoError(s.pool.Close())
	s.ErrorIs(<-errs, ErrPoolClosed)

	s.pool.Release(held, true)
	s.True(held.Conn.(*mock.Conn).IsClosed())
}

func (s *PoolTestSuite) TestReprioritize() {
	lease, err := s.pool.Acquire(context.Background(), s.request(1))
	s.Require().NoError(err)
	s.Equal(1, lease.Priority)

	s.pool.Reprioritize(lease, 4)
	s.Equal(4, lease.Priority)
	s.pool.Release(lease, false)
}

func (s *PoolTestSuite) TestPreconnect() {
	s.Require().NoError(s.pool.Preconnect(context.Background(), s.request(0), 3))
	// Capped by the per-group limit.
	s.Equal(1, s.pool.IdleCount(s.request(0)))

	lease, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.Equal(Preconnected, lease.Reuse)

	s.pool.Release(lease, true)
	again, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.Equal(Reused, again.Reuse)
	s.pool.Release(again, false)
}

func (s *PoolTestSuite) TestProxyKinds() {
	proxy := &http.Origin{Scheme: "http", Host: "proxy.local", Port: 3128}
	secure := http.Origin{Scheme: "https", Host: "example.com", Port: 443}

	tunneled, err := s.pool.Acquire(context.Background(), NewRequest(secure, proxy, 0))
	s.Require().NoError(err)
	s.Equal(Tunneled, tunneled.Kind)

	proxied, err := s.pool.Acquire(context.Background(), NewRequest(s.origin, proxy, 0))
	s.Require().NoError(err)
	s.Equal(Proxied, proxied.Kind)

	s.Equal([]string{"proxy.local:3128", "proxy.local:3128"}, s.dialer.addrs)
	s.pool.Release(tunneled, false)
	s.pool.Release(proxied, false)
}

func (s *PoolTestSuite) TestDialError() {
	s.dialer.err = transport.ErrConnRefused

	_, err := s.pool.Acquire(context.Background(), s.request(0))
	s.ErrorIs(err, transport.ErrConnRefused)

	s.dialer.err = nil
	lease, err := s.pool.Acquire(context.Background(), s.request(0))
	s.Require().NoError(err)
	s.pool.Release(lease, false)
}

func (s *PoolTestSuite) TestClosed() {
	s.Require().NoError(s.pool.Close())

	_, err := s.pool.Acquire(context.Background(), s.request(0))
	s.ErrorIs(err, ErrPoolClosed)
}
