package client

import (
	"context"
	"http-engine/application/http/actor/client/pool"
	"http-engine/application/http/observe"
	iolib "http-engine/lib/io"
	"http-engine/transport"
	"http-engine/transport/mock"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script is one connection handed out by stubProvider.
type script struct {
	conn  *mock.Conn
	reuse pool.ReuseKind
	err   error
}

type release struct {
	conn     transport.Conn
	reusable bool
}

// stubProvider hands out scripted connections. Reusable releases are
// kept idle and handed out again first, like the pool does.
type stubProvider struct {
	mu       sync.Mutex
	scripts  []script
	idle     []*Lease
	requests []ConnRequest
	released []release
	priority []int
	// reprioritized records priorities of bound leases.
	reprioritized []int
	// block makes Acquire wait for ctx.
	block bool
}

var _ ConnProvider = (*stubProvider)(nil)

func (p *stubProvider) Acquire(ctx context.Context, req *ConnRequest) (*Lease, error) {
	p.mu.Lock()
	p.requests = append(p.requests, *req)
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !req.ForceFresh && len(p.idle) > 0 {
		lease := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		lease.Reuse = pool.Reused
		return lease, nil
	}

	if len(p.scripts) == 0 {
		return nil, transport.ErrConnRefused
	}
	next := p.scripts[0]
	p.scripts = p.scripts[1:]
	if next.err != nil {
		return nil, next.err
	}

	return &Lease{
		Conn:     next.conn,
		Reader:   iolib.NewUnreadReader(next.conn),
		Reuse:    next.reuse,
		Kind:     req.Kind(),
		Endpoint: req.Endpoint,
		Proxy:    req.Proxy,
	}, nil
}

func (p *stubProvider) Release(lease *Lease, reusable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.released = append(p.released, release{conn: lease.Conn, reusable: reusable})
	if reusable {
		p.idle = append(p.idle, lease)
	}
}

func (p *stubProvider) SetPriority(req *ConnRequest, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = append(p.priority, priority)
}

func (p *stubProvider) Reprioritize(lease *Lease, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease.Priority = priority
	p.reprioritized = append(p.reprioritized, priority)
}

func (p *stubProvider) add(s ...script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, s...)
}

func (p *stubProvider) requestsMade() []ConnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnRequest(nil), p.requests...)
}

func (p *stubProvider) releases() []release {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]release(nil), p.released...)
}

// stubSecure passes connections through unless fn says otherwise.
type stubSecure struct {
	mu      sync.Mutex
	configs []SecureConfig
	fn      func(conn transport.Conn, cfg SecureConfig) (transport.Conn, error)
}

func (s *stubSecure) Secure(ctx context.Context, conn transport.Conn, cfg SecureConfig) (transport.Conn, error) {
	s.mu.Lock()
	s.configs = append(s.configs, cfg)
	fn := s.fn
	s.mu.Unlock()

	if fn != nil {
		return fn(conn, cfg)
	}
	return conn, nil
}

// recorder keeps every snapshot.
type recorder struct {
	mu        sync.Mutex
	requests  []observe.RequestSnapshot
	responses []observe.ResponseSnapshot
	retries   []observe.RetrySnapshot
	auths     []observe.AuthSnapshot
	completed []observe.CompletionSnapshot
	drains    []observe.DrainSnapshot
}

var _ observe.Observer = (*recorder)(nil)

func (r *recorder) OnRequestHeaders(s observe.RequestSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, s)
}

func (r *recorder) OnResponseHeaders(s observe.ResponseSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, s)
}

func (r *recorder) OnRetry(s observe.RetrySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, s)
}

func (r *recorder) OnAuthChallenge(s observe.AuthSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auths = append(r.auths, s)
}

func (r *recorder) OnComplete(s observe.CompletionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, s)
}

func (r *recorder) OnDrain(s observe.DrainSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drains = append(r.drains, s)
}

func TestLoadOptions(t *testing.T) {
	testcases := []struct {
		desc    string
		input   string
		check   func(t *testing.T, opts Options)
		wantErr bool
	}{
		{
			desc:  "empty input keeps defaults",
			input: "",
			check: func(t *testing.T, opts Options) {
				assert.Equal(t, DefaultOptions(), opts)
			},
		},
		{
			desc: "overrides",
			input: `
retry:
  max_retries: 3
drain:
  timeout: 2s
alt_svc:
  allow_unrestricted_alt_ports: true
pool:
  max_conns_per_group: 2
`,
			check: func(t *testing.T, opts Options) {
				assert.Equal(t, 3, opts.Retry.MaxRetries)
				assert.Equal(t, 2*time.Second, opts.Drain.Timeout)
				assert.True(t, opts.AltSvc.AllowUnrestrictedAltPorts)
				assert.Equal(t, 2, opts.Pool.MaxConnsPerGroup)
				assert.Equal(t, DefaultOptions().Auth, opts.Auth)
			},
		},
		{
			desc:    "unknown key",
			input:   "retries: 3\n",
			wantErr: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			opts, err := LoadOptions(strings.NewReader(tc.input))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, opts)
		})
	}
}
