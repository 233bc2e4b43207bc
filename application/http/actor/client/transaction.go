package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"http-engine/application/http"
	"http-engine/application/http/actor/client/pool"
	"http-engine/application/http/altsvc"
	"http-engine/application/http/auth"
	"http-engine/application/http/observe"
	"http-engine/application/http/parser"
	"http-engine/application/http/upload"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type LoadState uint8

const (
	LoadStateIdle LoadState = iota
	LoadStateInitializingBody
	LoadStateResolvingProxy
	LoadStateWaitingForConnection
	LoadStateEstablishingTunnel
	LoadStateSecuringConnection
	LoadStateSendingRequest
	LoadStateWaitingForResponse
	LoadStateReadingResponse
	LoadStateDone
)

func (s LoadState) String() string {
	switch s {
	case LoadStateInitializingBody:
		return "initializing body"
	case LoadStateResolvingProxy:
		return "resolving proxy"
	case LoadStateWaitingForConnection:
		return "waiting for connection"
	case LoadStateEstablishingTunnel:
		return "establishing tunnel"
	case LoadStateSecuringConnection:
		return "securing connection"
	case LoadStateSendingRequest:
		return "sending request"
	case LoadStateWaitingForResponse:
		return "waiting for response"
	case LoadStateReadingResponse:
		return "reading response"
	case LoadStateDone:
		return "done"
	}
	return "idle"
}

type LoadFlags uint8

const (
	// LoadBypassCache asks intermediaries for a fresh response.
	LoadBypassCache LoadFlags = 1 << iota
	// LoadDoNotSendAuthData skips URL-embedded and cached credentials.
	LoadDoNotSendAuthData
	// LoadDoNotSaveAuthData keeps credentials that worked out of the
	// cache.
	LoadDoNotSaveAuthData
)

type RequestInfo struct {
	Method  string
	URL     *url.URL
	Headers http.Headers
	// Body belongs to the caller and must outlive the transaction.
	Body      *upload.Stream
	LoadFlags LoadFlags
	// Priority replaces the transaction's priority when non-zero.
	Priority int
}

// phase tells which step an error came from.
type phase uint8

const (
	phaseConnect phase = iota
	phaseSend
	phaseRead
)

// Transaction is one logical request and its response. Its methods
// block; at most one may run at a time, except Close, SetPriority and
// LoadState which may be called from anywhere.
type Transaction struct {
	id      uuid.UUID
	session *Session
	logger  *slog.Logger

	// ctx is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards the fields below
	state    LoadState
	priority int
	connReq  *ConnRequest
	// bound mirrors lease for callers outside the call in flight.
	bound  *Lease
	busy   bool
	closed bool

	// Fields below belong to the call in flight.

	req    *RequestInfo
	origin http.Origin
	proxy  *ProxyInfo

	// endpoint is the origin or its alternate.
	endpoint  http.Origin
	alt       *altsvc.Record
	altFailed bool

	lease      *Lease
	forceFresh bool
	phase      phase

	parser *parser.Parser
	resp   *parser.Response
	// tunnelResp marks resp as the proxy's answer to CONNECT. Its body is
	// never handed out.
	tunnelResp bool
	bodyErr    error

	serverAuth *auth.Controller
	proxyAuth  *auth.Controller
	authRounds int
	// pendingAuth answers the challenge in resp.
	pendingAuth *auth.Controller

	retries int

	certErr     *CertificateError
	certRequest *ClientCertRequiredError
	// badCerts were accepted by the caller, each for its endpoint only.
	badCerts []badCert

	sent     int64
	received int64
	started  time.Time
	reused   bool
	reported bool
}

func newTransaction(s *Session, id uuid.UUID, priority int) *Transaction {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transaction{
		id:       id,
		session:  s,
		logger:   s.logger.With(slog.String("txn", id.String())),
		ctx:      ctx,
		cancel:   cancel,
		priority: priority,
	}
}

func (t *Transaction) ID() string { return t.id.String() }

func (t *Transaction) LoadState() LoadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s LoadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Priority is the priority used for the next connection request.
func (t *Transaction) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetPriority reorders a pending connection request or the stream bound
// to the current lease. The value also applies to later acquisitions.
func (t *Transaction) SetPriority(priority int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.priority = priority
	switch {
	case t.connReq != nil:
		t.session.provider.SetPriority(t.connReq, priority)
	case t.bound != nil:
		t.session.provider.Reprioritize(t.bound, priority)
	}
}

// unbind forgets the lease before it goes back to the provider.
func (t *Transaction) unbind() *Lease {
	lease := t.lease
	t.lease = nil

	t.mu.Lock()
	t.bound = nil
	t.mu.Unlock()
	return lease
}

// Response is the current response, or nil. It carries AuthChallenge
// when credentials are needed to go on.
func (t *Transaction) Response() *parser.Response {
	return t.resp
}

// begin claims the transaction for one call. The returned context is
// also cancelled by Close.
func (t *Transaction) begin(ctx context.Context) (context.Context, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, ErrTransactionClosed
	}
	if t.busy {
		return nil, nil, ErrBusy
	}
	t.busy = true

	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)

	return opCtx, func() {
		stop()
		cancel()

		t.mu.Lock()
		t.busy = false
		closed := t.closed
		t.mu.Unlock()

		if closed {
			t.cleanup()
		}
	}, nil
}

// Start sends the request and reads up to the response headers.
//
// A nil error with Response().AuthChallenge set means the caller must
// supply credentials through RestartWithAuth, or may read the challenge
// response body as the final answer.
func (t *Transaction) Start(ctx context.Context, req *RequestInfo) error {
	ctx, end, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if t.req != nil {
		return ErrAlreadyStarted
	}

	if err := t.prepare(ctx, req); err != nil {
		return t.fail(err)
	}

	return t.run(ctx)
}

func (t *Transaction) prepare(ctx context.Context, req *RequestInfo) error {
	t.req = req
	t.started = t.session.clock.Now()
	if req.Priority != 0 {
		t.mu.Lock()
		t.priority = req.Priority
		t.mu.Unlock()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	origin, err := originOf(req.URL)
	if err != nil {
		return err
	}
	t.origin = origin

	if req.Body != nil {
		t.setState(LoadStateInitializingBody)
		if err := req.Body.Init(ctx); err != nil {
			return errors.Wrap(err, "initializing request body")
		}
	}

	t.setState(LoadStateResolvingProxy)
	proxy, err := t.session.proxies.ResolveProxy(ctx, req.URL)
	if err != nil {
		return errors.Wrap(err, "resolving proxy")
	}
	if proxy != nil {
		proxy.Origin = proxy.Origin.Normalize()
		if proxy.Origin.Scheme != "http" {
			return errors.Wrapf(ErrUnsupportedProxy, "%q", proxy.Origin.Scheme)
		}
		t.proxy = proxy
	}

	t.setupAuth()
	return nil
}

func originOf(u *url.URL) (http.Origin, error) {
	if u == nil || u.Host == "" {
		return http.Origin{}, errors.Wrap(ErrUnsupportedScheme, "url without host")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return http.Origin{}, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}

	port := http.DefaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return http.Origin{}, errors.Wrapf(err, "parsing port %q", p)
		}
		port = uint16(n)
	}

	return http.Origin{Scheme: scheme, Host: u.Hostname(), Port: port}.Normalize(), nil
}

func (t *Transaction) setupAuth() {
	flags := t.req.LoadFlags
	opts := auth.ControllerOptions{
		DoNotSend: flags&LoadDoNotSendAuthData != 0,
		DoNotSave: flags&LoadDoNotSaveAuthData != 0,
	}

	var urlCreds *auth.Credentials
	if u := t.req.URL.User; u != nil && !opts.DoNotSend {
		password, _ := u.Password()
		urlCreds = &auth.Credentials{Username: u.Username(), Password: password}
	}

	path := t.req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	t.serverAuth = auth.NewController(
		auth.TargetServer, t.origin, path, urlCreds,
		t.session.authCache, t.session.authRegistry, t.logger, opts,
	)
	if t.proxy != nil {
		t.proxyAuth = auth.NewController(
			auth.TargetProxy, t.proxy.Origin, "", t.proxy.Credentials,
			t.session.authCache, t.session.authRegistry, t.logger, opts,
		)
	}
}

// run drives attempts until a response is ready for the caller or a
// fatal error.
func (t *Transaction) run(ctx context.Context) error {
	for {
		resp, err := t.attempt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return t.fail(ctx.Err())
			}
			if reason, ok := t.retryable(err); ok {
				if err := t.prepareRetry(ctx, reason, err); err != nil {
					return t.fail(err)
				}
				continue
			}
			return t.fail(err)
		}

		again, err := t.handleResponse(ctx, resp)
		if err != nil {
			return t.fail(err)
		}
		if !again {
			return nil
		}
	}
}

func (t *Transaction) attempt(ctx context.Context) (*parser.Response, error) {
	resp, err := t.connect(ctx)
	if err != nil || resp != nil {
		return resp, err
	}

	if err := t.sendRequest(ctx); err != nil {
		return nil, err
	}

	return t.readHeaders(ctx)
}

// handleResponse decides what follows a response head. It reports
// whether another attempt is needed.
func (t *Transaction) handleResponse(ctx context.Context, resp *parser.Response) (bool, error) {
	if t.tunnelResp {
		return t.handleChallenge(ctx, t.proxyAuth, resp)
	}

	t.session.observer.OnResponseHeaders(observe.ResponseSnapshot{
		TransactionID: t.ID(),
		StatusLine:    resp.StatusLine(),
		StatusCode:    resp.StatusCode,
		HeaderBytes:   resp.HeaderBytes,
		Headers:       resp.Headers.Clone(),
	})

	if resp.StatusCode == http.StatusRequestTimeout {
		if reason, ok := t.retryableTimeout(); ok {
			return true, t.prepareRetry(ctx, reason, nil)
		}
	}

	if t.alt != nil {
		t.session.altSvc.MarkHealthy(*t.alt)
	}
	if values := resp.Headers.Values("Alt-Svc"); len(values) > 0 {
		t.session.altSvc.ProcessHeader(t.origin, values)
	}

	var ctrl *auth.Controller
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		ctrl = t.serverAuth
	case resp.StatusCode == http.StatusProxyAuthRequired && t.proxyAuth != nil && t.lease.Kind == pool.Proxied:
		ctrl = t.proxyAuth
	}

	if ctrl == nil {
		t.authSucceeded(resp.StatusCode)
		t.deliver(resp)
		return false, nil
	}

	return t.handleChallenge(ctx, ctrl, resp)
}

func (t *Transaction) authSucceeded(status int) {
	if status != http.StatusUnauthorized {
		t.serverAuth.OnSuccess()
	}
	if t.proxyAuth != nil && status != http.StatusProxyAuthRequired {
		t.proxyAuth.OnSuccess()
	}
}

func (t *Transaction) handleChallenge(ctx context.Context, ctrl *auth.Controller, resp *parser.Response) (bool, error) {
	t.authRounds++
	t.pendingAuth = ctrl
	if limit := t.session.opts.Auth.MaxRounds; limit > 0 && t.authRounds > limit {
		return false, errors.Wrapf(ErrTooManyAuthRounds, "%d rounds", t.authRounds-1)
	}

	outcome := ctrl.HandleChallenge(resp.Headers)
	ch, _ := ctrl.Challenge()

	t.session.observer.OnAuthChallenge(observe.AuthSnapshot{
		TransactionID: t.ID(),
		Proxy:         ctrl.Target() == auth.TargetProxy,
		Scheme:        ch.Scheme,
		Realm:         ch.Realm,
		Round:         t.authRounds,
	})

	switch outcome {
	case auth.OutcomeRestart:
		return true, t.restartAfterChallenge(ctx)
	case auth.OutcomeNeedCredentials:
		host := t.origin.HostPort()
		if ctrl.Target() == auth.TargetProxy {
			host = t.proxy.Origin.HostPort()
		}
		resp.AuthChallenge = &parser.AuthChallenge{
			IsProxy: ctrl.Target() == auth.TargetProxy,
			Host:    host,
			Scheme:  ch.Scheme,
			Realm:   ch.Realm,
		}
	}

	t.deliver(resp)
	return false, nil
}

// restartAfterChallenge prepares the next round. The connection is kept
// when the challenge body ends within the drain bound.
func (t *Transaction) restartAfterChallenge(ctx context.Context) error {
	limit := t.session.opts.Drain.MaxBytes
	if t.tunnelResp {
		limit = t.session.opts.Tunnel.MaxAuthBody
	}

	keep := false
	if t.lease != nil {
		if t.parser != nil {
			stop := t.interruptible(ctx)
			done, err := t.parser.Discard(limit)
			stop()
			keep = done && err == nil && t.parser.CanReuseConnection()
		}

		if keep {
			// A kept connection has served a response.
			t.lease.Reuse = pool.Reused
		} else {
			t.releaseLease(false)
		}
	}

	// Handshake rounds are tied to the connection they ran on.
	if !keep && t.pendingAuth != nil {
		t.pendingAuth.RestartHandshake()
	}

	t.parser, t.resp, t.tunnelResp, t.bodyErr = nil, nil, false, nil
	t.pendingAuth = nil
	return t.rewindBody(ctx)
}

// pinned reports whether the lease carries a connection-based handshake
// waiting for credentials. Such a lease stays with the transaction.
func (t *Transaction) pinned() bool {
	return t.lease != nil && t.resp != nil && t.resp.AuthChallenge != nil &&
		t.pendingAuth != nil && t.pendingAuth.NeedsConnectionAffinity()
}

// deliver hands resp to the caller.
func (t *Transaction) deliver(resp *parser.Response) {
	t.resp = resp
	t.setState(LoadStateReadingResponse)

	if t.tunnelResp || t.parser.IsComplete() {
		t.finishBody(nil)
	}
}

func (t *Transaction) rewindBody(ctx context.Context) error {
	if t.req.Body == nil {
		return nil
	}

	t.req.Body.Reset()
	if err := t.req.Body.Init(ctx); err != nil {
		return errors.Wrap(err, "initializing request body")
	}
	return nil
}

// RestartWithAuth answers the pending challenge with creds.
func (t *Transaction) RestartWithAuth(ctx context.Context, creds auth.Credentials) error {
	ctx, end, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if t.resp == nil || t.resp.AuthChallenge == nil {
		return ErrNoPendingChallenge
	}

	ctrl := t.serverAuth
	if t.resp.AuthChallenge.IsProxy {
		ctrl = t.proxyAuth
	}
	ctrl.ResetAuth(creds)
	t.reported = false

	if err := t.restartAfterChallenge(ctx); err != nil {
		return t.fail(err)
	}
	return t.run(ctx)
}

type badCert struct {
	endpoint http.Origin
	cert     *x509.Certificate
}

func (t *Transaction) allowedBadCerts(endpoint http.Origin) []*x509.Certificate {
	endpoint = endpoint.Normalize()
	var certs []*x509.Certificate
	for _, bad := range t.badCerts {
		if bad.endpoint == endpoint {
			certs = append(certs, bad.cert)
		}
	}
	return certs
}

// RestartIgnoringLastError goes on despite the last certificate error.
// Only the certificate that caused it is accepted from then on, and only
// from the same endpoint.
func (t *Transaction) RestartIgnoringLastError(ctx context.Context) error {
	ctx, end, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if t.certErr == nil {
		return ErrNoCertificateError
	}

	if cert := t.certErr.Certificate; cert != nil {
		t.badCerts = append(t.badCerts, badCert{
			endpoint: t.certErr.Endpoint.Normalize(),
			cert:     cert,
		})
	}
	if t.certErr.Conn != nil && t.lease != nil {
		// The handshake is done, only the verdict is overridden.
		t.lease.Secured = true
		t.lease.Established = true
	} else {
		t.releaseLease(false)
	}
	t.certErr = nil

	return t.run(ctx)
}

// RestartWithCertificate records the client certificate for the
// endpoint that asked for one and connects again. A nil cert means
// going on without one.
func (t *Transaction) RestartWithCertificate(ctx context.Context, cert *tls.Certificate) error {
	ctx, end, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if t.certRequest == nil {
		return ErrNoCertificateRequest
	}

	t.session.clientCerts.Store(t.certRequest.Endpoint, cert)
	t.certRequest = nil
	t.releaseLease(false)

	if err := t.rewindBody(ctx); err != nil {
		return t.fail(err)
	}
	return t.run(ctx)
}

// Read reads the response body. It returns io.EOF at the end of the
// body, after which the connection went back to the provider.
func (t *Transaction) Read(ctx context.Context, p []byte) (int, error) {
	ctx, end, err := t.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer end()

	if t.resp == nil {
		return 0, ErrNoResponse
	}
	if t.bodyErr != nil {
		return 0, t.bodyErr
	}
	if t.tunnelResp || t.parser.IsComplete() {
		t.finishBody(nil)
		return 0, io.EOF
	}

	stop := t.interruptible(ctx)
	n, err := t.parser.ReadBody(p)
	stop()
	t.received = t.parser.ReceivedBytes()

	switch {
	case errors.Is(err, io.EOF):
		t.finishBody(nil)
		return n, io.EOF
	case err != nil:
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		err = errors.Wrap(err, "reading response body")
		t.finishBody(err)
		return n, err
	}
	return n, nil
}

// finishBody ends the body phase. The lease goes back reusable only when
// the whole body was read and the response allows another request.
func (t *Transaction) finishBody(err error) {
	if t.lease != nil {
		reusable := err == nil && t.parser != nil && t.parser.CanReuseConnection()
		if reusable && t.pinned() {
			t.lease.Reuse = pool.Reused
		} else {
			t.releaseLease(reusable)
		}
	}
	if err != nil {
		t.bodyErr = err
	}

	t.setState(LoadStateDone)
	if err != nil || t.resp == nil || t.resp.AuthChallenge == nil {
		t.report(err)
	}
}

func (t *Transaction) releaseLease(reusable bool) {
	if t.lease == nil {
		return
	}
	t.session.provider.Release(t.unbind(), reusable)
}

// fail ends the transaction with err. No response is left behind.
// Certificate errors keep the connection for a restart.
func (t *Transaction) fail(err error) error {
	t.resp, t.parser, t.tunnelResp = nil, nil, false

	var (
		certErr     *CertificateError
		certRequest *ClientCertRequiredError
	)
	switch {
	case errors.As(err, &certErr):
		t.certErr = certErr
		if certErr.Conn == nil {
			t.releaseLease(false)
		}
		t.setState(LoadStateIdle)
		return err
	case errors.As(err, &certRequest):
		t.certRequest = certRequest
		t.releaseLease(false)
		t.setState(LoadStateIdle)
		return err
	}

	t.releaseLease(false)
	t.setState(LoadStateDone)
	t.logger.Debug("Transaction failed", slog.Any("error", err))
	t.report(err)
	return err
}

func (t *Transaction) report(err error) {
	if t.reported {
		return
	}
	t.reported = true

	status := 0
	if t.resp != nil {
		status = t.resp.StatusCode
	}
	t.session.observer.OnComplete(observe.CompletionSnapshot{
		TransactionID: t.ID(),
		StatusCode:    status,
		SentBytes:     t.sent,
		ReceivedBytes: t.received,
		Duration:      t.session.clock.Since(t.started),
		Reused:        t.reused,
		Err:           err,
	})
}

// Close abandons the transaction. A pending connection request is
// cancelled. An unread body is drained in the background so the
// connection can still be reused.
func (t *Transaction) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	busy := t.busy
	t.mu.Unlock()

	t.cancel()
	if !busy {
		t.cleanup()
	}
}

func (t *Transaction) cleanup() {
	if t.pinned() {
		// A half done handshake is of no use to anyone else.
		t.releaseLease(false)
	}
	if t.lease != nil {
		if t.resp != nil && !t.tunnelResp && t.parser != nil && !t.parser.IsComplete() && t.bodyErr == nil {
			t.session.drain(t.unbind(), t.parser)
		} else {
			t.releaseLease(t.parser != nil && t.parser.CanReuseConnection())
		}
	}

	t.setState(LoadStateDone)
	if t.req != nil {
		var err error
		if t.resp == nil {
			err = ErrTransactionClosed
		}
		t.report(err)
	}
}
