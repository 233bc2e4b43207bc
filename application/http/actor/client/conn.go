package client

import (
	"context"
	"http-engine/application/http"
	"http-engine/application/http/actor/client/pool"
	"http-engine/application/http/auth"
	"http-engine/application/http/observe"
	"http-engine/application/http/parser"
	"http-engine/application/http/transfer"
	"http-engine/application/http/upload"
	iolib "http-engine/lib/io"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const bodyBufferSize = 16 << 10

// connect makes sure the transaction holds an established lease. A
// non-nil response is a proxy auth challenge to CONNECT.
func (t *Transaction) connect(ctx context.Context) (*parser.Response, error) {
	t.phase = phaseConnect

	if t.lease == nil {
		if err := t.acquire(ctx); err != nil {
			return nil, err
		}
	}
	if t.lease.Established {
		return nil, nil
	}

	if t.lease.Kind == pool.Tunneled {
		t.setState(LoadStateEstablishingTunnel)
		resp, err := t.establishTunnel(ctx)
		if err != nil || resp != nil {
			return resp, err
		}
	}

	if t.endpoint.IsSecure() {
		if err := t.secureLease(ctx); err != nil {
			if t.alt != nil && ctx.Err() == nil && !isCertificateError(err) {
				t.releaseLease(false)
				t.fallBackFromAlt(err)
				return t.connect(ctx)
			}
			return nil, err
		}
	}

	t.lease.Established = true
	return nil, nil
}

func (t *Transaction) acquire(ctx context.Context) error {
	t.endpoint, t.alt = t.origin, nil
	if t.proxy == nil && !t.altFailed {
		if rec, ok := t.session.altSvc.Lookup(t.origin); ok {
			t.alt, t.endpoint = &rec, rec.Endpoint()
		}
	}

	var proxy *http.Origin
	if t.proxy != nil {
		origin := t.proxy.Origin
		proxy = &origin
	}

	req := pool.NewRequest(t.endpoint, proxy, t.Priority())
	req.ForceFresh = t.forceFresh

	t.mu.Lock()
	t.connReq = req
	t.state = LoadStateWaitingForConnection
	t.mu.Unlock()

	lease, err := t.session.provider.Acquire(ctx, req)

	t.mu.Lock()
	t.connReq = nil
	if err == nil {
		t.bound = lease
		// The priority may have changed while the request was handed over.
		if lease.Priority != t.priority {
			t.session.provider.Reprioritize(lease, t.priority)
		}
	}
	t.mu.Unlock()

	if err != nil {
		if t.alt != nil && ctx.Err() == nil {
			t.fallBackFromAlt(err)
			return t.acquire(ctx)
		}
		return errors.Wrap(err, "acquiring connection")
	}

	t.lease = lease
	t.forceFresh = false
	if lease.Reuse != pool.Fresh {
		t.reused = true
	}
	return nil
}

// fallBackFromAlt goes back to the origin endpoint for the rest of the
// transaction.
func (t *Transaction) fallBackFromAlt(cause error) {
	broken := t.session.altSvc.MarkFailed(*t.alt)
	t.logger.Info("Alternate endpoint failed, using origin",
		slog.String("alternate", t.endpoint.String()),
		slog.Bool("broken", broken),
		slog.Any("error", cause),
	)
	t.alt, t.altFailed = nil, true
}

func isCertificateError(err error) bool {
	var certErr *CertificateError
	var certRequest *ClientCertRequiredError
	return errors.As(err, &certErr) || errors.As(err, &certRequest)
}

func (t *Transaction) secureLease(ctx context.Context) error {
	t.setState(LoadStateSecuringConnection)

	cert, chosen := t.session.clientCerts.Lookup(t.endpoint)
	cfg := SecureConfig{
		ServerName:        t.origin.Host,
		Certificate:       cert,
		CertificateChosen: chosen,
		AllowedBadCerts:   t.allowedBadCerts(t.endpoint),
	}

	secured, err := t.session.secure.Secure(ctx, t.lease.Conn, cfg)
	if err != nil {
		var (
			certErr     *CertificateError
			certRequest *ClientCertRequiredError
		)
		switch {
		case errors.As(err, &certErr):
			certErr.Endpoint = t.endpoint
			if certErr.Conn != nil {
				t.lease.SetConn(certErr.Conn)
			}
			return certErr
		case errors.As(err, &certRequest):
			certRequest.Endpoint = t.endpoint
			return certRequest
		case chosen && errors.Is(err, ErrBadClientCertificate):
			// Only this endpoint's choice is forgotten.
			t.session.clientCerts.Evict(t.endpoint)
		}
		return errors.Wrap(err, "securing connection")
	}

	t.lease.SetConn(secured)
	t.lease.Secured = true
	return nil
}

// interruptible makes cancellation of ctx abort blocking I/O on the
// lease.
func (t *Transaction) interruptible(ctx context.Context) (stop func() bool) {
	if t.lease == nil {
		return func() bool { return true }
	}

	conn, clk := t.lease.Conn, t.session.clock
	return context.AfterFunc(ctx, func() {
		conn.SetReadDeadLine(clk.Now())
		conn.SetWriteDeadLine(clk.Now())
	})
}

func (t *Transaction) sendRequest(ctx context.Context) error {
	t.phase = phaseSend
	t.setState(LoadStateSendingRequest)
	t.sent = 0

	head := t.buildHead(ctx)
	t.session.observer.OnRequestHeaders(observe.RequestSnapshot{
		TransactionID: t.ID(),
		Attempt:       t.retries,
		Method:        head.Method,
		URL:           redacted(t.req),
		Endpoint:      t.endpoint.String(),
		Reused:        t.lease.Reuse != pool.Fresh,
		Headers:       head.Headers.Clone(),
	})

	if err := head.Headers.Validate(); err != nil {
		return errors.Wrap(err, "validating request headers")
	}

	stop := t.interruptible(ctx)
	defer stop()

	buf := head.AppendTo(make([]byte, 0, 1024))
	body := t.req.Body

	if body != nil && t.mergeable(body.Size()) {
		// Small in-memory bodies go out with the head in one write.
		var err error
		if buf, err = readAll(ctx, body, buf); err != nil {
			return err
		}
		t.sent = body.Position()
		body = nil
	}

	if _, err := iolib.WriteFull(t.lease.Conn, buf); err != nil {
		return errors.Wrap(err, "writing request")
	}
	if body == nil {
		return nil
	}

	return t.writeBody(ctx)
}

func (t *Transaction) mergeable(size int64) bool {
	body := t.req.Body
	return body.IsInMemory() && !body.IsChunked() &&
		size <= int64(t.session.opts.Send.MaxMergedBodyBytes)
}

func readAll(ctx context.Context, body *upload.Stream, buf []byte) ([]byte, error) {
	chunk := make([]byte, bodyBufferSize)
	for {
		n, err := body.Read(ctx, chunk)
		buf = append(buf, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading request body")
		}
	}
}

// writeBody streams the body, framed in chunks when it has no size.
func (t *Transaction) writeBody(ctx context.Context) error {
	body := t.req.Body

	var (
		out     io.Writer = t.lease.Conn
		chunked *transfer.ChunkedWriter
	)
	if body.IsChunked() {
		chunked = transfer.NewChunkedWriter(t.lease.Conn, t.session.opts.Send.MaxChunkSize)
		out = chunked
	}

	buf := make([]byte, bodyBufferSize)
	for {
		n, err := body.Read(ctx, buf)
		if n > 0 {
			if _, werr := iolib.WriteFull(out, buf[:n]); werr != nil {
				return errors.Wrap(werr, "writing request body")
			}
			t.sent += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading request body")
		}
	}

	if chunked != nil {
		if err := chunked.Close(); err != nil {
			return errors.Wrap(err, "writing last chunk")
		}
	}
	return nil
}

// buildHead assembles the request head for the current lease.
func (t *Transaction) buildHead(ctx context.Context) http.RequestHead {
	req := t.req
	headers := http.NewHeaders()

	if host, ok := req.Headers.Get("Host"); ok {
		headers.Add("Host", host)
	} else {
		headers.Add("Host", hostHeader(t.origin))
	}

	for _, f := range req.Headers.Fields() {
		if strings.EqualFold(f.Name, "Host") {
			continue
		}
		headers.Add(f.Name, f.Value)
	}

	proxied := t.lease.Kind == pool.Proxied
	if proxied {
		if !headers.Has("Proxy-Connection") {
			headers.Add("Proxy-Connection", "keep-alive")
		}
	} else if !headers.Has("Connection") {
		headers.Add("Connection", "keep-alive")
	}

	if ua := t.session.opts.Send.UserAgent; ua != "" && !headers.Has("User-Agent") {
		headers.Add("User-Agent", ua)
	}

	if req.LoadFlags&LoadBypassCache != 0 {
		headers.Set("Pragma", "no-cache")
		headers.Set("Cache-Control", "no-cache")
	}

	switch {
	case req.Body == nil:
		if req.Method == http.MethodPost || req.Method == http.MethodPut {
			headers.Set("Content-Length", "0")
		}
	case req.Body.IsChunked():
		headers.Set("Transfer-Encoding", "chunked")
	default:
		headers.Set("Content-Length", strconv.FormatInt(req.Body.Size(), 10))
	}

	target := req.URL.RequestURI()
	if proxied {
		target = absoluteTarget(req)
	}

	authReq := auth.Request{Method: req.Method, URI: req.URL.RequestURI()}
	if proxied {
		t.addCredentials(ctx, t.proxyAuth, authReq, &headers)
	}
	t.addCredentials(ctx, t.serverAuth, authReq, &headers)

	return http.RequestHead{
		Method:  req.Method,
		Target:  target,
		Version: http.Version11,
		Headers: headers,
	}
}

// addCredentials attaches ctrl's token. A scheme that fails to produce
// one is disabled and the request goes out without it.
func (t *Transaction) addCredentials(ctx context.Context, ctrl *auth.Controller, req auth.Request, headers *http.Headers) {
	if ctrl == nil {
		return
	}

	field, ok, err := ctrl.MaybeGenerateToken(ctx, req)
	if err != nil {
		t.logger.Debug("Dropping credentials", slog.Any("error", err))
		return
	}
	if ok {
		headers.Set(field.Name, field.Value)
	}
}

func (t *Transaction) readHeaders(ctx context.Context) (*parser.Response, error) {
	t.phase = phaseRead
	t.setState(LoadStateWaitingForResponse)

	t.parser = parser.New(t.lease.Reader, parser.Options{
		MaxJunkBytes:   t.session.opts.Receive.MaxJunkBytes,
		MaxHeaderBytes: t.session.opts.Receive.MaxHeaderBytes,
		Secure:         t.lease.Secured,
		Proxied:        t.lease.Kind == pool.Proxied,
		Method:         t.req.Method,
	})

	stop := t.interruptible(ctx)
	resp, err := t.parser.ReadHeaders(ctx)
	stop()
	t.received = t.parser.ReceivedBytes()

	if err != nil {
		return nil, errors.Wrap(err, "reading response headers")
	}
	return resp, nil
}

// hostHeader omits the default port of the scheme.
func hostHeader(origin http.Origin) string {
	if origin.Port == http.DefaultPort(origin.Scheme) {
		if strings.Contains(origin.Host, ":") {
			return "[" + origin.Host + "]"
		}
		return origin.Host
	}
	return origin.HostPort()
}

// absoluteTarget is the request target for a plain proxy.
func absoluteTarget(req *RequestInfo) string {
	u := *req.URL
	u.User = nil
	u.Fragment, u.RawFragment = "", ""
	return u.String()
}

// redacted is the URL without userinfo.
func redacted(req *RequestInfo) string {
	u := *req.URL
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
