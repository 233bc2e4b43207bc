package client

import (
	"context"
	"http-engine/application/http"
	"http-engine/application/http/auth"
	"http-engine/application/http/observe"
	"http-engine/application/http/parser"
	"log/slog"

	"github.com/pkg/errors"
)

// establishTunnel asks the proxy for a tunnel to the endpoint and reads
// exactly one response. A non-nil response is a 407 whose challenge the
// caller handles; its body has been drained within bounds, or the
// connection dropped.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-9.3.6
func (t *Transaction) establishTunnel(ctx context.Context) (*parser.Response, error) {
	target := t.endpoint.HostPort()

	headers := http.NewHeaders(
		http.Field{Name: "Host", Value: target},
		http.Field{Name: "Proxy-Connection", Value: "keep-alive"},
	)
	if ua := t.session.opts.Send.UserAgent; ua != "" {
		headers.Add("User-Agent", ua)
	}
	t.addCredentials(ctx, t.proxyAuth, auth.Request{Method: http.MethodConnect, URI: target}, &headers)

	head := http.RequestHead{
		Method:  http.MethodConnect,
		Target:  target,
		Version: http.Version11,
		Headers: headers,
	}
	t.session.observer.OnRequestHeaders(observe.RequestSnapshot{
		TransactionID: t.ID(),
		Attempt:       t.retries,
		Method:        head.Method,
		URL:           target,
		Endpoint:      t.proxy.Origin.String(),
		Reused:        false,
		Headers:       headers.Clone(),
	})

	stop := t.interruptible(ctx)
	defer stop()

	if _, err := head.WriteTo(t.lease.Conn); err != nil {
		return nil, errors.Wrap(err, "writing CONNECT request")
	}

	p := parser.New(t.lease.Reader, parser.Options{
		MaxJunkBytes:   t.session.opts.Receive.MaxJunkBytes,
		MaxHeaderBytes: t.session.opts.Receive.MaxHeaderBytes,
		Proxied:        true,
		Method:         http.MethodConnect,
	})
	resp, err := p.ReadHeaders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading CONNECT response")
	}

	t.session.observer.OnResponseHeaders(observe.ResponseSnapshot{
		TransactionID: t.ID(),
		StatusLine:    resp.StatusLine(),
		StatusCode:    resp.StatusCode,
		HeaderBytes:   resp.HeaderBytes,
		Headers:       resp.Headers.Clone(),
	})

	switch {
	case http.IsSuccessful(resp.StatusCode):
		if t.lease.Reader.Buffered() > 0 {
			return nil, errors.Wrap(ErrTunnelConnectionFailed, "proxy sent data before the tunnel was used")
		}
		t.proxyAuth.OnSuccess()
		return nil, nil

	case resp.StatusCode == http.StatusProxyAuthRequired:
		t.parser, t.tunnelResp = p, true

		done, err := p.Discard(t.session.opts.Tunnel.MaxAuthBody)
		if err != nil || !done || !p.CanReuseConnection() {
			t.logger.Debug("Dropping proxy connection after challenge",
				slog.Bool("drained", done),
				slog.Any("error", err),
			)
			t.releaseLease(false)
		}
		return resp, nil
	}

	// The body is never read: it comes from the proxy, not the origin.
	return nil, errors.Wrapf(ErrTunnelConnectionFailed, "proxy responded %q", resp.StatusLine())
}
