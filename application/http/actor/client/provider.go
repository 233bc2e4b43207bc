package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"http-engine/application/http"
	"http-engine/application/http/actor/client/pool"
	"http-engine/application/http/auth"
	"http-engine/transport"
	"net/url"
	"sync"
)

type (
	Lease       = pool.Lease
	ConnRequest = pool.Request
)

// ConnProvider hands out connection leases. *pool.Pool is one.
type ConnProvider interface {
	Acquire(ctx context.Context, req *ConnRequest) (*Lease, error)
	Release(lease *Lease, reusable bool)
	// SetPriority reorders a request still waiting for a connection.
	SetPriority(req *ConnRequest, priority int)
	// Reprioritize changes the priority of the stream bound to lease.
	Reprioritize(lease *Lease, priority int)
}

var _ ConnProvider = (*pool.Pool)(nil)

type SecureConfig struct {
	// ServerName is the origin host, also when an alternate endpoint is
	// dialed.
	ServerName string
	// Certificate is the client certificate to offer. Ignored unless
	// CertificateChosen.
	Certificate       *tls.Certificate
	CertificateChosen bool
	// AllowedBadCerts are server certificates accepted although they
	// fail verification. Any other certificate is still verified.
	AllowedBadCerts []*x509.Certificate
}

// Allows reports whether cert was accepted despite failed verification.
func (c SecureConfig) Allows(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	for _, bad := range c.AllowedBadCerts {
		if bytes.Equal(bad.Raw, cert.Raw) {
			return true
		}
	}
	return false
}

// SecureChannel layers a secure channel over a connection.
//
// A failed server verification returns *CertificateError, a missing
// client certificate choice *ClientCertRequiredError, and a refused client
// certificate an error wrapping ErrBadClientCertificate.
type SecureChannel interface {
	Secure(ctx context.Context, conn transport.Conn, cfg SecureConfig) (transport.Conn, error)
}

// ProxyInfo names the proxy for a request.
type ProxyInfo struct {
	Origin http.Origin
	// Credentials are tried once against the proxy before asking the
	// caller.
	Credentials *auth.Credentials
}

// ProxyResolver picks the proxy for a URL. A nil ProxyInfo means direct.
type ProxyResolver interface {
	ResolveProxy(ctx context.Context, u *url.URL) (*ProxyInfo, error)
}

type directResolver struct{}

func (directResolver) ResolveProxy(context.Context, *url.URL) (*ProxyInfo, error) { return nil, nil }

// Direct never uses a proxy.
var Direct ProxyResolver = directResolver{}

type fixedResolver struct{ info ProxyInfo }

// FixedProxy sends everything through one proxy.
func FixedProxy(info ProxyInfo) ProxyResolver { return fixedResolver{info: info} }

func (r fixedResolver) ResolveProxy(context.Context, *url.URL) (*ProxyInfo, error) {
	info := r.info
	return &info, nil
}

// ClientCertCache remembers the client certificate choice per endpoint.
// A nil certificate is a remembered choice of sending none.
type ClientCertCache struct {
	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

func NewClientCertCache() *ClientCertCache {
	return &ClientCertCache{certs: make(map[string]*tls.Certificate)}
}

func (c *ClientCertCache) Lookup(endpoint http.Origin) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cert, ok := c.certs[endpoint.Normalize().HostPort()]
	return cert, ok
}

func (c *ClientCertCache) Store(endpoint http.Origin, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs[endpoint.Normalize().HostPort()] = cert
}

// Evict forgets the choice for endpoint only.
func (c *ClientCertCache) Evict(endpoint http.Origin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := endpoint.Normalize().HostPort()
	_, ok := c.certs[key]
	delete(c.certs, key)
	return ok
}
