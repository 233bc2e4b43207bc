// Package pool leases HTTP/1.x connections to transactions.
//
// A lease is held by one transaction at a time. Released leases that can
// carry another request go back to a per-group idle list, newest first,
// and waiters are served by priority once the per-host limit is reached.
package pool

import (
	"http-engine/application/http"
	iolib "http-engine/lib/io"
	"http-engine/transport"
	"time"
)

// ReuseKind tells how a connection was obtained. Retry decisions depend
// on it.
type ReuseKind uint8

const (
	// Fresh connections were dialed for this request.
	Fresh ReuseKind = iota
	// Reused connections already carried at least one response.
	Reused
	// Preconnected connections were dialed ahead and never used.
	Preconnected
)

func (k ReuseKind) String() string {
	switch k {
	case Reused:
		return "reused"
	case Preconnected:
		return "preconnected"
	}
	return "fresh"
}

// Kind is the shape of the path to the origin.
type Kind uint8

const (
	Direct Kind = iota
	// Proxied requests go to a plain proxy with an absolute target.
	Proxied
	// Tunneled connections run through a CONNECT tunnel.
	Tunneled
	// Multiplexed leases are streams of a shared session. This pool never
	// hands them out.
	Multiplexed
)

func (k Kind) String() string {
	switch k {
	case Proxied:
		return "proxied"
	case Tunneled:
		return "tunneled"
	case Multiplexed:
		return "multiplexed"
	}
	return "direct"
}

// Request describes the connection a transaction needs.
type Request struct {
	// Endpoint is where requests are sent, possibly an alternate of the
	// origin.
	Endpoint http.Origin
	// Proxy is nil for direct connections.
	Proxy *http.Origin
	// ForceFresh skips idle connections.
	ForceFresh bool

	priority int
}

func NewRequest(endpoint http.Origin, proxy *http.Origin, priority int) *Request {
	return &Request{Endpoint: endpoint.Normalize(), Proxy: proxy, priority: priority}
}

func (r *Request) Priority() int { return r.priority }

// Kind is the path a connection for r takes.
func (r *Request) Kind() Kind {
	switch {
	case r.Proxy == nil:
		return Direct
	case r.Endpoint.IsSecure():
		return Tunneled
	}
	return Proxied
}

func (r *Request) key() groupKey {
	k := groupKey{endpoint: r.Endpoint.String(), kind: r.Kind()}
	if r.Proxy != nil {
		k.proxy = r.Proxy.Normalize().String()
	}
	return k
}

// dialAddr is the first hop.
func (r *Request) dialAddr() transport.HostPort {
	if r.Proxy != nil {
		return transport.HostPort{Host: r.Proxy.Host, Port: r.Proxy.Port}
	}
	return transport.HostPort{Host: r.Endpoint.Host, Port: r.Endpoint.Port}
}

type groupKey struct {
	endpoint string
	proxy    string
	kind     Kind
}

// Lease is exclusive use of one connection.
type Lease struct {
	Conn transport.Conn
	// Reader wraps Conn. Bytes a parser read past its response stay here.
	Reader *iolib.UnreadReader

	Reuse    ReuseKind
	Kind     Kind
	Endpoint http.Origin
	Proxy    *http.Origin

	// Established is set by the holder once tunnel and secure channel
	// setup are done. Leases handed out again keep it.
	Established bool
	// Secured reports a secure channel on Conn.
	Secured bool

	// Priority of the request bound to the lease.
	Priority int

	key          groupKey
	idleAt       time.Time
	preconnected bool
}

// SetConn replaces the connection, e.g. after a secure channel was
// layered on it. Bytes pushed back to Reader are dropped.
func (l *Lease) SetConn(c transport.Conn) {
	l.Conn = c
	l.Reader.Reset(c)
}

func newLease(c transport.Conn, req *Request) *Lease {
	return &Lease{
		Conn:     c,
		Reader:   iolib.NewUnreadReader(c),
		Reuse:    Fresh,
		Kind:     req.Kind(),
		Endpoint: req.Endpoint,
		Proxy:    req.Proxy,
		Priority: req.priority,
		key:      req.key(),
	}
}
