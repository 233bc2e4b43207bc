package http

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Origin is the scheme, host and port a request is addressed to.
type Origin struct {
	Scheme string
	Host   string
	Port   uint16
}

// Normalize lowercases the scheme and converts the host to its ASCII
// form, so "BÜCHER.example" and "xn--bcher-kva.example" compare equal.
func (o Origin) Normalize() Origin {
	o.Scheme = strings.ToLower(o.Scheme)
	o.Host = NormalizeHost(o.Host)
	return o
}

// HostPort is host:port with IPv6 literals bracketed.
func (o Origin) HostPort() string {
	return net.JoinHostPort(o.Host, strconv.FormatUint(uint64(o.Port), 10))
}

func (o Origin) String() string { return o.Scheme + "://" + o.HostPort() }

// IsSecure reports whether the scheme requires TLS.
func (o Origin) IsSecure() bool { return o.Scheme == "https" || o.Scheme == "wss" }

func NormalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return strings.ToLower(host)
}

// DefaultPort returns the well-known port of scheme, or 0.
func DefaultPort(scheme string) uint16 {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	}
	return 0
}
