package transport

import (
	"net"
	"strconv"
)

type Protocol string

const (
	TCP Protocol = "tcp"
)

type Addr interface {
	Network() Protocol
	String() string
}

// HostPort is a named endpoint. The host is not resolved here; turning it
// into an address is the dialer's business.
type HostPort struct {
	Host string
	Port uint16
}

var _ Addr = HostPort{}

func (a HostPort) Network() Protocol { return TCP }

func (a HostPort) String() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}
