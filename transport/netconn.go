package transport

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// NetDialer dials real sockets through the standard library.
type NetDialer struct {
	Dialer net.Dialer
}

var _ ConnDialer = (*NetDialer)(nil)

func (d *NetDialer) Dial(ctx context.Context, addr Addr) (Conn, error) {
	c, err := d.Dialer.DialContext(ctx, string(addr.Network()), addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	return WrapNetConn(c), nil
}

type netAddr struct{ addr net.Addr }

func (a netAddr) Network() Protocol { return Protocol(a.addr.Network()) }
func (a netAddr) String() string    { return a.addr.String() }

type netConn struct{ c net.Conn }

// WrapNetConn adapts a net.Conn, translating its errors into this
// package's sentinels where one exists.
func WrapNetConn(c net.Conn) Conn { return &netConn{c: c} }

// Unwrap returns the underlying net.Conn, e.g. for crypto/tls.
func (nc *netConn) Unwrap() net.Conn { return nc.c }

func (nc *netConn) Read(p []byte) (int, error) {
	n, err := nc.c.Read(p)
	return n, translate(err)
}

func (nc *netConn) Write(p []byte) (int, error) {
	n, err := nc.c.Write(p)
	return n, translate(err)
}

func (nc *netConn) Close() error { return nc.c.Close() }

func (nc *netConn) LocalAddr() Addr  { return netAddr{nc.c.LocalAddr()} }
func (nc *netConn) RemoteAddr() Addr { return netAddr{nc.c.RemoteAddr()} }

func (nc *netConn) SetReadDeadLine(t time.Time)  { _ = nc.c.SetReadDeadline(t) }
func (nc *netConn) SetWriteDeadLine(t time.Time) { _ = nc.c.SetWriteDeadline(t) }

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrDeadLineExceeded
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return ErrConnClosed
	}
	return err
}

// NetConn exposes c as a net.Conn, e.g. for crypto/tls. Connections made
// by NetDialer are unwrapped.
func NetConn(c Conn) net.Conn {
	if nc, ok := c.(*netConn); ok {
		return nc.c
	}
	return &connAdapter{c: c}
}

type connAdapter struct{ c Conn }

type addrAdapter struct{ a Addr }

func (a addrAdapter) Network() string { return string(a.a.Network()) }
func (a addrAdapter) String() string  { return a.a.String() }

func (ca *connAdapter) Read(p []byte) (int, error)  { return ca.c.Read(p) }
func (ca *connAdapter) Write(p []byte) (int, error) { return ca.c.Write(p) }
func (ca *connAdapter) Close() error                { return ca.c.Close() }

func (ca *connAdapter) LocalAddr() net.Addr  { return addrAdapter{ca.c.LocalAddr()} }
func (ca *connAdapter) RemoteAddr() net.Addr { return addrAdapter{ca.c.RemoteAddr()} }

func (ca *connAdapter) SetDeadline(t time.Time) error {
	ca.c.SetReadDeadLine(t)
	ca.c.SetWriteDeadLine(t)
	return nil
}

func (ca *connAdapter) SetReadDeadline(t time.Time) error {
	ca.c.SetReadDeadLine(t)
	return nil
}

func (ca *connAdapter) SetWriteDeadline(t time.Time) error {
	ca.c.SetWriteDeadLine(t)
	return nil
}
