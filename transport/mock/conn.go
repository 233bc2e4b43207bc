// Package mock provides a scripted transport.Conn for tests. Reads replay a
// fixed list of segments and writes are recorded, so a test can describe a
// whole exchange up front and inspect what was sent afterwards.
package mock

import (
	"bytes"
	"io"
	"sync"
	"time"

	"http-engine/transport"
)

// Read is one scripted result of Conn.Read. A segment larger than the
// caller's buffer is handed out across several reads.
type Read struct {
	Data []byte
	Err  error
}

// Data scripts a successful read.
func Data(s string) Read { return Read{Data: []byte(s)} }

// Fail scripts a read error.
func Fail(err error) Read { return Read{Err: err} }

// EOF scripts an orderly close by the peer.
func EOF() Read { return Read{Err: io.EOF} }

type Conn struct {
	mu sync.Mutex

	reads   []Read
	readIdx int
	offset  int
	nread   int

	written  bytes.Buffer
	writeErr error
	failAt   int // fail once this many bytes were written, -1 disables.

	closed bool

	local, remote transport.Addr
}

var _ transport.Conn = (*Conn)(nil)

func NewConn(reads ...Read) *Conn {
	return &Conn{
		reads:  reads,
		failAt: -1,
		local:  addr("local"),
		remote: addr("remote"),
	}
}

// FailWrites makes writes fail with err once after bytes were accepted.
func (c *Conn) FailWrites(after int, err error) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAt, c.writeErr = after, err
	return c
}

func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, transport.ErrConnClosed
	}

	if c.readIdx >= len(c.reads) {
		return 0, io.EOF
	}

	r := c.reads[c.readIdx]
	if r.Err != nil {
		c.readIdx++
		return 0, r.Err
	}

	n := copy(p, r.Data[c.offset:])
	c.offset += n
	c.nread += n
	if c.offset == len(r.Data) {
		c.readIdx++
		c.offset = 0
	}

	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, transport.ErrConnClosed
	}

	if c.failAt >= 0 {
		room := c.failAt - c.written.Len()
		if room <= 0 {
			return 0, c.writeErr
		}
		if room < len(p) {
			c.written.Write(p[:room])
			return room, c.writeErr
		}
	}

	return c.written.Write(p)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) LocalAddr() transport.Addr  { return c.local }
func (c *Conn) RemoteAddr() transport.Addr { return c.remote }

func (c *Conn) SetReadDeadLine(time.Time)  {}
func (c *Conn) SetWriteDeadLine(time.Time) {}

// Written returns everything written so far.
func (c *Conn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

// BytesRead counts scripted bytes handed to the reader.
func (c *Conn) BytesRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nread
}

// Unconsumed reports scripted data that was never read.
func (c *Conn) Unconsumed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	left := 0
	for i := c.readIdx; i < len(c.reads); i++ {
		left += len(c.reads[i].Data)
	}
	return left - c.offset
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type addr string

func (a addr) Network() transport.Protocol { return "mock" }
func (a addr) String() string              { return string(a) }
