// Package test holds a conformance suite for the transport.Conn
// implementations transactions run over. Leases are interrupted through
// deadlines and a dead peer is recognized by its error, so both are
// checked here.
package test

import (
	"bytes"
	"io"
	"sync"
	"time"

	"http-engine/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type ConnTestSuite struct {
	suite.Suite
	// C1 is the client side, C2 the server side.
	C1, C2 transport.Conn
	Clock  clock.Clock

	done  chan struct{}
	timer *time.Timer
}

func (s *ConnTestSuite) SetupTest() {
	s.done = make(chan struct{})
	s.Clock = clock.New()

	s.timer = time.AfterFunc(2*time.Second, func() {
		select {
		case <-s.done:
		default:
			s.FailNow("timeout exceeded")
		}
	})
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.C1.Close()
	s.C2.Close()
	close(s.done)
	s.timer.Stop()
}

// serve runs fn as the server side and waits for it on return of the
// calling test.
func (s *ConnTestSuite) serve(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func (s *ConnTestSuite) TestRequestResponse() {
	request := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	response := []byte("HTTP/1.1 204 No Content\r\n\r\n")

	var wg sync.WaitGroup
	defer wg.Wait()

	s.serve(&wg, func() {
		// Small reads see the request in pieces.
		got := make([]byte, 0, len(request))
		buf := make([]byte, 7)
		for len(got) < len(request) {
			n, err := s.C2.Read(buf)
			s.Require().NoError(err)
			got = append(got, buf[:n]...)
		}
		s.Equal(request, got)

		n, err := s.C2.Write(response)
		s.Require().NoError(err)
		s.Equal(len(response), n)
	})

	n, err := s.C1.Write(request)
	s.Require().NoError(err)
	s.Equal(len(request), n)

	got, err := io.ReadAll(io.LimitReader(s.C1, int64(len(response))))
	s.Require().NoError(err)
	s.Equal(response, got)
}

func (s *ConnTestSuite) TestWritesDoNotInterleave() {
	head := []byte("ABCD")
	const writers = 10

	var wg sync.WaitGroup
	defer wg.Wait()

	s.serve(&wg, func() {
		var got []byte
		buf := make([]byte, 3)
		for {
			n, err := s.C2.Read(buf)
			if err != nil {
				s.True(transport.IsClosed(err), "%v", err)
				s.Equal(bytes.Repeat(head, writers), got)
				return
			}
			got = append(got, buf[:n]...)
		}
	})

	var writes sync.WaitGroup
	for range writers {
		writes.Add(1)
		go func() {
			defer writes.Done()
			n, err := s.C1.Write(head)
			s.NoError(err)
			s.Equal(len(head), n)
		}()
	}
	writes.Wait()
	s.Require().NoError(s.C1.Close())
}

func (s *ConnTestSuite) TestPeerCloseEndsBlockedRead() {
	var wg sync.WaitGroup
	defer wg.Wait()

	s.serve(&wg, func() {
		n, err := s.C1.Read(make([]byte, 8))
		s.Zero(n)
		s.True(transport.IsClosed(err) || transport.IsReset(err), "%v", err)
	})

	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.C2.Close())
}

func (s *ConnTestSuite) TestClosedConnRefusesIO() {
	s.Require().NoError(s.C1.Close())

	n, err := s.C1.Read(make([]byte, 1))
	s.Zero(n)
	s.ErrorIs(err, transport.ErrConnClosed)

	n, err = s.C1.Write([]byte("x"))
	s.Zero(n)
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *ConnTestSuite) TestDeadLineInterruptsBlockedRead() {
	var wg sync.WaitGroup
	defer wg.Wait()

	s.serve(&wg, func() {
		n, err := s.C1.Read(make([]byte, 8))
		s.Zero(n)
		s.ErrorIs(err, transport.ErrDeadLineExceeded)
	})

	time.Sleep(20 * time.Millisecond)
	s.C1.SetReadDeadLine(s.Clock.Now())
}

func (s *ConnTestSuite) TestDeadLineInterruptsBlockedWrite() {
	var wg sync.WaitGroup
	defer wg.Wait()

	s.serve(&wg, func() {
		_, err := s.C1.Write([]byte("nobody reads this"))
		s.ErrorIs(err, transport.ErrDeadLineExceeded)
	})

	time.Sleep(20 * time.Millisecond)
	s.C1.SetWriteDeadLine(s.Clock.Now())
}

func (s *ConnTestSuite) TestClearedDeadLine() {
	s.C1.SetReadDeadLine(s.Clock.Now().Add(-time.Second))
	_, err := s.C1.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrDeadLineExceeded)

	s.C1.SetReadDeadLine(time.Time{})

	var wg sync.WaitGroup
	defer wg.Wait()

	s.serve(&wg, func() {
		_, err := s.C2.Write([]byte("y"))
		s.NoError(err)
	})

	b := make([]byte, 1)
	n, err := s.C1.Read(b)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal("y", string(b))
}

func (s *ConnTestSuite) TestAddr() {
	s.Equal(s.C1.LocalAddr(), s.C2.RemoteAddr())
	s.Equal(s.C2.LocalAddr(), s.C1.RemoteAddr())
}
