package parser

import (
	"context"
	"http-engine/application/http"
	"http-engine/application/http/transfer"
	iolib "http-engine/lib/io"
	"http-engine/transport"
	"http-engine/transport/mock"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func newParser(opts Options, reads ...mock.Read) (*Parser, *iolib.UnreadReader, *mock.Conn) {
	conn := mock.NewConn(reads...)
	r := iolib.NewUnreadReader(conn)
	return New(r, opts), r, conn
}

func readBody(t *testing.T, p *Parser) (string, error) {
	t.Helper()

	var sb strings.Builder
	buf := make([]byte, 7)
	for {
		n, err := p.ReadBody(buf)
		sb.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
	}
}

type ParserTestSuite struct {
	suite.Suite
}

func TestParserTestSuite(t *testing.T) {
	suite.Run(t, new(ParserTestSuite))
}

func (s *ParserTestSuite) TestSimpleHTTP10() {
	input := "HTTP/1.0 200 OK\r\n\r\nhello world"
	p, _, _ := newParser(DefaultOptions(), mock.Data(input))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.Equal("HTTP/1.0 200 OK", resp.StatusLine())
	s.Equal(FramingUntilClose, resp.Framing)

	body, err := readBody(s.T(), p)
	s.Require().NoError(err)
	s.Equal("hello world", body)
	s.EqualValues(len(input), p.ReceivedBytes())
	s.True(p.IsComplete())
	s.False(p.CanReuseConnection())
}

func (s *ParserTestSuite) TestHTTP09Fallback() {
	p, _, _ := newParser(DefaultOptions(), mock.Data("hello world"))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.Equal("HTTP/0.9 200 OK", resp.StatusLine())

	body, err := readBody(s.T(), p)
	s.Require().NoError(err)
	s.Equal("hello world", body)
	s.EqualValues(11, p.ReceivedBytes())
}

func (s *ParserTestSuite) TestHTTP09FallbackShortInput() {
	p, _, _ := newParser(DefaultOptions(), mock.Data("hi"))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.Equal(http.Version09, resp.Version)

	body, err := readBody(s.T(), p)
	s.Require().NoError(err)
	s.Equal("hi", body)
}

func (s *ParserTestSuite) TestHTTP09RefusedOnSecureTransport() {
	opts := DefaultOptions()
	opts.Secure = true
	p, _, _ := newParser(opts, mock.Data("hello world"))

	_, err := p.ReadHeaders(context.Background())
	s.ErrorIs(err, ErrInvalidResponse)
}

func (s *ParserTestSuite) TestJunkBeforeStatusLine() {
	testcases := []struct {
		desc    string
		junk    string
		version http.Version
	}{
		{desc: "within bound", junk: "\r\n\n\r", version: http.Version11},
		{desc: "beyond bound", junk: "xxxxx", version: http.Version09},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			input := tc.junk + "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
			p, _, _ := newParser(DefaultOptions(), mock.Data(input))

			resp, err := p.ReadHeaders(context.Background())
			s.Require().NoError(err)
			s.Equal(tc.version, resp.Version)

			_, err = readBody(s.T(), p)
			s.Require().NoError(err)
			s.EqualValues(len(input), p.ReceivedBytes())
		})
	}
}

func (s *ParserTestSuite) TestNoBodyStopsAtHeaderEnd() {
	head := "HTTP/1.1 204 No Content\r\n\r\n"
	p, r, _ := newParser(DefaultOptions(), mock.Data(head+"junk"))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.Equal(http.StatusNoContent, resp.StatusCode)
	s.True(p.IsComplete())

	n, err := p.ReadBody(make([]byte, 10))
	s.ErrorIs(err, io.EOF)
	s.Zero(n)

	s.EqualValues(len(head), p.ReceivedBytes())
	s.Equal(4, r.Buffered(), "junk stays for the next parse")
}

func (s *ParserTestSuite) TestNoBodyStatuses() {
	testcases := []struct {
		desc   string
		method string
		status string
	}{
		{desc: "204", method: http.MethodGet, status: "204 No Content"},
		{desc: "304", method: http.MethodGet, status: "304 Not Modified"},
		{desc: "HEAD", method: http.MethodHead, status: "200 OK"},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			opts := DefaultOptions()
			opts.Method = tc.method
			head := "HTTP/1.1 " + tc.status + "\r\nContent-Length: 10\r\n\r\n"
			p, _, conn := newParser(opts, mock.Data(head), mock.Data("0123456789"))

			resp, err := p.ReadHeaders(context.Background())
			s.Require().NoError(err)
			s.Equal(FramingNone, resp.Framing)
			s.True(p.IsComplete())
			s.True(p.CanReuseConnection())
			s.Equal(10, conn.Unconsumed())
		})
	}
}

func (s *ParserTestSuite) TestContentLength() {
	head := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"
	next := "HTTP/1.1 200 OK\r\n"
	p, r, _ := newParser(DefaultOptions(), mock.Data(head+"hel"), mock.Data("lo"+next))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.EqualValues(5, resp.ContentLength)
	s.EqualValues(len(head), resp.HeaderBytes)

	body, err := readBody(s.T(), p)
	s.Require().NoError(err)
	s.Equal("hello", body)
	s.EqualValues(len(head)+5, p.ReceivedBytes())
	s.True(p.CanReuseConnection())

	// The pipelined response is attributed to the next parse.
	p2 := New(r, DefaultOptions())
	_, err = p2.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.Zero(r.Buffered())
}

func (s *ParserTestSuite) TestContentLengthMismatch() {
	p, _, _ := newParser(DefaultOptions(), mock.Data("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort"))

	_, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)

	body, err := readBody(s.T(), p)
	s.ErrorIs(err, ErrContentLengthMismatch)
	s.Equal("short", body)
	s.False(p.CanReuseConnection())
}

func (s *ParserTestSuite) TestDuplicateHeaders() {
	testcases := []struct {
		desc    string
		headers string
		err     error
	}{
		{desc: "identical content-length", headers: "Content-Length: 5\r\nContent-Length: 5\r\n"},
		{desc: "identical content-length list", headers: "Content-Length: 5, 5\r\n"},
		{desc: "conflicting content-length", headers: "Content-Length: 10\r\nContent-Length: 5\r\n", err: ErrMultipleContentLength},
		{desc: "conflicting content-length list", headers: "Content-Length: 10, 5\r\n", err: ErrMultipleContentLength},
		{
			desc:    "conflicting content-length with chunked",
			headers: "Transfer-Encoding: chunked\r\nContent-Length: 10\r\nContent-Length: 5\r\n",
		},
		{
			desc:    "conflicting disposition",
			headers: "Content-Length: 5\r\nContent-Disposition: inline\r\nContent-Disposition: attachment\r\n",
			err:     ErrMultipleContentDisposition,
		},
		{
			desc:    "conflicting location",
			headers: "Content-Length: 5\r\nLocation: /a\r\nLocation: /b\r\n",
			err:     ErrMultipleLocation,
		},
		{
			desc:    "conflicting location with chunked",
			headers: "Transfer-Encoding: chunked\r\nLocation: /a\r\nLocation: /b\r\n",
			err:     ErrMultipleLocation,
		},
		{desc: "identical location", headers: "Content-Length: 5\r\nLocation: /a\r\nLocation: /a\r\n"},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			p, _, _ := newParser(DefaultOptions(), mock.Data("HTTP/1.1 200 OK\r\n"+tc.headers+"\r\nhello"))

			resp, err := p.ReadHeaders(context.Background())
			if tc.err != nil {
				s.ErrorIs(err, tc.err)
				s.Nil(resp)
				return
			}
			s.Require().NoError(err)
		})
	}
}

func (s *ParserTestSuite) TestChunked() {
	head := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	body := "5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nX-Trailer: yes\r\n\r\n"
	p, r, _ := newParser(DefaultOptions(), mock.Data(head+body[:9]), mock.Data(body[9:]+"NEXT"))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.True(resp.Chunked)
	s.EqualValues(-1, resp.ContentLength)

	got, err := readBody(s.T(), p)
	s.Require().NoError(err)
	s.Equal("hello world", got)
	s.EqualValues(len(head)+len(body), p.ReceivedBytes())
	s.Equal([]http.Field{{Name: "X-Trailer", Value: "yes"}}, resp.Trailers)
	s.True(p.CanReuseConnection())
	s.Equal(4, r.Buffered())
}

func (s *ParserTestSuite) TestChunkedErrors() {
	head := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"

	s.Run("malformed size", func() {
		p, _, _ := newParser(DefaultOptions(), mock.Data(head+"zz\r\nhello\r\n"))
		_, err := p.ReadHeaders(context.Background())
		s.Require().NoError(err)
		_, err = readBody(s.T(), p)
		s.ErrorIs(err, transfer.ErrInvalidChunkedEncoding)
	})

	s.Run("closed mid body", func() {
		p, _, _ := newParser(DefaultOptions(), mock.Data(head+"5\r\nhel"))
		_, err := p.ReadHeaders(context.Background())
		s.Require().NoError(err)
		_, err = readBody(s.T(), p)
		s.ErrorIs(err, ErrIncompleteChunkedEncoding)
	})
}

func (s *ParserTestSuite) TestChunkedIgnoredForHTTP10() {
	p, _, _ := newParser(DefaultOptions(), mock.Data("HTTP/1.0 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Length: 3\r\n\r\nabc"))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.False(resp.Chunked)
	s.Equal(FramingContentLength, resp.Framing)
}

func (s *ParserTestSuite) TestInterimResponses() {
	interim := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a>\r\n\r\n"
	final := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	p, _, _ := newParser(DefaultOptions(), mock.Data(interim), mock.Data(final))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.False(resp.Headers.Has("Link"))

	_, err = readBody(s.T(), p)
	s.Require().NoError(err)
	s.EqualValues(len(interim)+len(final), p.ReceivedBytes())
}

func (s *ParserTestSuite) TestIncompleteInterimThenClose() {
	p, _, _ := newParser(DefaultOptions(), mock.Data("HTTP/1.1 100 Continue\r\n"))

	resp, err := p.ReadHeaders(context.Background())
	s.Require().NoError(err)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Zero(resp.Headers.Len())

	body, err := readBody(s.T(), p)
	s.Require().NoError(err)
	s.Empty(body)
}

func (s *ParserTestSuite) TestTruncatedHeaders() {
	input := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nX-Partial"

	s.Run("plaintext accepts", func() {
		p, _, _ := newParser(DefaultOptions(), mock.Data(input))
		resp, err := p.ReadHeaders(context.Background())
		s.Require().NoError(err)
		v, _ := resp.Headers.Get("Content-Type")
		s.Equal("text/plain", v)
		s.False(p.CanReuseConnection())
	})

	s.Run("secure fails", func() {
		opts := DefaultOptions()
		opts.Secure = true
		p, _, _ := newParser(opts, mock.Data(input))
		_, err := p.ReadHeaders(context.Background())
		s.ErrorIs(err, ErrHeadersTruncated)
	})
}

func (s *ParserTestSuite) TestHeadersTooBig() {
	opts := DefaultOptions()
	opts.MaxHeaderBytes = 64
	big := "HTTP/1.1 200 OK\r\nX-Big: " + strings.Repeat("a", 100) + "\r\n\r\n"

	p, _, _ := newParser(opts, mock.Data(big))
	resp, err := p.ReadHeaders(context.Background())
	s.ErrorIs(err, ErrHeadersTooBig)
	s.Nil(resp)

	_, err = p.ReadBody(make([]byte, 1))
	s.Error(err)
}

func (s *ParserTestSuite) TestEmptyResponse() {
	p, _, _ := newParser(DefaultOptions(), mock.EOF())
	_, err := p.ReadHeaders(context.Background())
	s.ErrorIs(err, ErrEmptyResponse)
}

func (s *ParserTestSuite) TestReadErrorSurfaces() {
	p, _, _ := newParser(DefaultOptions(), mock.Fail(transport.ErrConnReset))
	_, err := p.ReadHeaders(context.Background())
	s.ErrorIs(err, transport.ErrConnReset)
}

func (s *ParserTestSuite) TestKeepAlive() {
	testcases := []struct {
		desc     string
		proxied  bool
		head     string
		expected bool
	}{
		{desc: "1.1 default", head: "HTTP/1.1 200 OK\r\n", expected: true},
		{desc: "1.1 close", head: "HTTP/1.1 200 OK\r\nConnection: close\r\n"},
		{desc: "1.0 default", head: "HTTP/1.0 200 OK\r\n"},
		{desc: "1.0 keep-alive", head: "HTTP/1.0 200 OK\r\nConnection: Keep-Alive\r\n", expected: true},
		{desc: "1.0 proxy keep-alive ignored direct", head: "HTTP/1.0 200 OK\r\nProxy-Connection: keep-alive\r\n"},
		{desc: "1.0 proxy keep-alive", proxied: true, head: "HTTP/1.0 200 OK\r\nProxy-Connection: keep-alive\r\n", expected: true},
		{desc: "1.1 proxy close", proxied: true, head: "HTTP/1.1 200 OK\r\nProxy-Connection: close\r\n"},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			opts := DefaultOptions()
			opts.Proxied = tc.proxied
			p, _, _ := newParser(opts, mock.Data(tc.head+"Content-Length: 0\r\n\r\n"))

			resp, err := p.ReadHeaders(context.Background())
			s.Require().NoError(err)
			s.Equal(tc.expected, resp.KeepAlive)
			s.Equal(tc.expected, p.CanReuseConnection())
		})
	}
}

func (s *ParserTestSuite) TestDiscard() {
	head := "HTTP/1.1 401 Unauthorized\r\nContent-Length: 10\r\n\r\n"

	s.Run("within bound", func() {
		p, _, _ := newParser(DefaultOptions(), mock.Data(head+"0123456789"))
		_, err := p.ReadHeaders(context.Background())
		s.Require().NoError(err)

		drained, err := p.Discard(10)
		s.Require().NoError(err)
		s.True(drained)
		s.True(p.CanReuseConnection())
	})

	s.Run("over bound", func() {
		p, _, _ := newParser(DefaultOptions(), mock.Data(head+"0123456789"))
		_, err := p.ReadHeaders(context.Background())
		s.Require().NoError(err)

		drained, err := p.Discard(4)
		s.Require().NoError(err)
		s.False(drained)
		s.False(p.CanReuseConnection())
	})
}

func TestChunkedWriterThroughParser(t *testing.T) {
	const maxChunk = 8
	head := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"

	testcases := []struct {
		desc string
		n    int
	}{
		{desc: "empty", n: 0},
		{desc: "one byte", n: 1},
		{desc: "max chunk size", n: maxChunk},
		{desc: "max chunk size plus one", n: maxChunk + 1},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			payload := make([]byte, tc.n)
			for i := range payload {
				payload[i] = 'a' + byte(i%26)
			}

			var wire strings.Builder
			cw := transfer.NewChunkedWriter(&wire, maxChunk)
			_, err := cw.Write(payload)
			require.NoError(t, err)
			require.NoError(t, cw.Close())

			// The body arrives in two reads split inside the framing.
			body := wire.String()
			split := len(body) / 2
			p, r, _ := newParser(DefaultOptions(), mock.Data(head+body[:split]), mock.Data(body[split:]+"NEXT"))

			resp, err := p.ReadHeaders(context.Background())
			require.NoError(t, err)
			require.True(t, resp.Chunked)

			got, err := readBody(t, p)
			require.NoError(t, err)
			assert.Equal(t, string(payload), got)
			assert.True(t, p.IsComplete())
			assert.True(t, p.CanReuseConnection())
			assert.EqualValues(t, len(head)+len(body), p.ReceivedBytes())
			assert.Equal(t, 4, r.Buffered())
		})
	}
}

func TestParseStatusLine(t *testing.T) {
	testcases := []struct {
		desc   string
		input  string
		ver    http.Version
		code   int
		reason string
	}{
		{desc: "normal", input: "HTTP/1.1 404 Not Found", ver: http.Version11, code: 404, reason: "Not Found"},
		{desc: "no reason", input: "HTTP/1.1 204", ver: http.Version11, code: 204},
		{desc: "bad code", input: "HTTP/1.1 abc Oops", ver: http.Version11, code: 200, reason: "Oops"},
		{desc: "bad version", input: "HTTP/x 500 Err", ver: http.Version10, code: 500, reason: "Err"},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			ver, code, reason := parseStatusLine([]byte(tc.input))
			assert.Equal(t, tc.ver, ver)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestParseHeadFolding(t *testing.T) {
	resp := parseHead([]byte("HTTP/1.1 200 OK\r\nX-Long: a\r\n  b\r\nnot a field\r\nY: z\r\n\r\n"))
	v, ok := resp.Headers.Get("X-Long")
	require.True(t, ok)
	assert.Equal(t, "a b", v)
	assert.Equal(t, 2, resp.Headers.Len())
}
