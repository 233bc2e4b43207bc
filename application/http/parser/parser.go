// Package parser reads HTTP/1.x responses off a connection.
//
// A Parser consumes exactly the octets of one response. Whatever it read
// past the end of the response is pushed back to the shared reader, where
// the next Parser on the same connection picks it up.
package parser

import (
	"bytes"
	"context"
	"http-engine/application/http"
	"http-engine/application/http/transfer"
	iolib "http-engine/lib/io"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Options struct {
	// MaxJunkBytes is how many bytes may precede the status line.
	MaxJunkBytes int
	// MaxHeaderBytes bounds the header block, junk and interim responses
	// excluded.
	MaxHeaderBytes int
	// Secure is set when the transport is TLS. It disables the HTTP/0.9
	// fallback and makes truncated headers an error.
	Secure bool
	// Proxied makes Proxy-Connection count for keep-alive.
	Proxied bool
	// Method of the request this response answers.
	Method string
}

func DefaultOptions() Options {
	return Options{
		MaxJunkBytes:   4,
		MaxHeaderBytes: 256 << 10,
		Method:         http.MethodGet,
	}
}

type state uint8

const (
	stateStatusLine state = iota
	stateHeaders
	stateBody
	stateComplete
	stateFailed
)

const readSize = 4 << 10

var statusPrefix = []byte("HTTP/")

type Parser struct {
	r    *iolib.UnreadReader
	opts Options

	state state
	// buf holds bytes read from r and not yet consumed.
	buf     []byte
	scratch []byte
	eof     bool

	resp      *Response
	received  int64
	remaining int64
	chunked   *transfer.ChunkedDecoder
	// junk is the offset of the status line in buf once found.
	junk int
}

func New(r *iolib.UnreadReader, opts Options) *Parser {
	if opts.MaxJunkBytes < 0 {
		opts.MaxJunkBytes = 0
	}
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = DefaultOptions().MaxHeaderBytes
	}

	return &Parser{
		r:       r,
		opts:    opts,
		scratch: make([]byte, readSize),
	}
}

// ReadHeaders reads until the final response head. Interim 1xx responses
// other than 101 are consumed and dropped.
func (p *Parser) ReadHeaders(ctx context.Context) (*Response, error) {
	if p.resp != nil {
		return p.resp, nil
	}

	resp, err := p.readHeaders(ctx)
	if err != nil {
		p.state = stateFailed
		return nil, err
	}

	p.resp = resp
	return resp, nil
}

func (p *Parser) readHeaders(ctx context.Context) (*Response, error) {
	interim := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch p.state {
		case stateStatusLine:
			found, err := p.locateStatusLine()
			if err != nil {
				return nil, err
			}
			if found {
				p.state = stateHeaders
				continue
			}
			if p.eof {
				if len(p.buf) == 0 {
					if interim {
						return nil, errors.Wrap(ErrEmptyResponse, "connection closed after interim response")
					}
					return nil, ErrEmptyResponse
				}
				return p.http09()
			}
			if p.canDecideNoStatusLine() {
				return p.http09()
			}

		case stateHeaders:
			end := findHeadersEnd(p.buf[p.junk:])
			if end < 0 {
				if len(p.buf)-p.junk > p.opts.MaxHeaderBytes {
					return nil, errors.Wrapf(ErrHeadersTooBig, "over %d bytes", p.opts.MaxHeaderBytes)
				}
				if p.eof {
					return p.truncatedHeaders()
				}
				break
			}
			if end > p.opts.MaxHeaderBytes {
				return nil, errors.Wrapf(ErrHeadersTooBig, "%d bytes", end)
			}

			block := p.buf[p.junk : p.junk+end]
			resp := parseHead(block)
			p.consume(p.junk + end)
			p.junk = 0

			if http.IsInformational(resp.StatusCode) && resp.StatusCode != http.StatusSwitchingProtocols {
				interim = true
				p.state = stateStatusLine
				continue
			}

			if err := p.frame(resp); err != nil {
				return nil, err
			}
			return resp, nil
		}

		if err := p.fill(); err != nil {
			return nil, err
		}
	}
}

// locateStatusLine looks for the status line within the junk bound.
func (p *Parser) locateStatusLine() (bool, error) {
	limit := min(len(p.buf), p.opts.MaxJunkBytes+len(statusPrefix))
	for i := 0; i+len(statusPrefix) <= limit; i++ {
		if bytes.EqualFold(p.buf[i:i+len(statusPrefix)], statusPrefix) {
			p.junk = i
			return true, nil
		}
	}
	return false, nil
}

func (p *Parser) canDecideNoStatusLine() bool {
	return len(p.buf) >= p.opts.MaxJunkBytes+len(statusPrefix)
}

// http09 treats everything received as the body of an HTTP/0.9 response.
func (p *Parser) http09() (*Response, error) {
	if p.opts.Secure {
		return nil, errors.Wrap(ErrInvalidResponse, "no status line on secure transport")
	}

	resp := &Response{
		Version:       http.Version09,
		StatusCode:    http.StatusOK,
		Reason:        http.StatusText(http.StatusOK),
		ContentLength: -1,
		Framing:       FramingUntilClose,
	}
	p.state = stateBody
	return resp, nil
}

// truncatedHeaders handles EOF in the middle of a header block.
func (p *Parser) truncatedHeaders() (*Response, error) {
	block := p.buf[p.junk:]
	resp := parseHead(block)

	if http.IsInformational(resp.StatusCode) {
		// The interim response never finished, report an empty success.
		p.consume(len(p.buf))
		empty := &Response{
			Version:       resp.Version,
			StatusCode:    http.StatusOK,
			Reason:        http.StatusText(http.StatusOK),
			ContentLength: 0,
			Framing:       FramingNone,
			HeaderBytes:   p.received,
		}
		p.state = stateComplete
		return empty, nil
	}

	if p.opts.Secure {
		return nil, errors.Wrapf(ErrHeadersTruncated, "after %d bytes", len(block))
	}

	p.consume(len(p.buf))
	resp.HeaderBytes = p.received
	resp.ContentLength = -1
	resp.Framing = FramingNone
	p.state = stateComplete
	return resp, nil
}

// frame validates framing headers and prepares the body phase.
func (p *Parser) frame(resp *Response) error {
	resp.HeaderBytes = p.received
	h := resp.Headers

	if resp.Version.AtLeast(http.Version11) {
		resp.Chunked = transfer.IsChunked(transfer.ParseCodings(h.Values("Transfer-Encoding")))
	}

	if !resp.Chunked {
		if conflicting(h.Values("Content-Length"), true) {
			return ErrMultipleContentLength
		}
	}
	if conflicting(h.Values("Content-Disposition"), false) {
		return ErrMultipleContentDisposition
	}
	if conflicting(h.Values("Location"), false) {
		return ErrMultipleLocation
	}

	resp.ContentLength = -1
	if v, ok := h.Get("Content-Length"); ok && !resp.Chunked {
		first, _, _ := strings.Cut(v, ",")
		n, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
		if err == nil && n >= 0 {
			resp.ContentLength = n
		}
	}

	switch {
	case noBody(resp.StatusCode, p.opts.Method):
		resp.Framing = FramingNone
	case resp.Chunked:
		resp.Framing = FramingChunked
		p.chunked = transfer.NewChunkedDecoder()
	case resp.ContentLength >= 0:
		resp.Framing = FramingContentLength
		p.remaining = resp.ContentLength
	default:
		resp.Framing = FramingUntilClose
	}

	resp.KeepAlive = p.keepAlive(resp)

	p.state = stateBody
	if resp.Framing == FramingNone || (resp.Framing == FramingContentLength && p.remaining == 0) {
		p.complete()
	}
	return nil
}

func noBody(status int, method string) bool {
	if method == http.MethodConnect && http.IsSuccessful(status) {
		return true
	}
	return method == http.MethodHead ||
		http.IsInformational(status) ||
		status == http.StatusNoContent ||
		status == http.StatusNotModified
}

func (p *Parser) keepAlive(resp *Response) bool {
	h := resp.Headers
	switch {
	case resp.Version.AtLeast(http.Version11):
		if h.HasToken("Connection", "close") {
			return false
		}
		if p.opts.Proxied && h.HasToken("Proxy-Connection", "close") {
			return false
		}
		return true
	case resp.Version == http.Version10:
		if h.HasToken("Connection", "keep-alive") {
			return true
		}
		return p.opts.Proxied && h.HasToken("Proxy-Connection", "keep-alive")
	}
	return false
}

// conflicting reports whether values disagree. With splitList every comma
// separated element counts as a value of its own.
func conflicting(values []string, splitList bool) bool {
	var first string
	seen := false
	for _, v := range values {
		elems := []string{v}
		if splitList {
			elems = strings.Split(v, ",")
		}
		for _, e := range elems {
			e = strings.TrimSpace(e)
			if !seen {
				first, seen = e, true
				continue
			}
			if e != first {
				return true
			}
		}
	}
	return false
}

// ReadBody reads decoded body bytes. It returns io.EOF once the body is
// complete.
func (p *Parser) ReadBody(b []byte) (int, error) {
	switch p.state {
	case stateComplete:
		return 0, io.EOF
	case stateBody:
	case stateFailed:
		return 0, errors.Wrap(ErrInvalidResponse, "parser failed")
	default:
		return 0, ErrHeadersNotRead
	}

	if len(b) == 0 {
		return 0, nil
	}

	n, err := p.readBody(b)
	if err != nil && !errors.Is(err, io.EOF) {
		p.state = stateFailed
	}
	return n, err
}

func (p *Parser) readBody(b []byte) (int, error) {
	switch p.resp.Framing {
	case FramingContentLength:
		return p.readContentLength(b)
	case FramingChunked:
		return p.readChunked(b)
	case FramingUntilClose:
		return p.readUntilClose(b)
	}

	p.complete()
	return 0, io.EOF
}

func (p *Parser) readContentLength(b []byte) (int, error) {
	if p.remaining == 0 {
		p.complete()
		return 0, io.EOF
	}

	if int64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}

	n, err := p.readRaw(b)
	p.remaining -= int64(n)
	if p.remaining == 0 {
		p.complete()
		return n, nil
	}

	if errors.Is(err, io.EOF) {
		return n, errors.Wrapf(ErrContentLengthMismatch, "%d bytes missing", p.remaining)
	}
	if err != nil {
		return n, errors.Wrap(err, "reading body")
	}
	return n, nil
}

func (p *Parser) readChunked(b []byte) (int, error) {
	for {
		if len(p.buf) > 0 {
			nSrc, nDst, err := p.chunked.Decode(b, p.buf)
			p.consume(nSrc)
			if err != nil {
				return nDst, err
			}

			if p.chunked.Done() {
				p.resp.Trailers = p.chunked.Trailers()
				p.complete()
			}
			if nDst > 0 || p.state == stateComplete {
				if nDst == 0 {
					return 0, io.EOF
				}
				return nDst, nil
			}
		}

		if p.eof {
			return 0, ErrIncompleteChunkedEncoding
		}
		if err := p.fill(); err != nil {
			return 0, errors.Wrap(err, "reading chunked body")
		}
	}
}

func (p *Parser) readUntilClose(b []byte) (int, error) {
	n, err := p.readRaw(b)
	if errors.Is(err, io.EOF) {
		if n > 0 {
			return n, nil
		}
		p.complete()
		return 0, io.EOF
	}
	if err != nil {
		return n, errors.Wrap(err, "reading body")
	}
	return n, nil
}

// readRaw serves buffered bytes first, then reads r directly into b.
func (p *Parser) readRaw(b []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.consume(n)
		return n, nil
	}
	if p.eof {
		return 0, io.EOF
	}

	n, err := p.r.Read(b)
	p.received += int64(n)
	if errors.Is(err, io.EOF) {
		p.eof = true
	}
	return n, err
}

// fill appends one read of r to buf.
func (p *Parser) fill() error {
	n, err := p.r.Read(p.scratch)
	p.buf = append(p.buf, p.scratch[:n]...)
	if errors.Is(err, io.EOF) {
		p.eof = true
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	return nil
}

func (p *Parser) consume(n int) {
	p.received += int64(n)
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
}

// complete hands bytes that belong to the next response back to r.
func (p *Parser) complete() {
	p.state = stateComplete
	p.r.Unread(p.buf)
	p.buf = nil
}

// Discard reads and drops at most limit body bytes. It reports whether
// the body ended within the bound.
func (p *Parser) Discard(limit int64) (bool, error) {
	buf := make([]byte, readSize)
	var total int64
	for total <= limit {
		n, err := p.ReadBody(buf[:min(int64(len(buf)), limit-total+1)])
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// ReceivedBytes counts the raw octets of this response consumed so far.
func (p *Parser) ReceivedBytes() int64 { return p.received }

// Started reports whether any octet of the response arrived.
func (p *Parser) Started() bool { return p.received > 0 || len(p.buf) > 0 }

func (p *Parser) IsComplete() bool { return p.state == stateComplete }

func (p *Parser) HeadersRead() bool { return p.resp != nil }

// CanReuseConnection reports whether another request may follow on the
// same connection.
func (p *Parser) CanReuseConnection() bool {
	if p.state != stateComplete || p.resp == nil {
		return false
	}
	if p.resp.Framing == FramingUntilClose || p.resp.StatusCode == http.StatusSwitchingProtocols {
		return false
	}
	return p.resp.KeepAlive && !p.eof
}

// findHeadersEnd returns the offset just past the empty line ending the
// header block, or -1. Bare LF line endings are accepted.
func findHeadersEnd(b []byte) int {
	start := 0
	for {
		idx := bytes.IndexByte(b[start:], http.LF)
		if idx < 0 {
			return -1
		}
		line := b[start : start+idx]
		if start > 0 && (len(line) == 0 || (len(line) == 1 && line[0] == http.CR)) {
			return start + idx + 1
		}
		start += idx + 1
	}
}

// parseHead parses a status line and header fields leniently. Lines that
// are not fields are skipped and obsolete line folding is unfolded.
func parseHead(block []byte) *Response {
	lines := splitLines(block)
	resp := &Response{ContentLength: -1}
	if len(lines) == 0 {
		resp.Version = http.Version10
		resp.StatusCode = http.StatusOK
		return resp
	}

	resp.Version, resp.StatusCode, resp.Reason = parseStatusLine(lines[0])

	var fields []http.Field
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		if (line[0] == http.SP || line[0] == http.HTAB) && len(fields) > 0 {
			last := &fields[len(fields)-1]
			last.Value = strings.TrimSpace(last.Value + " " + string(bytes.Trim(line, string(http.OWS))))
			continue
		}

		field, err := http.ParseField(line)
		if err != nil {
			continue
		}
		fields = append(fields, field)
	}
	resp.Headers = http.NewHeaders(fields...)

	return resp
}

func splitLines(block []byte) [][]byte {
	var lines [][]byte
	for len(block) > 0 {
		line, rest, found := bytes.Cut(block, []byte{http.LF})
		line = bytes.TrimSuffix(line, []byte{http.CR})
		if len(lines) > 0 || len(line) > 0 {
			lines = append(lines, line)
		}
		block = rest
		if !found {
			break
		}
	}
	return lines
}

// parseStatusLine falls back to HTTP/1.0 and 200 where the line is
// unreadable.
func parseStatusLine(line []byte) (http.Version, int, string) {
	verRaw, rest, _ := bytes.Cut(line, []byte{http.SP})
	ver, err := http.ParseVersion(verRaw)
	if err != nil {
		ver = http.Version10
	}

	rest = bytes.TrimLeft(rest, " ")
	codeRaw, reason, _ := bytes.Cut(rest, []byte{http.SP})
	code, err := strconv.Atoi(string(codeRaw))
	if err != nil || len(codeRaw) != 3 || code < 100 {
		code = http.StatusOK
	}

	return ver, code, string(bytes.TrimSpace(reason))
}
