package parser

import (
	"http-engine/application/http"
	"strconv"
	"strings"
)

// Framing is how the end of a response body is found.
type Framing uint8

const (
	FramingNone Framing = iota
	FramingContentLength
	FramingChunked
	FramingUntilClose
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingContentLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingUntilClose:
		return "until-close"
	}
	return "unknown"
}

type Response struct {
	Version    http.Version
	StatusCode int
	Reason     string
	Headers    http.Headers

	// ContentLength is -1 when unknown.
	ContentLength int64
	Chunked       bool
	Framing       Framing
	KeepAlive     bool
	Trailers      []http.Field

	// HeaderBytes counts every octet up to the end of the header block,
	// including skipped junk and interim responses.
	HeaderBytes int64

	// AuthChallenge is set by the transaction when the response asks
	// for credentials.
	AuthChallenge *AuthChallenge
}

// AuthChallenge tells the caller which credentials a response asks for.
type AuthChallenge struct {
	IsProxy bool
	// Host is host:port of the server or proxy that challenged.
	Host   string
	Scheme string
	Realm  string
}

// StatusLine renders the response status line without CRLF.
func (r *Response) StatusLine() string {
	var sb strings.Builder
	sb.WriteString(r.Version.String())
	sb.WriteByte(http.SP)
	sb.WriteString(strconv.Itoa(r.StatusCode))
	if r.Reason != "" {
		sb.WriteByte(http.SP)
		sb.WriteString(r.Reason)
	}
	return sb.String()
}
