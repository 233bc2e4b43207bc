package parser

import "github.com/pkg/errors"

var (
	ErrEmptyResponse              = errors.New("empty response")
	ErrInvalidResponse            = errors.New("invalid response")
	ErrHeadersTruncated           = errors.New("response headers truncated")
	ErrHeadersTooBig              = errors.New("response headers too big")
	ErrMultipleContentLength      = errors.New("multiple conflicting content-length")
	ErrMultipleContentDisposition = errors.New("multiple conflicting content-disposition")
	ErrMultipleLocation           = errors.New("multiple conflicting location")
	ErrContentLengthMismatch      = errors.New("content-length mismatch")
	ErrIncompleteChunkedEncoding  = errors.New("incomplete chunked encoding")
	ErrHeadersNotRead             = errors.New("headers not read")
)
