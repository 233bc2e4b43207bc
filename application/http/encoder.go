package http

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// RequestHead is the request line plus header block.
type RequestHead struct {
	Method  string
	Target  string
	Version Version
	Headers Headers
}

// AppendTo encodes the head, including the terminating empty line, into buf.
func (rh RequestHead) AppendTo(buf []byte) []byte {
	buf = append(buf, rh.Method...)
	buf = append(buf, SP)
	buf = append(buf, rh.Target...)
	buf = append(buf, SP)
	buf = append(buf, rh.Version.String()...)
	buf = append(buf, CRLF...)

	for _, f := range rh.Headers.fields {
		buf = append(buf, f.Name...)
		buf = append(buf, ':', SP)
		buf = append(buf, f.Value...)
		buf = append(buf, CRLF...)
	}

	return append(buf, CRLF...)
}

func (rh RequestHead) Bytes() []byte { return rh.AppendTo(nil) }

// WriteTo writes the encoded head to w.
func (rh RequestHead) WriteTo(w io.Writer) (int64, error) {
	if err := rh.Headers.Validate(); err != nil {
		return 0, errors.Wrap(err, "validating headers")
	}

	n, err := io.Copy(w, bytes.NewReader(rh.Bytes()))
	if err != nil {
		return n, errors.Wrap(err, "writing request head")
	}
	return n, nil
}
