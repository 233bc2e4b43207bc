package iolib

import (
	"io"
)

// UnreadReader is a reader with a push-back buffer.
// Bytes given to Unread are returned by the next reads before the
// underlying reader is consulted again. It lets consecutive parsers share
// one connection without losing bytes one of them over-read.
type UnreadReader struct {
	r       io.Reader
	pending []byte
}

func NewUnreadReader(r io.Reader) *UnreadReader {
	return &UnreadReader{r: r}
}

var _ io.Reader = (*UnreadReader)(nil)

func (ur *UnreadReader) Read(p []byte) (n int, err error) {
	if len(ur.pending) > 0 {
		n = copy(p, ur.pending)
		ur.pending = ur.pending[n:]
		if len(ur.pending) == 0 {
			ur.pending = nil
		}
		return n, nil
	}

	return ur.r.Read(p)
}

// Unread pushes b in front of the remaining input.
// b is copied, so the caller may reuse it.
func (ur *UnreadReader) Unread(b []byte) {
	if len(b) == 0 {
		return
	}

	merged := make([]byte, 0, len(b)+len(ur.pending))
	merged = append(merged, b...)
	merged = append(merged, ur.pending...)
	ur.pending = merged
}

// Buffered reports how many pushed-back bytes are waiting.
func (ur *UnreadReader) Buffered() int { return len(ur.pending) }

// Reset swaps the underlying reader and drops pushed-back bytes.
func (ur *UnreadReader) Reset(r io.Reader) {
	ur.r = r
	ur.pending = nil
}
