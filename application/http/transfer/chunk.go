package transfer

import (
	"http-engine/application/http"
	iolib "http-engine/lib/io"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// DefaultMaxChunkSize matches the upload buffer used by the transaction.
const DefaultMaxChunkSize = 16 << 10

type ChunkedWriter struct {
	w            io.Writer
	maxChunkSize int
	buf          []byte

	extensions [][2]string
	trailers   []http.Field
	closed     bool
}

var _ io.WriteCloser = (*ChunkedWriter)(nil)

// NewChunkedWriter frames writes as chunks of at most maxChunkSize bytes.
// A non-positive maxChunkSize selects [DefaultMaxChunkSize].
func NewChunkedWriter(w io.Writer, maxChunkSize int) *ChunkedWriter {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}

	return &ChunkedWriter{
		w:            w,
		maxChunkSize: maxChunkSize,
	}
}

// SetExtensions sets extension to the next chunk.
// extension lives until [ChunkedWriter.Write].
func (cw *ChunkedWriter) SetExtensions(extensions [][2]string) {
	cw.extensions = extensions
}

// SetTrailers sets fields written by [ChunkedWriter.Close].
func (cw *ChunkedWriter) SetTrailers(trailers []http.Field) {
	cw.trailers = trailers
}

func (cw *ChunkedWriter) Write(p []byte) (n int, err error) {
	if cw.closed {
		return 0, errors.New("write after last chunk")
	}

	for len(p) > 0 {
		size := min(len(p), cw.maxChunkSize)

		cw.buf = AppendChunk(cw.buf[:0], p[:size], cw.extensions)
		cw.extensions = nil
		if _, err := iolib.WriteFull(cw.w, cw.buf); err != nil {
			return n, errors.Wrap(err, "writing chunk")
		}

		n += size
		p = p[size:]
	}

	return n, nil
}

// Close writes the last chunk and the trailer section.
func (cw *ChunkedWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true

	cw.buf = AppendLastChunk(cw.buf[:0], cw.extensions, cw.trailers)
	if _, err := iolib.WriteFull(cw.w, cw.buf); err != nil {
		return errors.Wrap(err, "writing last chunk")
	}

	return nil
}

// AppendChunk appends one framed chunk carrying data to buf.
// Empty data appends nothing since a zero size chunk terminates the body.
func AppendChunk(buf, data []byte, extensions [][2]string) []byte {
	if len(data) == 0 {
		return buf
	}

	buf = appendChunkHeader(buf, uint64(len(data)), extensions)
	buf = append(buf, data...)
	return append(buf, http.CRLF...)
}

// AppendLastChunk appends the terminating chunk and trailer section.
func AppendLastChunk(buf []byte, extensions [][2]string, trailers []http.Field) []byte {
	buf = appendChunkHeader(buf, 0, extensions)
	for _, field := range trailers {
		buf = append(buf, field.String()...)
		buf = append(buf, http.CRLF...)
	}
	return append(buf, http.CRLF...)
}

func appendChunkHeader(buf []byte, size uint64, extensions [][2]string) []byte {
	buf = strconv.AppendUint(buf, size, 16)
	for _, ext := range extensions {
		buf = append(buf, ';')
		buf = append(buf, ext[0]...)
		buf = append(buf, '=')
		buf = append(buf, ext[1]...)
	}
	return append(buf, http.CRLF...)
}
