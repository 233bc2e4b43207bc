package upload

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Element is one piece of a request body. The set of implementations is
// closed: [Bytes], [FileSlice] and chunks added by [Stream.AppendChunk].
type Element interface {
	// init prepares the element for reading from its first byte.
	init(ctx context.Context) error
	read(p []byte) (int, error)
	// size is the declared length, valid after init.
	size() int64
	remaining() int64
	inMemory() bool
	close()
}

type bytesElement struct {
	data []byte
	off  int
}

// Bytes returns an in-memory element. b is not copied.
func Bytes(b []byte) Element { return &bytesElement{data: b} }

func (e *bytesElement) init(context.Context) error {
	e.off = 0
	return nil
}

func (e *bytesElement) read(p []byte) (int, error) {
	n := copy(p, e.data[e.off:])
	e.off += n
	return n, nil
}

func (e *bytesElement) size() int64      { return int64(len(e.data)) }
func (e *bytesElement) remaining() int64 { return int64(len(e.data) - e.off) }
func (e *bytesElement) inMemory() bool   { return true }
func (e *bytesElement) close()           {}

// ToEOF as a FileSlice length reads until the end of the file.
const ToEOF int64 = -1

type fileElement struct {
	path            string
	offset          int64
	length          int64
	expectedModTime time.Time

	f        *os.File
	r        io.Reader
	declared int64
	consumed int64
}

// FileSlice returns an element reading length bytes of the file at path,
// starting at offset. If expectedModTime is not zero, init fails with
// [ErrSourceChanged] when the file was modified since.
func FileSlice(path string, offset, length int64, expectedModTime time.Time) Element {
	return &fileElement{
		path:            path,
		offset:          offset,
		length:          length,
		expectedModTime: expectedModTime,
	}
}

func (e *fileElement) init(ctx context.Context) error {
	e.close()
	e.consumed = 0

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(e.path)
	if err != nil {
		return errors.Wrap(err, "opening file")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat file")
	}

	if !e.expectedModTime.IsZero() && !info.ModTime().Equal(e.expectedModTime) {
		f.Close()
		return errors.Wrapf(ErrSourceChanged, "%s modified at %s", e.path, info.ModTime())
	}

	if e.offset > info.Size() {
		f.Close()
		return errors.Errorf("offset %d beyond file size %d", e.offset, info.Size())
	}

	declared := info.Size() - e.offset
	if e.length != ToEOF && e.length < declared {
		declared = e.length
	}

	if _, err := f.Seek(e.offset, io.SeekStart); err != nil {
		f.Close()
		return errors.Wrap(err, "seeking file")
	}

	e.f = f
	e.r = io.LimitReader(f, declared)
	e.declared = declared
	return nil
}

func (e *fileElement) read(p []byte) (int, error) {
	if e.r == nil {
		return 0, errors.New("file element not initialized")
	}

	n, err := e.r.Read(p)
	e.consumed += int64(n)
	if errors.Is(err, io.EOF) && e.consumed < e.declared {
		return n, errors.Wrapf(io.ErrUnexpectedEOF, "%s shrank after init", e.path)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, errors.Wrap(err, "reading file")
	}
	return n, nil
}

func (e *fileElement) size() int64      { return e.declared }
func (e *fileElement) remaining() int64 { return e.declared - e.consumed }
func (e *fileElement) inMemory() bool   { return false }

func (e *fileElement) close() {
	if e.f != nil {
		e.f.Close()
		e.f, e.r = nil, nil
	}
}
