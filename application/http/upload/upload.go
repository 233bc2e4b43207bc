// Package upload implements request bodies as a stream of elements.
//
// A fixed-length stream knows its size after Init and never leaves the
// peer waiting: if an element fails mid-body, the remaining bytes are sent
// as zeros. A chunked stream is fed by AppendChunk and has no size.
package upload

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrSourceUnreadable = errors.New("upload source unreadable")
	ErrSourceChanged    = errors.New("upload source changed")
	ErrNotChunked       = errors.New("stream is not chunked")
	ErrChunkAfterLast   = errors.New("chunk appended after the last one")
	ErrNotInitialized   = errors.New("stream not initialized")
)

// SourceError reports the element that failed to initialize.
// It matches [ErrSourceUnreadable] with errors.Is.
type SourceError struct {
	Index int
	Err   error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("element %d: %s", e.Index, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSourceUnreadable }

type Stream struct {
	mu sync.Mutex

	elements []Element
	chunked  bool
	last     bool

	initialized bool
	cur         int
	pos         int64
	size        int64
	// padding is set once an element failed on a fixed-length stream.
	padding bool

	// wake is closed by AppendChunk to resume a pending Read.
	wake chan struct{}
}

// New returns a fixed-length stream over elements.
func New(elements ...Element) *Stream {
	return &Stream{elements: elements}
}

// NewChunked returns an empty stream fed by [Stream.AppendChunk].
func NewChunked() *Stream {
	return &Stream{chunked: true, wake: make(chan struct{})}
}

// Init resets the stream then initializes every element in order,
// stopping at the first failure.
func (s *Stream) Init(ctx context.Context) error {
	s.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	for i, e := range s.elements {
		if err := e.init(ctx); err != nil {
			return &SourceError{Index: i, Err: err}
		}
		size += e.size()
	}

	if !s.chunked {
		s.size = size
	}
	s.initialized = true
	return nil
}

// Read fills p from the current element onwards. It returns (0, io.EOF)
// only when the stream is exhausted. A chunked stream without data blocks
// until a chunk is appended or ctx is done.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if !s.initialized {
			return 0, ErrNotInitialized
		}

		n, err := s.fill(p)
		if n > 0 || err != nil {
			return n, err
		}

		if !s.chunked || s.last {
			return 0, io.EOF
		}

		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			s.mu.Lock()
			return 0, errors.Wrap(ctx.Err(), "waiting for chunk")
		}
		s.mu.Lock()
	}
}

func (s *Stream) fill(p []byte) (int, error) {
	if s.padding {
		return s.pad(p), nil
	}

	n := 0
	for n < len(p) && s.cur < len(s.elements) {
		e := s.elements[s.cur]
		if e.remaining() == 0 {
			s.cur++
			continue
		}

		read, err := e.read(p[n:])
		n += read
		s.pos += int64(read)
		if err != nil {
			if s.chunked {
				return n, errors.Wrap(err, "reading chunk")
			}
			s.padding = true
			return n + s.pad(p[n:]), nil
		}
	}
	return n, nil
}

func (s *Stream) pad(p []byte) int {
	n := int(min(int64(len(p)), s.size-s.pos))
	clear(p[:n])
	s.pos += int64(n)
	return n
}

// AppendChunk adds a copy of b to a chunked stream and resumes a pending
// Read. last marks the end of the body.
func (s *Stream) AppendChunk(b []byte, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.chunked {
		return ErrNotChunked
	}
	if s.last {
		return ErrChunkAfterLast
	}

	if len(b) > 0 {
		s.elements = append(s.elements, Bytes(append([]byte(nil), b...)))
	}
	s.last = last

	close(s.wake)
	s.wake = make(chan struct{})
	return nil
}

// IsEOF reports whether every byte was read. For chunked streams the last
// chunk must have been appended too.
func (s *Stream) IsEOF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false
	}
	if s.chunked {
		return s.last && s.exhausted()
	}
	return s.pos == s.size
}

func (s *Stream) exhausted() bool {
	for _, e := range s.elements[s.cur:] {
		if e.remaining() > 0 {
			return false
		}
	}
	return true
}

// Size is the total length, or 0 for chunked streams.
func (s *Stream) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Stream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Stream) IsChunked() bool { return s.chunked }

// IsInMemory reports whether the body can be read without I/O, which is
// never the case for a chunked stream.
func (s *Stream) IsInMemory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunked {
		return false
	}
	for _, e := range s.elements {
		if !e.inMemory() {
			return false
		}
	}
	return true
}

// Reset rewinds to the first byte. Init must be called again before Read.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.elements {
		e.close()
	}
	s.initialized = false
	s.cur = 0
	s.pos = 0
	s.size = 0
	s.padding = false
}

// Close releases element resources.
func (s *Stream) Close() error {
	s.Reset()
	return nil
}
