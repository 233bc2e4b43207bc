package transfer

import (
	"bytes"
	"http-engine/application/http"

	"github.com/pkg/errors"
)

var ErrInvalidChunkedEncoding = errors.New("invalid chunked encoding")

const (
	maxLineBytes   = 4 << 10
	maxTrailerSize = 16 << 10
)

type decodeState uint8

const (
	stateSize decodeState = iota
	stateData
	stateDataCR
	stateDataLF
	stateTrailer
	stateDone
)

// ChunkedDecoder decodes chunked framing incrementally. It never consumes
// input past the final CRLF, so bytes of a following message are left to
// the caller.
type ChunkedDecoder struct {
	state     decodeState
	remaining uint64
	line      []byte
	trailers  []http.Field
	trailerN  int
	framing   int64
}

func NewChunkedDecoder() *ChunkedDecoder {
	return &ChunkedDecoder{}
}

// Decode consumes framed bytes from src and writes payload into dst.
// It returns how many bytes of src were consumed and how many bytes of
// dst were written. It stops when dst is full, src is exhausted or the
// message is complete.
func (cd *ChunkedDecoder) Decode(dst, src []byte) (nSrc, nDst int, err error) {
	for nSrc < len(src) && cd.state != stateDone {
		switch cd.state {
		case stateSize, stateTrailer:
			n, line, ok := cd.takeLine(src[nSrc:])
			nSrc += n
			cd.framing += int64(n)
			if !ok {
				if len(cd.line) > maxLineBytes {
					return nSrc, nDst, errors.Wrap(ErrInvalidChunkedEncoding, "line too long")
				}
				continue
			}

			if cd.state == stateSize {
				err = cd.handleSizeLine(line)
			} else {
				err = cd.handleTrailerLine(line)
			}
			if err != nil {
				return nSrc, nDst, err
			}

		case stateData:
			if nDst == len(dst) {
				return nSrc, nDst, nil
			}

			n := min(uint64(len(src)-nSrc), uint64(len(dst)-nDst), cd.remaining)
			copy(dst[nDst:], src[nSrc:nSrc+int(n)])
			nSrc += int(n)
			nDst += int(n)
			cd.remaining -= n
			if cd.remaining == 0 {
				cd.state = stateDataCR
			}

		case stateDataCR, stateDataLF:
			b := src[nSrc]
			nSrc++
			cd.framing++
			switch {
			case cd.state == stateDataCR && b == http.CR:
				cd.state = stateDataLF
			case b == http.LF:
				cd.state = stateSize
			default:
				return nSrc, nDst, errors.Wrapf(ErrInvalidChunkedEncoding, "missing CRLF after chunk data, got %q", b)
			}
		}
	}

	return nSrc, nDst, nil
}

// takeLine accumulates src until LF. The returned line has CRLF or LF
// stripped.
func (cd *ChunkedDecoder) takeLine(src []byte) (int, []byte, bool) {
	idx := bytes.IndexByte(src, http.LF)
	if idx < 0 {
		cd.line = append(cd.line, src...)
		return len(src), nil, false
	}

	cd.line = append(cd.line, src[:idx]...)
	line := bytes.TrimSuffix(cd.line, []byte{http.CR})
	cd.line = cd.line[:0]
	return idx + 1, line, true
}

func (cd *ChunkedDecoder) handleSizeLine(line []byte) error {
	// Extensions are ignored.
	sizeRaw, _, _ := bytes.Cut(line, []byte{';'})
	sizeRaw = bytes.TrimRight(sizeRaw, string(http.OWS))

	size, err := decodeChunkSize(sizeRaw)
	if err != nil {
		return errors.Wrap(ErrInvalidChunkedEncoding, err.Error())
	}

	if size == 0 {
		cd.state = stateTrailer
		return nil
	}

	cd.remaining = size
	cd.state = stateData
	return nil
}

func (cd *ChunkedDecoder) handleTrailerLine(line []byte) error {
	if len(line) == 0 {
		cd.state = stateDone
		return nil
	}

	cd.trailerN += len(line)
	if cd.trailerN > maxTrailerSize {
		return errors.Wrap(ErrInvalidChunkedEncoding, "trailers too large")
	}

	field, err := http.ParseField(line)
	if err != nil {
		// Malformed trailers do not affect the payload.
		return nil
	}
	cd.trailers = append(cd.trailers, field)
	return nil
}

// decodeChunkSize accepts hex digits only, without sign or prefix.
func decodeChunkSize(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, errors.New("empty chunk size")
	}
	if len(b) > 15 {
		return 0, errors.Errorf("chunk size too long: %q", b)
	}

	var n uint64
	for _, c := range b {
		var v byte
		switch {
		case '0' <= c && c <= '9':
			v = c - '0'
		case 'a' <= c && c <= 'f':
			v = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			v = c - 'A' + 10
		default:
			return 0, errors.Errorf("failed to decode hex: %q", b)
		}
		n = n<<4 | uint64(v)
	}
	return n, nil
}

// Done reports whether the terminating chunk and trailers were consumed.
func (cd *ChunkedDecoder) Done() bool { return cd.state == stateDone }

// Trailers returns trailer fields once decoding is done.
func (cd *ChunkedDecoder) Trailers() []http.Field { return cd.trailers }

// FramingBytes is the number of consumed bytes that were not payload.
func (cd *ChunkedDecoder) FramingBytes() int64 { return cd.framing }
