package http

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

const (
	CR   byte = '\r'
	LF   byte = '\n'
	SP   byte = ' '
	HTAB byte = '\t'
)

var (
	OWS  = []byte{SP, HTAB}
	CRLF = []byte{CR, LF}
)

// [Major, Minor]
type Version [2]uint

var (
	Version09 = Version{0, 9}
	Version10 = Version{1, 0}
	Version11 = Version{1, 1}
)

// ParseVersion parses http version text(e.g. "HTTP/1.1") into [Version].
func ParseVersion(b []byte) (Version, error) {
	prefix := []byte("HTTP/")
	if len(b) < len(prefix) || !bytes.EqualFold(b[:len(prefix)], prefix) {
		return Version{}, errors.Errorf("http version prefix not found: %q", b)
	}

	first, second, found := bytes.Cut(b[len(prefix):], []byte{'.'})
	if !found {
		return Version{}, errors.Errorf("dot separator not found on version: %q", b)
	}

	major, err1 := strconv.ParseUint(string(first), 10, 16)
	minor, err2 := strconv.ParseUint(string(second), 10, 16)
	if err1 != nil || err2 != nil {
		return Version{}, errors.Errorf("http version is not convertible to int: %q", b)
	}

	return Version{uint(major), uint(minor)}, nil
}

func (ver Version) String() string {
	return "HTTP/" + strconv.FormatUint(uint64(ver[0]), 10) + "." + strconv.FormatUint(uint64(ver[1]), 10)
}

// AtLeast reports whether ver >= other.
func (ver Version) AtLeast(other Version) bool {
	if ver[0] != other[0] {
		return ver[0] > other[0]
	}
	return ver[1] >= other[1]
}

type Field struct{ Name, Value string }

// ParseField splits a field line at the first colon and trims optional
// whitespace around the value. Whitespace between the name and the colon
// is tolerated because we read what servers send, not what they should.
func ParseField(fieldLine []byte) (Field, error) {
	name, value, found := bytes.Cut(fieldLine, []byte{':'})
	if !found {
		return Field{}, errors.Errorf("colon separator not found on header: %q", fieldLine)
	}

	name = bytes.TrimRight(name, string(OWS))
	if len(name) == 0 {
		return Field{}, errors.Errorf("empty field name: %q", fieldLine)
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-3
	value = bytes.Trim(value, string(OWS))

	return Field{Name: string(name), Value: string(value)}, nil
}

func (f Field) String() string { return f.Name + ": " + f.Value }
