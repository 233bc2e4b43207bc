package transfer

import (
	"strings"

	"github.com/pkg/errors"
)

type Coding string

const (
	CodingChunked  Coding = "chunked"
	CodingIdentity Coding = "identity"
)

var ErrUnsupportedCoding = errors.New("coding is unsupported")

// ParseCodings splits Transfer-Encoding values into codings in the order
// they were applied. Names are lowercased and parameters dropped.
func ParseCodings(values []string) []Coding {
	codings := make([]Coding, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(part, ";")
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			codings = append(codings, Coding(name))
		}
	}
	return codings
}

// IsChunked reports whether chunked is the final coding, which is what
// decides message framing.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4.1
func IsChunked(codings []Coding) bool {
	return len(codings) > 0 && codings[len(codings)-1] == CodingChunked
}
