// Package auth keeps credentials per protection space and answers
// WWW-Authenticate and Proxy-Authenticate challenges.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110#section-11
//
// - https://datatracker.ietf.org/doc/html/rfc7617
//
// - https://datatracker.ietf.org/doc/html/rfc7616
package auth

import (
	"http-engine/application/http"
	"strings"

	"github.com/pkg/errors"
)

// Target tells whether a challenge came from the origin or a proxy.
type Target uint8

const (
	TargetServer Target = iota
	TargetProxy
)

func (t Target) String() string {
	if t == TargetProxy {
		return "proxy"
	}
	return "server"
}

// ChallengeHeader is the response field carrying challenges for t.
func (t Target) ChallengeHeader() string {
	if t == TargetProxy {
		return "Proxy-Authenticate"
	}
	return "WWW-Authenticate"
}

// CredentialsHeader is the request field carrying credentials for t.
func (t Target) CredentialsHeader() string {
	if t == TargetProxy {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// Origin scopes a protection space.
type Origin = http.Origin

// Space is a protection space. Credentials never cross spaces.
type Space struct {
	Origin Origin
	Realm  string
	// Scheme is the lowercase auth scheme, e.g. "basic".
	Scheme string
	Target Target
}

func (s Space) normalize() Space {
	s.Origin = s.Origin.Normalize()
	s.Scheme = strings.ToLower(s.Scheme)
	return s
}

type Credentials struct {
	Username string
	Password string
}

func (c Credentials) IsEmpty() bool { return c.Username == "" && c.Password == "" }

// Request is what a token is generated for.
type Request struct {
	Method string
	// URI is the request target: a path for servers, host:port for CONNECT.
	URI string
}

var (
	ErrUnsupportedScheme = errors.New("unsupported auth scheme")
	ErrInvalidChallenge  = errors.New("invalid auth challenge")
	ErrNoIdentity        = errors.New("no identity to authenticate with")
)
