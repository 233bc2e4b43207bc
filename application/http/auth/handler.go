package auth

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Result classifies a follow-up challenge for a handler already in use.
type Result uint8

const (
	// ResultAccept continues a multi-round handshake.
	ResultAccept Result = iota
	// ResultReject means the credentials were refused.
	ResultReject
	// ResultStale means the credentials are fine but the nonce expired.
	ResultStale
	// ResultDifferentRealm means the server switched protection space.
	ResultDifferentRealm
	// ResultInvalid means the challenge could not be understood.
	ResultInvalid
)

func (r Result) String() string {
	switch r {
	case ResultAccept:
		return "accept"
	case ResultReject:
		return "reject"
	case ResultStale:
		return "stale"
	case ResultDifferentRealm:
		return "different-realm"
	}
	return "invalid"
}

// Handler answers the challenges of one scheme for one target.
type Handler interface {
	Scheme() string
	Realm() string
	Challenge() Challenge
	// NeedsIdentity reports whether an identity must be chosen before
	// the next token.
	NeedsIdentity() bool
	// ConnectionBased handlers authenticate the connection itself, so
	// every round must travel on the same one.
	ConnectionBased() bool
	GenerateToken(ctx context.Context, creds *Credentials, req Request) (string, error)
	HandleAnotherChallenge(ch Challenge) Result
}

type HandlerFactory interface {
	// Scheme is the lowercase scheme the factory serves.
	Scheme() string
	// Rank orders schemes, the highest usable one is picked.
	Rank() int
	NewHandler(ch Challenge, origin Origin) (Handler, error)
}

// Registry holds the schemes a session supports.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

func NewRegistry(factories ...HandlerFactory) *Registry {
	r := &Registry{factories: make(map[string]HandlerFactory)}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

// DefaultRegistry supports Basic and Digest.
func DefaultRegistry() *Registry {
	return NewRegistry(BasicFactory{}, NewDigestFactory(nil))
}

// Register adds f, replacing any factory of the same scheme.
func (r *Registry) Register(f HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(f.Scheme())] = f
}

func (r *Registry) Supports(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(scheme)]
	return ok
}

// Select creates a handler for the highest ranked challenge that a
// factory accepts. Schemes in disabled are skipped.
func (r *Registry) Select(challenges []Challenge, origin Origin, disabled map[string]bool) (Handler, error) {
	r.mu.RLock()
	type candidate struct {
		ch Challenge
		f  HandlerFactory
	}
	var candidates []candidate
	for _, ch := range challenges {
		if disabled[ch.Scheme] {
			continue
		}
		if f, ok := r.factories[ch.Scheme]; ok {
			candidates = append(candidates, candidate{ch, f})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].f.Rank() > candidates[j].f.Rank()
	})

	for _, c := range candidates {
		h, err := c.f.NewHandler(c.ch, origin)
		if err == nil {
			return h, nil
		}
	}
	return nil, ErrUnsupportedScheme
}

// matching returns the challenge in challenges with the given scheme.
func matching(challenges []Challenge, scheme string) (Challenge, bool) {
	for _, ch := range challenges {
		if ch.Scheme == scheme {
			return ch, true
		}
	}
	return Challenge{}, false
}

func requireCreds(creds *Credentials) error {
	if creds == nil {
		return errors.Wrap(ErrNoIdentity, "credentials required")
	}
	return nil
}
