// Package client runs HTTP/1.x transactions.
//
// A Session holds what transactions share: the connection provider, the
// auth cache, alternate endpoints and client certificate choices. A
// Transaction drives one logical exchange, including proxy tunnels,
// authentication rounds and one silent retry when a reused connection
// turns out to be dead.
package client

import (
	"http-engine/application/http/altsvc"
	"http-engine/application/http/auth"
	"http-engine/application/http/observe"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Collaborators are the parts a session delegates to. Provider is
// required, the rest have defaults.
type Collaborators struct {
	Provider ConnProvider
	// Secure defaults to a TLSChannel with system roots.
	Secure SecureChannel
	// Proxies defaults to Direct.
	Proxies  ProxyResolver
	Observer observe.Observer
	// AuthRegistry defaults to Basic and Digest.
	AuthRegistry *auth.Registry
}

type Session struct {
	provider ConnProvider
	secure   SecureChannel
	proxies  ProxyResolver
	observer observe.Observer

	authCache    *auth.Cache
	authRegistry *auth.Registry
	altSvc       *altsvc.Registry
	clientCerts  *ClientCertCache

	opts Options

	logger *slog.Logger
	clock  clock.Clock

	drains sync.WaitGroup
}

func NewSession(
	c Collaborators,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *Session {
	s := &Session{
		provider:     c.Provider,
		secure:       c.Secure,
		proxies:      c.Proxies,
		observer:     c.Observer,
		authRegistry: c.AuthRegistry,
		opts:         opts,
		logger:       logger,
		clock:        clock,
	}

	if s.secure == nil {
		s.secure = &TLSChannel{}
	}
	if s.proxies == nil {
		s.proxies = Direct
	}
	if s.observer == nil {
		s.observer = observe.Nop{}
	}
	if s.authRegistry == nil {
		s.authRegistry = auth.DefaultRegistry()
	}

	s.authCache = auth.NewCache(clock)
	s.altSvc = altsvc.NewRegistry(clock, logger, opts.AltSvc)
	s.clientCerts = NewClientCertCache()

	return s
}

// NewTransaction creates an idle transaction. Higher priorities are
// served first when connections are scarce.
func (s *Session) NewTransaction(priority int) *Transaction {
	return newTransaction(s, uuid.New(), priority)
}

func (s *Session) AuthCache() *auth.Cache        { return s.authCache }
func (s *Session) AltSvc() *altsvc.Registry      { return s.altSvc }
func (s *Session) ClientCerts() *ClientCertCache { return s.clientCerts }
func (s *Session) Options() Options              { return s.opts }

// Wait blocks until background drains are done.
func (s *Session) Wait() {
	s.drains.Wait()
}
