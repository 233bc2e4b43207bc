package auth

import (
	"context"
	"http-engine/application/http"
	"log/slog"

	"github.com/pkg/errors"
)

type identitySource uint8

const (
	sourceNone identitySource = iota
	sourceURL
	sourceCache
	sourceExternal
)

func (s identitySource) String() string {
	switch s {
	case sourceURL:
		return "url"
	case sourceCache:
		return "cache"
	case sourceExternal:
		return "external"
	}
	return "none"
}

// Outcome tells the transaction what to do after a challenge.
type Outcome uint8

const (
	// OutcomeNone means no challenge can be answered, the response is
	// final.
	OutcomeNone Outcome = iota
	// OutcomeRestart means an identity is ready and the request should
	// be sent again.
	OutcomeRestart
	// OutcomeNeedCredentials means the caller has to supply credentials.
	OutcomeNeedCredentials
)

type ControllerOptions struct {
	// DoNotSend skips URL-embedded and cached credentials.
	DoNotSend bool
	// DoNotSave keeps successful credentials out of the cache.
	DoNotSave bool
}

// Controller drives authentication for one target of one transaction.
type Controller struct {
	target   Target
	origin   Origin
	path     string
	cache    *Cache
	registry *Registry
	logger   *slog.Logger
	opts     ControllerOptions

	handler    Handler
	identity   *Credentials
	source     identitySource
	cacheTried bool

	// urlCreds are tried at most once.
	urlCreds *Credentials
	urlUsed  bool

	disabled map[string]bool
}

func NewController(
	target Target,
	origin Origin,
	path string,
	urlCreds *Credentials,
	cache *Cache,
	registry *Registry,
	logger *slog.Logger,
	opts ControllerOptions,
) *Controller {
	if target == TargetProxy {
		path = ""
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Controller{
		target:   target,
		origin:   origin.Normalize(),
		path:     path,
		cache:    cache,
		registry: registry,
		logger:   logger.With(slog.String("auth_target", target.String())),
		opts:     opts,
		urlCreds: urlCreds,
		disabled: make(map[string]bool),
	}
}

// MaybeGenerateToken returns the credentials field to attach to the next
// request. Without a handler, a cached identity covering the request
// path is used preemptively.
func (c *Controller) MaybeGenerateToken(ctx context.Context, req Request) (http.Field, bool, error) {
	if c.handler == nil && !c.opts.DoNotSend {
		c.selectPreemptive()
	}
	if c.handler == nil || c.identity == nil {
		return http.Field{}, false, nil
	}

	token, err := c.handler.GenerateToken(ctx, c.identity, req)
	if err != nil {
		scheme := c.handler.Scheme()
		c.disabled[scheme] = true
		c.invalidate()
		return http.Field{}, false, errors.Wrapf(err, "generating %s token", scheme)
	}

	return http.Field{Name: c.target.CredentialsHeader(), Value: token}, true, nil
}

func (c *Controller) selectPreemptive() {
	e, ok := c.cache.PreemptiveLookup(c.target, c.origin, c.path)
	if !ok {
		return
	}

	h, err := c.registry.Select([]Challenge{e.Challenge}, c.origin, c.disabled)
	if err != nil {
		return
	}

	creds := e.Credentials
	c.handler, c.identity, c.source, c.cacheTried = h, &creds, sourceCache, true
	c.logger.Debug("Using cached credentials preemptively",
		slog.String("scheme", h.Scheme()),
		slog.String("realm", h.Realm()),
	)
}

// HandleChallenge processes the challenges in a 401 or 407 response.
func (c *Controller) HandleChallenge(h http.Headers) Outcome {
	challenges := ParseChallenges(h, c.target)

	if c.handler != nil {
		result := ResultReject
		if ch, ok := matching(challenges, c.handler.Scheme()); ok {
			result = c.handler.HandleAnotherChallenge(ch)
		}

		c.logger.Debug("Follow-up challenge",
			slog.String("scheme", c.handler.Scheme()),
			slog.String("result", result.String()),
			slog.String("identity", c.source.String()),
		)

		switch result {
		case ResultAccept, ResultStale:
			if c.identity != nil {
				return OutcomeRestart
			}
		case ResultReject:
			c.evictRejected()
			c.invalidate()
		case ResultDifferentRealm:
			c.invalidate()
		case ResultInvalid:
			c.disabled[c.handler.Scheme()] = true
			c.invalidate()
		}
	}

	if c.handler == nil {
		handler, err := c.registry.Select(challenges, c.origin, c.disabled)
		if err != nil {
			c.logger.Debug("No usable challenge", slog.Int("challenges", len(challenges)))
			return OutcomeNone
		}
		c.handler = handler
	}

	if c.identity != nil && !c.handler.NeedsIdentity() {
		return OutcomeRestart
	}
	if c.selectNextIdentity() {
		return OutcomeRestart
	}
	return OutcomeNeedCredentials
}

func (c *Controller) invalidate() {
	c.handler = nil
	c.identity = nil
	c.source = sourceNone
	c.cacheTried = false
}

func (c *Controller) space() Space {
	return Space{
		Origin: c.origin,
		Realm:  c.handler.Realm(),
		Scheme: c.handler.Scheme(),
		Target: c.target,
	}
}

// evictRejected drops the cached entry if it holds the refused identity.
func (c *Controller) evictRejected() {
	if c.identity == nil {
		return
	}

	space := c.space()
	if e, ok := c.cache.Lookup(space); ok && e.Credentials == *c.identity {
		c.cache.Evict(space)
		c.logger.Debug("Evicted rejected credentials", slog.String("realm", space.Realm))
	}
}

// selectNextIdentity tries URL credentials once, then the cache.
func (c *Controller) selectNextIdentity() bool {
	c.identity, c.source = nil, sourceNone
	if c.opts.DoNotSend {
		return false
	}

	if c.urlCreds != nil && !c.urlUsed {
		c.urlUsed = true
		creds := *c.urlCreds
		c.identity, c.source = &creds, sourceURL
		return true
	}

	if !c.cacheTried {
		c.cacheTried = true
		if e, ok := c.cache.Lookup(c.space()); ok {
			creds := e.Credentials
			c.identity, c.source = &creds, sourceCache
			return true
		}
	}

	return false
}

// ResetAuth sets credentials supplied by the caller for the pending
// challenge.
func (c *Controller) ResetAuth(creds Credentials) {
	c.identity, c.source = &creds, sourceExternal
}

// HaveAuth reports whether the next request will carry credentials.
func (c *Controller) HaveAuth() bool {
	return c.handler != nil && c.identity != nil
}

// NeedsConnectionAffinity reports whether rounds must stay on one
// connection.
func (c *Controller) NeedsConnectionAffinity() bool {
	return c.handler != nil && c.handler.ConnectionBased()
}

// RestartHandshake starts a connection-based handshake over from its
// first round, keeping the identity. It is used when the connection the
// earlier rounds ran on is gone.
func (c *Controller) RestartHandshake() bool {
	if !c.NeedsConnectionAffinity() {
		return false
	}

	ch := c.handler.Challenge()
	ch.Token68 = ""
	handler, err := c.registry.Select([]Challenge{ch}, c.origin, c.disabled)
	if err != nil {
		c.invalidate()
		return false
	}

	c.handler = handler
	c.logger.Debug("Restarting handshake on a new connection", slog.String("scheme", handler.Scheme()))
	return true
}

// Challenge returns the challenge being answered.
func (c *Controller) Challenge() (Challenge, bool) {
	if c.handler == nil {
		return Challenge{}, false
	}
	return c.handler.Challenge(), true
}

// OnSuccess caches the identity that got through, along with the
// request path.
func (c *Controller) OnSuccess() {
	if c.handler == nil || c.identity == nil || c.opts.DoNotSave {
		return
	}
	c.cache.Store(c.space(), *c.identity, c.handler.Challenge(), c.path)
}

func (c *Controller) Target() Target { return c.target }
