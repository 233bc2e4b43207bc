// Package altsvc remembers alternative endpoints advertised with the
// Alt-Svc response field and tracks whether they work.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc7838
package altsvc

import (
	"http-engine/application/http"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Health uint8

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthBroken
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthBroken:
		return "broken"
	}
	return "unknown"
}

// Record is one alternative endpoint of an origin.
type Record struct {
	Origin   http.Origin
	Protocol string
	// Host is empty when the alternative shares the origin's host.
	Host    string
	Port    uint16
	Expires time.Time
	Health  Health

	failures    int
	brokenCount int
	brokenUntil time.Time
}

// Endpoint is where a connection for the record goes.
func (r Record) Endpoint() http.Origin {
	host := r.Host
	if host == "" {
		host = r.Origin.Host
	}
	return http.Origin{Scheme: r.Origin.Scheme, Host: host, Port: r.Port}
}

func (r Record) key() string { return r.Protocol + "|" + r.Host + "|" + strconv.Itoa(int(r.Port)) }

type Options struct {
	// AllowUnrestrictedAltPorts lets an origin on a port below 1024
	// redirect to a port at or above it.
	AllowUnrestrictedAltPorts bool `yaml:"allow_unrestricted_alt_ports"`
	// BrokenAfterFailures is how many connection failures mark a record
	// broken.
	BrokenAfterFailures int `yaml:"broken_after_failures"`
	// BrokenPeriod is the first broken period. It doubles each time the
	// record breaks again, up to MaxBrokenPeriod.
	BrokenPeriod    time.Duration `yaml:"broken_period"`
	MaxBrokenPeriod time.Duration `yaml:"max_broken_period"`
	// DefaultMaxAge applies when the field has no ma parameter.
	DefaultMaxAge time.Duration `yaml:"default_max_age"`
	// Protocols lists the protocol ids this client can speak.
	Protocols []string `yaml:"protocols"`
}

func DefaultOptions() Options {
	return Options{
		BrokenAfterFailures: 2,
		BrokenPeriod:        5 * time.Minute,
		MaxBrokenPeriod:     48 * time.Hour,
		DefaultMaxAge:       24 * time.Hour,
		Protocols:           []string{"http/1.1", "h2"},
	}
}

// Registry is shared by every transaction of a session.
type Registry struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	opts    Options
	records map[http.Origin][]*Record
}

func NewRegistry(clk clock.Clock, logger *slog.Logger, opts Options) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.BrokenAfterFailures <= 0 {
		opts.BrokenAfterFailures = 1
	}

	return &Registry{
		clock:   clk,
		logger:  logger,
		opts:    opts,
		records: make(map[http.Origin][]*Record),
	}
}

// ProcessHeader records the Alt-Svc values of a response from origin.
// "clear" forgets every record of the origin. Health of records that
// are advertised again is kept.
func (r *Registry) ProcessHeader(origin http.Origin, values []string) {
	origin = origin.Normalize()
	now := r.clock.Now()

	var (
		advertised []*Record
		clearAll   bool
	)
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), "clear") {
			clearAll = true
			continue
		}
		advertised = append(advertised, parseValue(origin, v, now, r.opts.DefaultMaxAge)...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if clearAll {
		delete(r.records, origin)
		r.logger.Debug("Cleared alternative services", slog.String("origin", origin.String()))
		return
	}
	if len(advertised) == 0 {
		return
	}

	previous := r.records[origin]
	for _, rec := range advertised {
		for _, old := range previous {
			if old.key() == rec.key() {
				rec.Health = old.Health
				rec.failures = old.failures
				rec.brokenCount = old.brokenCount
				rec.brokenUntil = old.brokenUntil
			}
		}
	}
	r.records[origin] = advertised

	r.logger.Debug("Recorded alternative services",
		slog.String("origin", origin.String()),
		slog.Int("count", len(advertised)),
	)
}

// Lookup returns the first record of origin that can be used now.
func (r *Registry) Lookup(origin http.Origin) (Record, bool) {
	origin = origin.Normalize()
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records[origin] {
		if !now.Before(rec.Expires) {
			continue
		}
		if rec.Health == HealthBroken {
			if now.Before(rec.brokenUntil) {
				continue
			}
			rec.Health = HealthUnknown
			rec.failures = 0
		}
		if !slices.Contains(r.opts.Protocols, rec.Protocol) {
			continue
		}
		if !r.portAllowed(origin, rec) {
			r.logger.Debug("Refused alternative service on unrestricted port",
				slog.String("origin", origin.String()),
				slog.Int("port", int(rec.Port)),
			)
			continue
		}
		if rec.Endpoint() == origin && rec.Protocol == "http/1.1" {
			// Same endpoint and protocol, nothing to switch to.
			continue
		}
		return *rec, true
	}
	return Record{}, false
}

// portAllowed forbids moving from a restricted port (below 1024) to an
// unrestricted one.
func (r *Registry) portAllowed(origin http.Origin, rec *Record) bool {
	if r.opts.AllowUnrestrictedAltPorts {
		return true
	}
	return origin.Port >= 1024 || rec.Port < 1024
}

func (r *Registry) find(rec Record) *Record {
	for _, cur := range r.records[rec.Origin] {
		if cur.key() == rec.key() {
			return cur
		}
	}
	return nil
}

// MarkFailed counts a connection failure against rec. It reports
// whether the record is now broken.
func (r *Registry) MarkFailed(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.find(rec)
	if cur == nil {
		return false
	}

	cur.failures++
	if cur.failures < r.opts.BrokenAfterFailures {
		return false
	}

	period := r.opts.BrokenPeriod << cur.brokenCount
	if period <= 0 || (r.opts.MaxBrokenPeriod > 0 && period > r.opts.MaxBrokenPeriod) {
		period = r.opts.MaxBrokenPeriod
	}
	cur.brokenCount++
	cur.Health = HealthBroken
	cur.brokenUntil = r.clock.Now().Add(period)
	cur.failures = 0

	r.logger.Info("Alternative service marked broken",
		slog.String("origin", cur.Origin.String()),
		slog.String("endpoint", cur.Endpoint().HostPort()),
		slog.Duration("period", period),
	)
	return true
}

// MarkHealthy records a successful connection to rec.
func (r *Registry) MarkHealthy(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.find(rec); cur != nil {
		cur.Health = HealthHealthy
		cur.failures = 0
		cur.brokenCount = 0
	}
}

// Records returns a snapshot of the records of origin.
func (r *Registry) Records(origin http.Origin) []Record {
	origin = origin.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records[origin]))
	for _, rec := range r.records[origin] {
		out = append(out, *rec)
	}
	return out
}

func (r *Registry) Clear(origin http.Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, origin.Normalize())
}

// parseValue parses one Alt-Svc field value, skipping malformed entries.
func parseValue(origin http.Origin, v string, now time.Time, defaultMaxAge time.Duration) []*Record {
	var records []*Record
	for _, alt := range splitOutsideQuotes(v, ',') {
		parts := splitOutsideQuotes(alt, ';')
		protoRaw, authority, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
		if !ok {
			continue
		}

		proto, err := url.PathUnescape(strings.TrimSpace(protoRaw))
		if err != nil || proto == "" {
			continue
		}

		authority = strings.Trim(strings.TrimSpace(authority), `"`)
		hostRaw, portRaw, ok := strings.Cut(authority, ":")
		if strings.HasPrefix(authority, "[") {
			end := strings.Index(authority, "]:")
			if end < 0 {
				continue
			}
			hostRaw, portRaw, ok = authority[1:end], authority[end+2:], true
		}
		if !ok {
			continue
		}
		port, err := strconv.ParseUint(portRaw, 10, 16)
		if err != nil || port == 0 {
			continue
		}

		maxAge := defaultMaxAge
		for _, param := range parts[1:] {
			name, value, _ := strings.Cut(strings.TrimSpace(param), "=")
			if strings.EqualFold(strings.TrimSpace(name), "ma") {
				secs, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(value), `"`), 10, 64)
				if err == nil && secs >= 0 {
					maxAge = time.Duration(secs) * time.Second
				}
			}
		}

		host := ""
		if hostRaw != "" {
			host = http.NormalizeHost(hostRaw)
		}
		records = append(records, &Record{
			Origin:   origin,
			Protocol: proto,
			Host:     host,
			Port:     uint16(port),
			Expires:  now.Add(maxAge),
		})
	}
	return records
}

func splitOutsideQuotes(s string, sep byte) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
