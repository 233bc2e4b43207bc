// Package observe receives read-only snapshots of what transactions do.
// Snapshots are copies, so an observer cannot change a transaction.
package observe

import (
	"http-engine/application/http"
	"time"
)

type RequestSnapshot struct {
	TransactionID string
	Attempt       int
	Method        string
	URL           string
	Endpoint      string
	Reused        bool
	Headers       http.Headers
}

type ResponseSnapshot struct {
	TransactionID string
	StatusLine    string
	StatusCode    int
	HeaderBytes   int64
	Headers       http.Headers
}

type RetrySnapshot struct {
	TransactionID string
	Attempt       int
	Reason        string
	Err           error
}

type AuthSnapshot struct {
	TransactionID string
	Proxy         bool
	Scheme        string
	Realm         string
	Round         int
}

type CompletionSnapshot struct {
	TransactionID string
	StatusCode    int
	SentBytes     int64
	ReceivedBytes int64
	Duration      time.Duration
	Reused        bool
	Err           error
}

type DrainSnapshot struct {
	Endpoint string
	Bytes    int64
	Recycled bool
	Err      error
}

type Observer interface {
	OnRequestHeaders(RequestSnapshot)
	OnResponseHeaders(ResponseSnapshot)
	OnRetry(RetrySnapshot)
	OnAuthChallenge(AuthSnapshot)
	OnComplete(CompletionSnapshot)
	OnDrain(DrainSnapshot)
}

// Nop ignores everything.
type Nop struct{}

var _ Observer = Nop{}

func (Nop) OnRequestHeaders(RequestSnapshot)   {}
func (Nop) OnResponseHeaders(ResponseSnapshot) {}
func (Nop) OnRetry(RetrySnapshot)              {}
func (Nop) OnAuthChallenge(AuthSnapshot)       {}
func (Nop) OnComplete(CompletionSnapshot)      {}
func (Nop) OnDrain(DrainSnapshot)              {}

type multi []Observer

// Multi fans every event out to observers in order.
func Multi(observers ...Observer) Observer {
	flat := make(multi, 0, len(observers))
	for _, o := range observers {
		if o == nil {
			continue
		}
		if m, ok := o.(multi); ok {
			flat = append(flat, m...)
			continue
		}
		flat = append(flat, o)
	}
	return flat
}

func (m multi) OnRequestHeaders(s RequestSnapshot) {
	for _, o := range m {
		o.OnRequestHeaders(s)
	}
}

func (m multi) OnResponseHeaders(s ResponseSnapshot) {
	for _, o := range m {
		o.OnResponseHeaders(s)
	}
}

func (m multi) OnRetry(s RetrySnapshot) {
	for _, o := range m {
		o.OnRetry(s)
	}
}

func (m multi) OnAuthChallenge(s AuthSnapshot) {
	for _, o := range m {
		o.OnAuthChallenge(s)
	}
}

func (m multi) OnComplete(s CompletionSnapshot) {
	for _, o := range m {
		o.OnComplete(s)
	}
}

func (m multi) OnDrain(s DrainSnapshot) {
	for _, o := range m {
		o.OnDrain(s)
	}
}
