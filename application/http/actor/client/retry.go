package client

import (
	"context"
	"http-engine/application/http/actor/client/pool"
	"http-engine/application/http/observe"
	"http-engine/application/http/parser"
	"http-engine/transport"
	"log/slog"

	"github.com/pkg/errors"
)

// Reasons for a silent retry, as reported to observers.
const (
	RetryWriteFailed    = "write_failed"
	RetryEmptyResponse  = "empty_response"
	RetryRequestTimeout = "request_timeout"
)

// connectionLost reports errors that mean the peer was gone.
func connectionLost(err error) bool {
	return transport.IsReset(err) || transport.IsClosed(err)
}

// retryable reports whether err may be a connection that died while
// idle in the pool. Only those get a silent retry; a fresh connection
// failing the same way is a real failure.
func (t *Transaction) retryable(err error) (string, bool) {
	if t.lease == nil || t.retries >= t.session.opts.Retry.MaxRetries {
		return "", false
	}

	switch t.phase {
	case phaseSend:
		if t.lease.Reuse == pool.Reused && connectionLost(err) {
			return RetryWriteFailed, true
		}
	case phaseRead:
		if t.lease.Reuse == pool.Fresh || t.parser == nil || t.parser.Started() {
			return "", false
		}
		if connectionLost(err) || errors.Is(err, parser.ErrEmptyResponse) {
			return RetryEmptyResponse, true
		}
	}
	return "", false
}

// retryableTimeout reports whether a 408 came over a connection that
// may have been idle too long.
func (t *Transaction) retryableTimeout() (string, bool) {
	if t.lease == nil || t.lease.Reuse == pool.Fresh {
		return "", false
	}
	if t.retries >= t.session.opts.Retry.MaxRetries {
		return "", false
	}
	return RetryRequestTimeout, true
}

// prepareRetry drops the connection and rewinds the body so the whole
// request is replayed on a new connection.
func (t *Transaction) prepareRetry(ctx context.Context, reason string, cause error) error {
	t.retries++

	t.logger.Info("Retrying on a new connection",
		slog.String("reason", reason),
		slog.String("reuse", t.lease.Reuse.String()),
		slog.Any("error", cause),
	)
	t.session.observer.OnRetry(observe.RetrySnapshot{
		TransactionID: t.ID(),
		Attempt:       t.retries,
		Reason:        reason,
		Err:           cause,
	})

	t.releaseLease(false)
	t.parser, t.resp = nil, nil
	t.forceFresh = true

	return t.rewindBody(ctx)
}
