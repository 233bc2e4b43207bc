package observe

import (
	"context"
	"http-engine/application/http"
	"log/slog"
	"strings"
)

// Values of these fields never reach the log.
var sensitive = []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie"}

type logger struct {
	l *slog.Logger
}

// NewLogger logs every event on l.
func NewLogger(l *slog.Logger) Observer {
	return &logger{l: l}
}

func masked(h http.Headers) []string {
	fields := h.Fields()
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		value := f.Value
		for _, name := range sensitive {
			if strings.EqualFold(f.Name, name) {
				value = "[masked]"
				break
			}
		}
		out = append(out, f.Name+": "+value)
	}
	return out
}

func (lg *logger) OnRequestHeaders(s RequestSnapshot) {
	lg.l.Debug("Sending request",
		slog.String("txn", s.TransactionID),
		slog.Int("attempt", s.Attempt),
		slog.String("method", s.Method),
		slog.String("url", s.URL),
		slog.String("endpoint", s.Endpoint),
		slog.Bool("reused", s.Reused),
		slog.Any("headers", masked(s.Headers)),
	)
}

func (lg *logger) OnResponseHeaders(s ResponseSnapshot) {
	lg.l.Debug("Received response headers",
		slog.String("txn", s.TransactionID),
		slog.String("status", s.StatusLine),
		slog.Int64("header_bytes", s.HeaderBytes),
		slog.Any("headers", masked(s.Headers)),
	)
}

func (lg *logger) OnRetry(s RetrySnapshot) {
	lg.l.Info("Retrying request",
		slog.String("txn", s.TransactionID),
		slog.Int("attempt", s.Attempt),
		slog.String("reason", s.Reason),
		slog.Any("error", s.Err),
	)
}

func (lg *logger) OnAuthChallenge(s AuthSnapshot) {
	lg.l.Debug("Authentication challenge",
		slog.String("txn", s.TransactionID),
		slog.Bool("proxy", s.Proxy),
		slog.String("scheme", s.Scheme),
		slog.String("realm", s.Realm),
		slog.Int("round", s.Round),
	)
}

func (lg *logger) OnComplete(s CompletionSnapshot) {
	level := slog.LevelDebug
	if s.Err != nil {
		level = slog.LevelWarn
	}
	lg.l.Log(context.Background(), level, "Transaction complete",
		slog.String("txn", s.TransactionID),
		slog.Int("status", s.StatusCode),
		slog.Int64("sent", s.SentBytes),
		slog.Int64("received", s.ReceivedBytes),
		slog.Duration("duration", s.Duration),
		slog.Bool("reused", s.Reused),
		slog.Any("error", s.Err),
	)
}

func (lg *logger) OnDrain(s DrainSnapshot) {
	lg.l.Debug("Drained connection",
		slog.String("endpoint", s.Endpoint),
		slog.Int64("bytes", s.Bytes),
		slog.Bool("recycled", s.Recycled),
		slog.Any("error", s.Err),
	)
}
