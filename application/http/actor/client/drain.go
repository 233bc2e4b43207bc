package client

import (
	"http-engine/application/http/observe"
	"http-engine/application/http/parser"
	"log/slog"
	"time"
)

// drain reads what is left of a body in the background and recycles the
// connection if the body ends within bounds.
func (s *Session) drain(lease *Lease, p *parser.Parser) {
	s.drains.Add(1)
	go func() {
		defer s.drains.Done()

		if s.opts.Drain.Timeout > 0 {
			lease.Conn.SetReadDeadLine(s.clock.Now().Add(s.opts.Drain.Timeout))
		}

		before := p.ReceivedBytes()
		done, err := p.Discard(s.opts.Drain.MaxBytes)
		recycled := done && err == nil && p.CanReuseConnection()

		lease.Conn.SetReadDeadLine(time.Time{})
		s.provider.Release(lease, recycled)

		s.logger.Debug("Drained unread body",
			slog.String("endpoint", lease.Endpoint.String()),
			slog.Bool("recycled", recycled),
			slog.Any("error", err),
		)
		s.observer.OnDrain(observe.DrainSnapshot{
			Endpoint: lease.Endpoint.String(),
			Bytes:    p.ReceivedBytes() - before,
			Recycled: recycled,
			Err:      err,
		})
	}()
}
