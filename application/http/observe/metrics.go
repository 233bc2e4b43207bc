package observe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports transaction counters to Prometheus.
type Metrics struct {
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration prometheus.Histogram
	ResponsesTotal      *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	AuthChallengesTotal *prometheus.CounterVec
	DrainsTotal         *prometheus.CounterVec
	SentBytesTotal      prometheus.Counter
	ReceivedBytesTotal  prometheus.Counter
}

var _ Observer = (*Metrics)(nil)

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		TransactionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpengine",
				Name:      "transactions_total",
				Help:      "Total number of finished transactions",
			},
			[]string{"result", "reused"}, // result=ok/error
		),
		TransactionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "httpengine",
				Name:      "transaction_duration_seconds",
				Help:      "Time from start to the end of the response body",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ResponsesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpengine",
				Name:      "responses_total",
				Help:      "Response headers received, by status class",
			},
			[]string{"class"}, // class=1xx..5xx
		),
		RetriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpengine",
				Name:      "retries_total",
				Help:      "Silent retries on a new connection",
			},
			[]string{"reason"},
		),
		AuthChallengesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpengine",
				Name:      "auth_challenges_total",
				Help:      "Authentication challenges received",
			},
			[]string{"target", "scheme"},
		),
		DrainsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpengine",
				Name:      "drains_total",
				Help:      "Background drains of unread response bodies",
			},
			[]string{"result"}, // result=recycled/closed
		),
		SentBytesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "httpengine",
				Name:      "sent_bytes_total",
				Help:      "Request body bytes written",
			},
		),
		ReceivedBytesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "httpengine",
				Name:      "received_bytes_total",
				Help:      "Raw response bytes read",
			},
		),
	}
}

func (m *Metrics) OnRequestHeaders(RequestSnapshot) {}

func (m *Metrics) OnResponseHeaders(s ResponseSnapshot) {
	m.ResponsesTotal.WithLabelValues(strconv.Itoa(s.StatusCode/100) + "xx").Inc()
}

func (m *Metrics) OnRetry(s RetrySnapshot) {
	m.RetriesTotal.WithLabelValues(s.Reason).Inc()
}

func (m *Metrics) OnAuthChallenge(s AuthSnapshot) {
	target := "server"
	if s.Proxy {
		target = "proxy"
	}
	m.AuthChallengesTotal.WithLabelValues(target, s.Scheme).Inc()
}

func (m *Metrics) OnComplete(s CompletionSnapshot) {
	result := "ok"
	if s.Err != nil {
		result = "error"
	}
	m.TransactionsTotal.WithLabelValues(result, strconv.FormatBool(s.Reused)).Inc()
	m.TransactionDuration.Observe(s.Duration.Seconds())
	m.SentBytesTotal.Add(float64(s.SentBytes))
	m.ReceivedBytesTotal.Add(float64(s.ReceivedBytes))
}

func (m *Metrics) OnDrain(s DrainSnapshot) {
	result := "closed"
	if s.Recycled {
		result = "recycled"
	}
	m.DrainsTotal.WithLabelValues(result).Inc()
}
