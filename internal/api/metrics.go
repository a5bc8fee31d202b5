package api

import (
	"sync/atomic"
	"time"
)

// Metrics holds the counters served on /metricz. All methods are safe for
// concurrent use.
type Metrics struct {
	start time.Time

	requests     atomic.Int64
	clientErrors atomic.Int64
	serverErrors atomic.Int64
	latencyNanos atomic.Int64

	submissions   atomic.Int64
	resubmissions atomic.Int64
	tokensIssued  atomic.Int64
}

// MetricsSnapshot is the JSON body of /metricz.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ClientErrors  int64   `json:"client_errors"`
	ServerErrors  int64   `json:"server_errors"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	Submissions   int64   `json:"submissions"`
	Resubmissions int64   `json:"resubmissions"`
	TokensIssued  int64   `json:"tokens_issued"`
}

func NewMetrics() *Metrics {
	return &Metrics{start: time.Now()}
}

// ObserveRequest counts a finished request by its response status.
func (m *Metrics) ObserveRequest(status int, elapsed time.Duration) {
	m.requests.Add(1)
	m.latencyNanos.Add(int64(elapsed))
	if status >= 500 {
		m.serverErrors.Add(1)
	} else if status >= 400 {
		m.clientErrors.Add(1)
	}
}

// RecordSubmission counts accepted work. Work for an assignment that was
// already received counts as a resubmission.
func (m *Metrics) RecordSubmission(first bool) {
	c := &m.resubmissions
	if first {
		c = &m.submissions
	}
	c.Add(1)
}

func (m *Metrics) RecordTokenIssued() {
	m.tokensIssued.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		UptimeSeconds: time.Since(m.start).Seconds(),
		Requests:      m.requests.Load(),
		ClientErrors:  m.clientErrors.Load(),
		ServerErrors:  m.serverErrors.Load(),
		Submissions:   m.submissions.Load(),
		Resubmissions: m.resubmissions.Load(),
		TokensIssued:  m.tokensIssued.Load(),
	}
	if snap.Requests > 0 {
		avg := time.Duration(m.latencyNanos.Load() / snap.Requests)
		snap.AvgLatencyMS = float64(avg.Microseconds()) / 1000
	}
	return snap
}
