// Package metrics aggregates execution counters, per-agent health, and
// windowed performance reports from persisted rows. Every figure is
// recomputed from the store on demand; nothing here caches.
package metrics

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/store"
)

// ExecutionMetrics summarizes workflow runs, optionally scoped to one
// workflow and a trailing window.
type ExecutionMetrics struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	Pending           int     `json:"pending"`
	Running           int     `json:"running"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	SuccessRate       float64 `json:"success_rate"`
	QueueDepth        int     `json:"queue_depth"`
}

// AgentHealth reports one agent's track record across executions.
type AgentHealth struct {
	AgentID               string     `json:"agent_id"`
	Successful            int        `json:"successful"`
	Failed                int        `json:"failed"`
	Total                 int        `json:"total"`
	AverageResponseTimeMs float64    `json:"average_response_time_ms"`
	UptimePercentage      float64    `json:"uptime_percentage"`
	LastExecutionAt       *time.Time `json:"last_execution_at,omitempty"`
}

// Performance is the windowed throughput and latency report.
type Performance struct {
	WindowHours float64 `json:"window_hours"`
	Total       int     `json:"total"`
	Failed      int     `json:"failed"`
	Throughput  float64 `json:"throughput"` // executions per hour
	P50Ms       float64 `json:"p50_ms"`
	P95Ms       float64 `json:"p95_ms"`
	P99Ms       float64 `json:"p99_ms"`
	ErrorRate   float64 `json:"error_rate"`
}

// Aggregator computes reports from the row store.
type Aggregator struct {
	store  *store.Store
	logger *zap.Logger
}

// NewAggregator creates an aggregator over the store.
func NewAggregator(st *store.Store, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  st,
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// ExecutionMetrics counts runs by status. workflowID and window are
// optional; a zero window means all time.
func (a *Aggregator) ExecutionMetrics(ctx context.Context, workflowID string, window time.Duration) (*ExecutionMetrics, error) {
	execs, err := a.listWindow(ctx, workflowID, window)
	if err != nil {
		return nil, err
	}

	m := &ExecutionMetrics{Total: len(execs)}
	var durationSum float64
	var durationCount int
	for _, e := range execs {
		switch e.Status {
		case store.StatusCompleted:
			m.Successful++
			if e.StartedAt != nil && e.CompletedAt != nil {
				durationSum += float64(e.CompletedAt.Sub(*e.StartedAt).Milliseconds())
				durationCount++
			}
		case store.StatusFailed:
			m.Failed++
		case store.StatusPending:
			m.Pending++
		case store.StatusRunning:
			m.Running++
		}
	}

	if durationCount > 0 {
		m.AverageDurationMs = durationSum / float64(durationCount)
	}
	if m.Total > 0 {
		m.SuccessRate = float64(m.Successful) / float64(m.Total) * 100
	}
	m.QueueDepth = m.Pending + m.Running
	return m, nil
}

// AgentHealth reports one agent's success ratio and response times,
// optionally over a trailing window.
func (a *Aggregator) AgentHealth(ctx context.Context, agentID string, window time.Duration) (*AgentHealth, error) {
	var since time.Time
	if window > 0 {
		since = time.Now().UTC().Add(-window)
	}
	rows, err := a.store.ListAgentExecutionsByAgent(ctx, agentID, since)
	if err != nil {
		return nil, err
	}

	h := &AgentHealth{AgentID: agentID}
	var durationSum float64
	var durationCount int
	for _, r := range rows {
		switch r.Status {
		case store.StatusCompleted:
			h.Successful++
		case store.StatusFailed:
			h.Failed++
		default:
			continue
		}
		h.Total++
		if r.DurationMs != nil {
			durationSum += float64(*r.DurationMs)
			durationCount++
		}
		if r.StartedAt != nil && (h.LastExecutionAt == nil || r.StartedAt.After(*h.LastExecutionAt)) {
			t := *r.StartedAt
			h.LastExecutionAt = &t
		}
	}

	if durationCount > 0 {
		h.AverageResponseTimeMs = durationSum / float64(durationCount)
	}
	if h.Total > 0 {
		h.UptimePercentage = float64(h.Successful) / float64(h.Total) * 100
	}
	return h, nil
}

// Performance reports throughput and step-latency percentiles over the
// window. A zero window defaults to one hour.
func (a *Aggregator) Performance(ctx context.Context, workflowID string, window time.Duration) (*Performance, error) {
	if window <= 0 {
		window = time.Hour
	}
	since := time.Now().UTC().Add(-window)

	execs, err := a.store.ListExecutionsSince(ctx, workflowID, since)
	if err != nil {
		return nil, err
	}
	durations, err := a.store.ListCompletedStepDurations(ctx, workflowID, since)
	if err != nil {
		return nil, err
	}

	p := &Performance{
		WindowHours: window.Hours(),
		Total:       len(execs),
	}
	for _, e := range execs {
		if e.Status == store.StatusFailed {
			p.Failed++
		}
	}
	p.Throughput = float64(p.Total) / p.WindowHours
	if p.Total > 0 {
		p.ErrorRate = float64(p.Failed) / float64(p.Total) * 100
	}

	samples := make([]float64, len(durations))
	for i, d := range durations {
		samples[i] = float64(d)
	}
	sort.Float64s(samples)
	p.P50Ms = Percentile(samples, 0.50)
	p.P95Ms = Percentile(samples, 0.95)
	p.P99Ms = Percentile(samples, 0.99)
	return p, nil
}

func (a *Aggregator) listWindow(ctx context.Context, workflowID string, window time.Duration) ([]store.WorkflowExecution, error) {
	if window > 0 {
		return a.store.ListExecutionsSince(ctx, workflowID, time.Now().UTC().Add(-window))
	}
	return a.store.ListExecutions(ctx, workflowID)
}

// Percentile interpolates linearly between neighbours at rank
// k = (n-1) * p over an ascending-sorted sample. Empty input yields 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	k := float64(n-1) * p
	lo := int(math.Floor(k))
	hi := int(math.Ceil(k))
	if lo == hi {
		return sorted[lo]
	}
	frac := k - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
