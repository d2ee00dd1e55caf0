// Package health tracks request quality: per-agent timing, success rates, a
// bounded error log, and an active backend health probe. Observational only;
// nothing here is authoritative session state.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxErrorLog bounds the error ring. Oldest entries are evicted first.
const maxErrorLog = 50

// Performance thresholds for rating one exchange.
const (
	thresholdFast       = 5 * time.Second
	thresholdAcceptable = 30 * time.Second
	thresholdSlow       = 120 * time.Second
)

// Rating grades one request's wall-clock duration.
type Rating struct {
	Rating string `json:"rating"`
	Label  string `json:"label"`
}

// Status is the probe's view of the backend.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// AgentStats aggregates per-agent timing.
type AgentStats struct {
	Requests  int           `json:"requests"`
	TotalTime time.Duration `json:"total_time"`
	AvgTime   time.Duration `json:"avg_time"`
	Errors    int           `json:"errors"`
}

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	Error     string    `json:"error"`
	Input     string    `json:"input,omitempty"`
}

// Snapshot is an immutable copy of the monitor state for the stats panel.
type Snapshot struct {
	TotalRequests      int                   `json:"total_requests"`
	SuccessfulRequests int                   `json:"successful_requests"`
	FailedRequests     int                   `json:"failed_requests"`
	SuccessRate        float64               `json:"success_rate"`
	AvgResponseTime    time.Duration         `json:"avg_response_time"`
	AgentPerformance   map[string]AgentStats `json:"agent_performance"`
	RecentErrors       []ErrorEntry          `json:"recent_errors"`
	HealthStatus       Status                `json:"health_status"`
	AgentCount         int                   `json:"agent_count"`
}

// Prober checks the backend. Implemented by the backend client.
type Prober interface {
	Health(ctx context.Context) error
	AgentCount(ctx context.Context) (int, error)
}

// Monitor accumulates quality samples. Safe for concurrent use.
type Monitor struct {
	mu         sync.Mutex
	total      int
	successful int
	failed     int
	totalTime  time.Duration
	perAgent   map[string]*AgentStats
	errorLog   []ErrorEntry
	status     Status
	agentCount int
	logger     *slog.Logger
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		perAgent: make(map[string]*AgentStats),
		status:   StatusUnknown,
		logger:   logger,
	}
}

// TrackRequest records one completed request's duration and returns its
// performance rating.
func (m *Monitor) TrackRequest(agent string, started time.Time) Rating {
	duration := time.Since(started)

	m.mu.Lock()
	m.total++
	m.totalTime += duration

	stats := m.perAgent[agent]
	if stats == nil {
		stats = &AgentStats{}
		m.perAgent[agent] = stats
	}
	stats.Requests++
	stats.TotalTime += duration
	stats.AvgTime = stats.TotalTime / time.Duration(stats.Requests)
	m.mu.Unlock()

	return Rate(duration)
}

// TrackSuccess records a successful outcome.
func (m *Monitor) TrackSuccess(agent string) {
	m.mu.Lock()
	m.successful++
	m.mu.Unlock()
	m.logger.Debug("request succeeded", "agent", agent)
}

// TrackError records a failure, evicting the oldest entry once the log is
// full.
func (m *Monitor) TrackError(agent string, err error, input string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failed++
	m.errorLog = append(m.errorLog, ErrorEntry{
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Error:     err.Error(),
		Input:     input,
	})
	if len(m.errorLog) > maxErrorLog {
		m.errorLog = m.errorLog[len(m.errorLog)-maxErrorLog:]
	}

	if stats := m.perAgent[agent]; stats != nil {
		stats.Errors++
	}
}

// Rate grades a duration against the performance thresholds.
func Rate(duration time.Duration) Rating {
	switch {
	case duration < thresholdFast:
		return Rating{Rating: "fast", Label: "Fast"}
	case duration < thresholdAcceptable:
		return Rating{Rating: "acceptable", Label: "Normal"}
	case duration < thresholdSlow:
		return Rating{Rating: "slow", Label: "Slow"}
	default:
		return Rating{Rating: "very_slow", Label: "Very Slow"}
	}
}

// Probe runs one health check against the backend and updates the status:
// healthy when both the liveness endpoint and the agent listing answer,
// degraded when only liveness does, unhealthy when neither.
func (m *Monitor) Probe(ctx context.Context, p Prober) Status {
	status := StatusUnhealthy
	agentCount := 0

	if err := p.Health(ctx); err == nil {
		status = StatusDegraded
		if n, err := p.AgentCount(ctx); err == nil {
			status = StatusHealthy
			agentCount = n
		} else {
			m.logger.Warn("multi-agent system unavailable", "error", err)
		}
	} else {
		m.logger.Warn("backend health check failed", "error", err)
	}

	m.mu.Lock()
	m.status = status
	m.agentCount = agentCount
	m.mu.Unlock()

	return status
}

// Run probes on a fixed interval until the context ends.
func (m *Monitor) Run(ctx context.Context, p Prober, interval, probeTimeout time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		m.Probe(probeCtx, p)
	}
	probe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// Snapshot copies the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	perAgent := make(map[string]AgentStats, len(m.perAgent))
	for agent, stats := range m.perAgent {
		perAgent[agent] = *stats
	}
	errorLog := make([]ErrorEntry, len(m.errorLog))
	copy(errorLog, m.errorLog)

	var successRate float64
	if m.total > 0 {
		successRate = float64(m.successful) / float64(m.total) * 100
	}
	var avg time.Duration
	if m.total > 0 {
		avg = m.totalTime / time.Duration(m.total)
	}

	return Snapshot{
		TotalRequests:      m.total,
		SuccessfulRequests: m.successful,
		FailedRequests:     m.failed,
		SuccessRate:        successRate,
		AvgResponseTime:    avg,
		AgentPerformance:   perAgent,
		RecentErrors:       errorLog,
		HealthStatus:       m.status,
		AgentCount:         m.agentCount,
	}
}
