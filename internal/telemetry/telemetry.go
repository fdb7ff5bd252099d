// Package telemetry builds the process-wide logger and tracks the per-job
// consecutive-failure health surfaced through GetRankingStatus.
//
// The teacher prefixes every log line by hand ("[MAIN]", "[NATS]"); we keep
// the same instinct but express it as zap's structured Named loggers instead
// of string-concatenated prefixes.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// NewLogger builds the shared *zap.Logger. Production builds use the JSON
// encoder; dev builds (the serve command's --dev flag) use the
// human-readable console encoder.
func NewLogger(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

// JobHealth tracks consecutive-failure counts per scheduled job (spec §4.8:
// "a job that fails N consecutive times raises a structured health-status
// degradation but does not halt ingestion or queries").
type JobHealth struct {
	mu             sync.Mutex
	consecutiveErr map[string]int
	lastErr        map[string]error
	lastRunAt      map[string]time.Time
}

func NewJobHealth() *JobHealth {
	return &JobHealth{
		consecutiveErr: map[string]int{},
		lastErr:        map[string]error{},
		lastRunAt:      map[string]time.Time{},
	}
}

func (h *JobHealth) RecordSuccess(job string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErr[job] = 0
	delete(h.lastErr, job)
	h.lastRunAt[job] = time.Now()
}

func (h *JobHealth) RecordFailure(job string, err error) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErr[job]++
	h.lastErr[job] = err
	h.lastRunAt[job] = time.Now()
	return h.consecutiveErr[job]
}

// Degraded reports job names whose consecutive-failure count has reached
// threshold.
func (h *JobHealth) Degraded(threshold int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for job, n := range h.consecutiveErr {
		if n >= threshold {
			out = append(out, job)
		}
	}
	return out
}

func (h *JobHealth) Snapshot() map[string]JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]JobStatus, len(h.lastRunAt))
	for job, at := range h.lastRunAt {
		st := JobStatus{ConsecutiveFailures: h.consecutiveErr[job], LastRunAt: at}
		if err, ok := h.lastErr[job]; ok {
			st.LastError = err.Error()
		}
		out[job] = st
	}
	return out
}

type JobStatus struct {
	ConsecutiveFailures int
	LastRunAt           time.Time
	LastError           string
}
