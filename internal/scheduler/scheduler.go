// Package scheduler runs the daemon's background jobs (storage reclaim, TOC
// idle flush and rollup, BM25 commit and prune, topic extraction/prune,
// vector prune) on cron-like schedules (spec §4.8 Scheduler); vector
// consumption runs off the outbox notification, not a scheduled job. It generalizes the teacher's
// ticker-driven monitor loop (internal/aider/spawner.go's monitorAgents,
// a single fixed-interval ticker with a stop channel) into named jobs on
// independent schedules with overlap control and jittered starts.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/telemetry"
)

// OverlapPolicy governs what happens when a job's previous run is still in
// flight at the next scheduled tick (spec §4.8 Scheduler).
type OverlapPolicy string

const (
	OverlapSkip           OverlapPolicy = "skip"
	OverlapQueue          OverlapPolicy = "queue"
	OverlapCancelPrevious OverlapPolicy = "cancel_previous"
)

// JobFunc is one unit of scheduled work. It should respect ctx cancellation
// promptly so OverlapCancelPrevious can take effect.
type JobFunc func(ctx context.Context) error

// JobSpec describes one standard job (spec §4.8: "TOC segment finalize,
// BM25 commit (~1 min), vector index consume (~5 min), topic extraction
// (e.g. 04:00 daily), vector prune (daily), BM25 prune (daily, if
// enabled), topic prune (weekly)").
type JobSpec struct {
	Name        string
	CronExpr    string
	Overlap     OverlapPolicy
	MaxJitter   time.Duration
	Fn          JobFunc
	FailThreshold int // consecutive failures before Degraded() reports this job; 0 uses the scheduler default
}

// Scheduler wraps a robfig/cron engine with per-job overlap policy, bounded
// startup jitter (spec §4.8: "bounded random jitter to prevent thundering
// herds across restart"), and consecutive-failure health tracking (spec
// §4.8 Failure policy).
type Scheduler struct {
	cron             *cron.Cron
	log              *zap.Logger
	health           *telemetry.JobHealth
	defaultThreshold int

	mu      sync.Mutex
	running map[string]context.CancelFunc
	queued  map[string]bool
	thresholds map[string]int
}

func New(logger *zap.Logger, health *telemetry.JobHealth, defaultFailThreshold int) *Scheduler {
	if defaultFailThreshold <= 0 {
		defaultFailThreshold = 3
	}
	return &Scheduler{
		cron:             cron.New(),
		log:              logger.Named("scheduler"),
		health:           health,
		defaultThreshold: defaultFailThreshold,
		running:          map[string]context.CancelFunc{},
		queued:           map[string]bool{},
		thresholds:       map[string]int{},
	}
}

// AddJob registers spec on its cron schedule. Each invocation runs through
// jitter, overlap-policy enforcement, and health tracking before calling
// spec.Fn.
func (s *Scheduler) AddJob(spec JobSpec) error {
	threshold := spec.FailThreshold
	if threshold <= 0 {
		threshold = s.defaultThreshold
	}
	s.mu.Lock()
	s.thresholds[spec.Name] = threshold
	s.mu.Unlock()

	_, err := s.cron.AddFunc(spec.CronExpr, func() {
		s.runTick(spec)
	})
	return err
}

func (s *Scheduler) runTick(spec JobSpec) {
	if spec.MaxJitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(spec.MaxJitter))))
	}

	s.mu.Lock()
	_, inFlight := s.running[spec.Name]
	switch {
	case inFlight && spec.Overlap == OverlapSkip:
		s.mu.Unlock()
		s.log.Debug("skipping tick, previous run still in flight", zap.String("job", spec.Name))
		return
	case inFlight && spec.Overlap == OverlapCancelPrevious:
		cancel := s.running[spec.Name]
		s.mu.Unlock()
		cancel()
		s.mu.Lock()
	case inFlight && spec.Overlap == OverlapQueue:
		// cron runs every tick on its own goroutine, so wait here until the
		// previous run has finished and then run this tick after it.
		for inFlight {
			s.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			s.mu.Lock()
			_, inFlight = s.running[spec.Name]
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running[spec.Name] = cancel
	s.mu.Unlock()

	err := spec.Fn(ctx)
	cancel()

	s.mu.Lock()
	delete(s.running, spec.Name)
	s.mu.Unlock()

	if err != nil {
		n := s.health.RecordFailure(spec.Name, err)
		s.log.Warn("scheduled job failed, will retry next tick", zap.String("job", spec.Name), zap.Int("consecutive_failures", n), zap.Error(err))
		return
	}
	s.health.RecordSuccess(spec.Name)
}

// Degraded reports job names whose consecutive-failure count has reached
// their configured threshold (spec §4.8: "raises a structured
// health-status degradation but does not halt ingestion or queries").
func (s *Scheduler) Degraded() []string {
	s.mu.Lock()
	thresholds := make(map[string]int, len(s.thresholds))
	for k, v := range s.thresholds {
		thresholds[k] = v
	}
	s.mu.Unlock()

	var out []string
	for job, threshold := range thresholds {
		degraded := s.health.Degraded(threshold)
		for _, d := range degraded {
			if d == job {
				out = append(out, job)
			}
		}
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts future ticks, cancels the context of every job still running
// so jobs that honor ctx exit promptly, then waits for the cron library's
// own drain of in-flight runs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	<-stopCtx.Done()
}
