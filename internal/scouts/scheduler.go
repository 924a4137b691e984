package scouts

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/observability"
)

const (
	// JitterFraction is the share of the interval randomized on each
	// recurrence to avoid stampedes.
	JitterFraction = 0.10

	backoffBase = 15 * time.Second
	backoffMax  = 300 * time.Second
)

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// DigestSize bounds the awareness digest ring.
	DigestSize int `yaml:"digest_size" json:"digest_size"`

	// PersistLowFindings also queues low-urgency findings on the digest
	// instead of leaving them audit-only.
	PersistLowFindings bool `yaml:"persist_low_findings" json:"persist_low_findings"`
}

// DefaultSchedulerConfig returns the defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{DigestSize: DefaultDigestSize}
}

type scoutState struct {
	scout    Scout
	cronExpr cron.Schedule

	mu       sync.Mutex
	running  bool
	failures int
	holdOff  time.Time
}

// Scheduler drives registered scouts. Runs are overlap-locked per scout
// and back off exponentially on consecutive failures; findings are routed
// by urgency: low is audit-only, medium joins the digest, high joins the
// digest and may escalate through the bound channels.
type Scheduler struct {
	cfg       SchedulerConfig
	digest    *Digest
	escalator *Escalator
	auditor   *audit.Logger
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	scouts  map[string]*scoutState
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// rand is swapped in tests for deterministic jitter.
	rand func() float64
}

// NewScheduler builds an idle scheduler.
func NewScheduler(cfg SchedulerConfig, escalator *Escalator, auditor *audit.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.DigestSize <= 0 {
		cfg.DigestSize = DefaultDigestSize
	}
	return &Scheduler{
		cfg:       cfg,
		digest:    NewDigest(cfg.DigestSize),
		escalator: escalator,
		auditor:   auditor,
		metrics:   metrics,
		logger:    slog.Default().With("component", "scouts"),
		scouts:    make(map[string]*scoutState),
		rand:      rand.Float64,
	}
}

// Digest exposes the awareness ring for channel delivery.
func (s *Scheduler) Digest() *Digest { return s.digest }

// Register adds a scout. A scout with neither an interval nor a cron
// expression is rejected, as is a duplicate name.
func (s *Scheduler) Register(scout Scout) error {
	sched := scout.Schedule()
	state := &scoutState{scout: scout}

	if sched.Cron != "" {
		expr, err := cron.ParseStandard(sched.Cron)
		if err != nil {
			return fmt.Errorf("scouts: %s cron %q: %w", scout.Name(), sched.Cron, err)
		}
		state.cronExpr = expr
	} else if sched.Interval <= 0 {
		return fmt.Errorf("scouts: %s has no interval or cron expression", scout.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scouts[scout.Name()]; exists {
		return fmt.Errorf("scouts: %s already registered", scout.Name())
	}
	s.scouts[scout.Name()] = state
	if s.started {
		s.spawnLocked(state)
	}
	return nil
}

// Start launches a loop per registered scout.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, state := range s.scouts {
		s.spawnLocked(state)
	}
}

// Stop halts all loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) spawnLocked(state *scoutState) {
	ctx := s.runCtx
	if ctx == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, state)
	}()
}

func (s *Scheduler) loop(ctx context.Context, state *scoutState) {
	sched := state.scout.Schedule()

	// The first firing waits only the jitter, not a full interval, so
	// scouts spread out at start-up instead of all waking together later.
	first := s.jitter(sched)
	if state.cronExpr != nil && !sched.RunOnStartup {
		first = s.nextDelay(state, sched)
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, state)
			timer.Reset(s.nextDelay(state, sched))
		}
	}
}

// nextDelay computes the wait before the next tick: the cron gap when a
// cron expression is set, otherwise the interval plus up to 10% jitter.
func (s *Scheduler) nextDelay(state *scoutState, sched Schedule) time.Duration {
	if state.cronExpr != nil {
		now := time.Now()
		d := state.cronExpr.Next(now).Sub(now)
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	return sched.Interval + s.jitter(sched)
}

// jitter draws up to 10% of the interval.
func (s *Scheduler) jitter(sched Schedule) time.Duration {
	return time.Duration(s.rand() * JitterFraction * float64(sched.Interval))
}

// tick attempts one run. The overlap lock drops the tick when the
// previous invocation is still running; the backoff hold-off drops ticks
// after consecutive failures.
func (s *Scheduler) tick(ctx context.Context, state *scoutState) {
	name := state.scout.Name()

	state.mu.Lock()
	if state.running {
		state.mu.Unlock()
		s.metrics.ObserveScoutRun(name, "skip_overlap")
		s.logAudit("skip_overlap", audit.SeverityInfo, map[string]any{"scout": name})
		return
	}
	if !state.holdOff.IsZero() && time.Now().Before(state.holdOff) {
		state.mu.Unlock()
		s.metrics.ObserveScoutRun(name, "skip_backoff")
		return
	}
	state.running = true
	state.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, state)
	}()
}

func (s *Scheduler) run(ctx context.Context, state *scoutState) {
	name := state.scout.Name()
	start := time.Now()

	findings, err := state.scout.Execute(ctx)

	state.mu.Lock()
	state.running = false
	if err != nil {
		state.failures++
		state.holdOff = time.Now().Add(Backoff(state.failures))
	} else {
		state.failures = 0
		state.holdOff = time.Time{}
	}
	failures := state.failures
	state.mu.Unlock()

	if err != nil {
		s.metrics.ObserveScoutRun(name, "error")
		s.logger.Warn("scout run failed", "scout", name, "failures", failures, "error", err)
		s.logAudit("run_failed", audit.SeverityWarn, map[string]any{
			"scout":       name,
			"failures":    failures,
			"duration_ms": time.Since(start).Milliseconds(),
			"error":       err.Error(),
		})
		return
	}

	s.metrics.ObserveScoutRun(name, "ok")
	s.logAudit("run_completed", audit.SeverityInfo, map[string]any{
		"scout":       name,
		"findings":    len(findings),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	for _, f := range findings {
		if f.Scout == "" {
			f.Scout = name
		}
		if f.FoundAt.IsZero() {
			f.FoundAt = time.Now()
		}
		s.route(ctx, f)
	}
}

// route dispatches one finding by urgency.
func (s *Scheduler) route(ctx context.Context, f Finding) {
	s.logAudit("finding", severityFor(f.Urgency), map[string]any{
		"scout":   f.Scout,
		"type":    f.Type,
		"urgency": string(f.Urgency),
	})

	switch f.Urgency {
	case UrgencyLow:
		if s.cfg.PersistLowFindings {
			s.digest.Push(f)
		}
	case UrgencyMedium:
		s.digest.Push(f)
	case UrgencyHigh:
		s.digest.Push(f)
		if f.Escalate && s.escalator != nil {
			s.escalator.Escalate(ctx, f)
		}
	}
}

// Backoff returns the hold-off after k consecutive failures:
// min(15s * 2^(k-1), 300s).
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

func severityFor(u Urgency) audit.Severity {
	if u == UrgencyHigh {
		return audit.SeverityWarn
	}
	return audit.SeverityInfo
}

func (s *Scheduler) logAudit(action string, severity audit.Severity, metadata map[string]any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogEvent(audit.CategoryScout, "scout_"+action, severity, metadata); err != nil {
		s.logger.Error("audit write failed", "error", err)
	}
}
