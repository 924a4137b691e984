package scouts

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/secrets"
)

type fakeScout struct {
	name     string
	schedule Schedule
	runs     atomic.Int32
	duration time.Duration
	findings []Finding
	err      error
}

func (s *fakeScout) Name() string       { return s.name }
func (s *fakeScout) Schedule() Schedule { return s.schedule }

func (s *fakeScout) Execute(ctx context.Context) ([]Finding, error) {
	s.runs.Add(1)
	if s.duration > 0 {
		select {
		case <-time.After(s.duration):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.findings, s.err
}

func testAuditor(t *testing.T) (*audit.Logger, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := audit.NewLogger(audit.DefaultConfig(dir), secrets.NewDetector())
	if err != nil {
		t.Fatalf("audit logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, dir
}

func newTestScheduler(cfg SchedulerConfig, auditor *audit.Logger, esc *Escalator) *Scheduler {
	s := NewScheduler(cfg, esc, auditor, nil)
	s.rand = func() float64 { return 0 } // deterministic: no jitter
	return s
}

func TestScheduler_RejectsBadRegistrations(t *testing.T) {
	s := newTestScheduler(DefaultSchedulerConfig(), nil, nil)

	if err := s.Register(&fakeScout{name: "no-schedule"}); err == nil {
		t.Error("scout without interval or cron was accepted")
	}
	if err := s.Register(&fakeScout{name: "bad-cron", schedule: Schedule{Cron: "not a cron"}}); err == nil {
		t.Error("invalid cron expression was accepted")
	}

	ok := &fakeScout{name: "ok", schedule: Schedule{Interval: time.Hour}}
	if err := s.Register(ok); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register(&fakeScout{name: "ok", schedule: Schedule{Interval: time.Hour}}); err == nil {
		t.Error("duplicate name was accepted")
	}
}

func TestScheduler_OverlapLock(t *testing.T) {
	auditor, dir := testAuditor(t)

	scout := &fakeScout{
		name:     "slow",
		schedule: Schedule{Interval: 40 * time.Millisecond},
		duration: 60 * time.Millisecond,
	}
	s := newTestScheduler(DefaultSchedulerConfig(), auditor, nil)
	if err := s.Register(scout); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if runs := scout.runs.Load(); runs < 1 {
		t.Fatalf("scout never ran")
	}

	skips, err := audit.Query(dir, audit.Filter{Category: audit.CategoryScout, Action: "scout_skip_overlap"})
	if err != nil {
		t.Fatal(err)
	}
	if len(skips) == 0 {
		t.Error("no skip_overlap entries audited while a run was in flight")
	}
}

func TestScheduler_RunOnStartup(t *testing.T) {
	scout := &fakeScout{name: "eager", schedule: Schedule{Interval: time.Hour, RunOnStartup: true}}
	s := newTestScheduler(DefaultSchedulerConfig(), nil, nil)
	if err := s.Register(scout); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for scout.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if scout.runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1 startup run", scout.runs.Load())
	}
}

func TestScheduler_FirstRunWaitsJitterNotInterval(t *testing.T) {
	// An hourly scout must make its first run shortly after Start, delayed
	// only by the jitter draw, never by a full interval.
	scout := &fakeScout{name: "hourly", schedule: Schedule{Interval: time.Hour}}
	s := newTestScheduler(DefaultSchedulerConfig(), nil, nil)
	if err := s.Register(scout); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for scout.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if scout.runs.Load() != 1 {
		t.Fatalf("runs = %d, want the first run without waiting out the interval", scout.runs.Load())
	}
}

func TestScheduler_UrgencyRouting(t *testing.T) {
	auditor, dir := testAuditor(t)

	pipe := channels.NewPipe("test", 8, true)
	esc := NewEscalator(auditor)
	esc.Bind(pipe)

	scout := &fakeScout{
		name:     "router",
		schedule: Schedule{Interval: time.Hour, RunOnStartup: true},
		findings: []Finding{
			{Type: "fyi", Summary: "low", Urgency: UrgencyLow},
			{Type: "digest", Summary: "medium", Urgency: UrgencyMedium},
			{Type: "alert", Summary: "high", Urgency: UrgencyHigh, Escalate: true},
		},
	}
	s := newTestScheduler(DefaultSchedulerConfig(), auditor, esc)
	if err := s.Register(scout); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for s.Digest().Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	// Low stays out of the digest by default; medium and high join it.
	queued := s.Digest().Drain()
	if len(queued) != 2 {
		t.Fatalf("digest holds %d findings, want 2 (medium+high): %v", len(queued), queued)
	}
	if queued[0].Urgency != UrgencyHigh {
		t.Errorf("first drained urgency = %q, want high", queued[0].Urgency)
	}

	// High+escalate reached the interrupt-capable channel.
	select {
	case ev := <-pipe.Outbound():
		note, ok := ev.(channels.Notification)
		if !ok {
			t.Fatalf("outbound event = %T, want Notification", ev)
		}
		if note.Urgency != channels.UrgencyHigh || note.Scout != "router" {
			t.Errorf("notification = %+v", note)
		}
	default:
		t.Error("escalation never reached the channel")
	}

	// Every finding is audited, including low.
	entries, err := audit.Query(dir, audit.Filter{Category: audit.CategoryScout, Action: "scout_finding"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("audited %d findings, want 3", len(entries))
	}
}

func TestScheduler_PersistLowFindings(t *testing.T) {
	scout := &fakeScout{
		name:     "low-only",
		schedule: Schedule{Interval: time.Hour, RunOnStartup: true},
		findings: []Finding{{Type: "fyi", Summary: "low", Urgency: UrgencyLow}},
	}
	cfg := DefaultSchedulerConfig()
	cfg.PersistLowFindings = true

	s := newTestScheduler(cfg, nil, nil)
	if err := s.Register(scout); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for s.Digest().Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if got := s.Digest().Len(); got != 1 {
		t.Fatalf("digest holds %d findings, want the persisted low finding", got)
	}
}

func TestScheduler_BackoffHoldsOffAfterFailure(t *testing.T) {
	scout := &fakeScout{
		name:     "flaky",
		schedule: Schedule{Interval: 20 * time.Millisecond},
		err:      errors.New("upstream check failed"),
	}
	s := newTestScheduler(DefaultSchedulerConfig(), nil, nil)
	if err := s.Register(scout); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	// First failure installs a 15s hold-off, so later ticks are dropped.
	if runs := scout.runs.Load(); runs != 1 {
		t.Fatalf("runs = %d, want 1 (backoff must suppress retries)", runs)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 15 * time.Second},
		{2, 30 * time.Second},
		{3, 60 * time.Second},
		{5, 240 * time.Second},
		{6, 300 * time.Second},
		{10, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.failures); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
