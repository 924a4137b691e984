package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the last observed outcome of a registered check.
type CheckResult struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	LastRun  time.Time     `json:"last_run"`
}

type healthCheck struct {
	name     string
	critical bool
	interval time.Duration
	fn       CheckFunc
}

// HealthMonitor runs registered checks on their intervals and answers
// system-health queries. System health is the AND over critical checks;
// non-critical failures are reported but do not flip it.
type HealthMonitor struct {
	logger *slog.Logger

	mu      sync.Mutex
	checks  []healthCheck
	results map[string]CheckResult
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewHealthMonitor builds an idle monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		logger:  slog.Default().With("component", "health"),
		results: make(map[string]CheckResult),
	}
}

// Register adds a check. Non-positive interval means 30s. Registration
// after Start takes effect; the new check runs on its own ticker.
func (m *HealthMonitor) Register(name string, critical bool, interval time.Duration, fn CheckFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := healthCheck{name: name, critical: critical, interval: interval, fn: fn}

	m.mu.Lock()
	m.checks = append(m.checks, c)
	// Unknown until first run; critical checks start unhealthy so a
	// never-probed dependency cannot report a healthy system.
	m.results[name] = CheckResult{Name: name, Critical: critical, Healthy: !critical}
	started := m.started
	m.mu.Unlock()

	if started {
		m.spawn(c)
	}
}

// Start launches the check loops. Each check runs once immediately.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.runCtx = ctx
	m.started = true
	checks := make([]healthCheck, len(m.checks))
	copy(checks, m.checks)
	m.mu.Unlock()

	for _, c := range checks {
		m.spawn(c)
	}
}

// Stop halts all check loops and waits for them to exit.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// IsSystemHealthy is the AND over critical checks.
func (m *HealthMonitor) IsSystemHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results {
		if r.Critical && !r.Healthy {
			return false
		}
	}
	return true
}

// Results returns a snapshot of all check outcomes.
func (m *HealthMonitor) Results() []CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	return out
}

// RunOnce executes every registered check immediately, ignoring intervals.
func (m *HealthMonitor) RunOnce(ctx context.Context) {
	m.mu.Lock()
	checks := make([]healthCheck, len(m.checks))
	copy(checks, m.checks)
	m.mu.Unlock()

	for _, c := range checks {
		m.execute(ctx, c)
	}
}

func (m *HealthMonitor) spawn(c healthCheck) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(ctx, c)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.execute(ctx, c)
			}
		}
	}()
}

func (m *HealthMonitor) execute(ctx context.Context, c healthCheck) {
	start := time.Now()
	err := c.fn(ctx)
	result := CheckResult{
		Name:     c.name,
		Critical: c.critical,
		Healthy:  err == nil,
		Duration: time.Since(start),
		LastRun:  start,
	}
	if err != nil {
		result.Error = err.Error()
		m.logger.Warn("health check failed", "check", c.name, "critical", c.critical, "error", err)
	}

	m.mu.Lock()
	m.results[c.name] = result
	m.mu.Unlock()
}
