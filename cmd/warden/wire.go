// wire.go assembles the agent core from a loaded configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/warden/internal/agent"
	"github.com/haasonsaas/warden/internal/agent/providers"
	"github.com/haasonsaas/warden/internal/approval"
	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/memory/embeddings"
	"github.com/haasonsaas/warden/internal/netguard"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/resilience"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/scouts"
	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/internal/tools/shell"
	"github.com/haasonsaas/warden/internal/tools/webfetch"
)

// core holds the assembled components behind one chat process.
type core struct {
	cfg       Config
	detector  *secrets.Detector
	auditor   *audit.Logger
	guard     *netguard.Guard
	sandbox   *sandbox.Executor
	registry  *tools.Registry
	approvals *approval.Manager
	sessions  *sessions.Store
	memory    *memory.Store
	metrics   *observability.Metrics
	pipe      *channels.Pipe
	provider  agent.Provider
	orch      *agent.Orchestrator
	scouts    *scouts.Scheduler
}

// auditDir is where the core's audit trail lives for a data directory.
func auditDir(dataDir string) string { return filepath.Join(dataDir, "audit") }

// buildCore wires the full pipeline. offline substitutes a canned local
// provider so the loop runs without credentials.
func buildCore(cfg Config, offline bool) (*core, error) {
	for _, dir := range []string{cfg.DataDir, filepath.Join(cfg.DataDir, "sessions"), auditDir(cfg.DataDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	detector := secrets.NewDetector()

	auditor, err := audit.NewLogger(audit.DefaultConfig(auditDir(cfg.DataDir)), detector)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	store, err := sessions.NewStore(filepath.Join(cfg.DataDir, "sessions"), detector)
	if err != nil {
		auditor.Close()
		return nil, fmt.Errorf("session store: %w", err)
	}

	embedder, err := embeddings.NewFromSpec(cfg.Memory.Embeddings, strings.TrimSpace(os.Getenv("OPENAI_API_KEY")))
	if err != nil {
		auditor.Close()
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	mem, err := memory.NewStore(memory.Config{
		Path:               filepath.Join(cfg.DataDir, "memory.db"),
		MaxEpisodesPerUser: cfg.Memory.MaxEpisodesPerUser,
	}, detector, embedder, auditor, labels.Policy{})
	if err != nil {
		auditor.Close()
		return nil, fmt.Errorf("memory store: %w", err)
	}

	guard := netguard.New(cfg.Network)

	sandboxOpts := []sandbox.Option{
		sandbox.WithDefaultLevel(cfg.Sandbox.Level),
		sandbox.WithAllowFallback(cfg.Sandbox.AllowFallback),
	}
	if cfg.Sandbox.DockerImage != "" {
		sandboxOpts = append(sandboxOpts, sandbox.WithDockerImage(cfg.Sandbox.DockerImage))
	}
	sb, err := sandbox.NewExecutor(sandboxOpts...)
	if err != nil {
		mem.Close()
		auditor.Close()
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	registry := tools.NewRegistry()
	if err := registry.Register(shell.New(sb, cfg.Sandbox.Level)); err != nil {
		mem.Close()
		auditor.Close()
		return nil, err
	}
	if err := registry.Register(webfetch.New(guard)); err != nil {
		mem.Close()
		auditor.Close()
		return nil, err
	}

	pipe := channels.NewPipe("cli", 256, true)
	bindAuditAlerts(auditor, pipe)
	approvals := approval.NewManager(pipe, auditor, cfg.ApprovalTimeout)
	metrics := observability.New(prometheus.NewRegistry())
	executor := tools.NewExecutor(registry, approvals, guard, detector, auditor, metrics)

	provider, err := buildProvider(cfg.Provider, offline)
	if err != nil {
		mem.Close()
		auditor.Close()
		return nil, err
	}

	orch, err := agent.NewOrchestrator(cfg.Agent, agent.Deps{
		Provider:  provider,
		Executor:  executor,
		Registry:  registry,
		Sessions:  store,
		Channel:   pipe,
		Approvals: approvals,
		Memory:    mem,
		Auditor:   auditor,
		Metrics:   metrics,
		Detector:  detector,
	})
	if err != nil {
		mem.Close()
		auditor.Close()
		return nil, err
	}

	escalator := scouts.NewEscalator(auditor)
	escalator.Bind(pipe)
	scheduler := scouts.NewScheduler(cfg.Scouts, escalator, auditor, metrics)
	if err := scheduler.Register(scouts.NewAuditChainScout(auditDir(cfg.DataDir), time.Hour)); err != nil {
		mem.Close()
		auditor.Close()
		return nil, err
	}
	if err := scheduler.Register(scouts.NewCostScout(store, cfg.CostBudgetUSD, 10*time.Minute)); err != nil {
		mem.Close()
		auditor.Close()
		return nil, err
	}

	return &core{
		cfg:       cfg,
		detector:  detector,
		auditor:   auditor,
		guard:     guard,
		sandbox:   sb,
		registry:  registry,
		approvals: approvals,
		sessions:  store,
		memory:    mem,
		metrics:   metrics,
		pipe:      pipe,
		provider:  provider,
		orch:      orch,
		scouts:    scheduler,
	}, nil
}

func (c *core) close() {
	c.scouts.Stop()
	c.orch.Stop()
	c.pipe.Close()
	c.memory.Close()
	c.auditor.Close()
}

// bindAuditAlerts surfaces failed audit writes as channel error events.
// Every component logs through the one auditor, so a single binding covers
// the orchestrator, executor, approvals, memory, and scouts.
func bindAuditAlerts(auditor *audit.Logger, ch channels.Channel) {
	auditor.SetWriteErrorHandler(func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ch.Send(ctx, channels.ErrorEvent{
			Kind:      string(agent.CodeAuditWriteFailed),
			Message:   "audit write failed: " + err.Error(),
			Retryable: true,
		})
	})
}

// model resolves the chat model for new sessions.
func (c *core) model() string {
	if c.cfg.Provider.Model != "" {
		return c.cfg.Provider.Model
	}
	return providers.DefaultAnthropicModel
}

// buildProvider picks the model backend. The Anthropic client is wrapped in
// a failover layer so its circuit breaker state is observable even with a
// single backend.
func buildProvider(cfg ProviderConfig, offline bool) (agent.Provider, error) {
	if offline || cfg.Name == "mock" {
		return &offlineProvider{}, nil
	}

	key := cfg.apiKey()
	if key == "" {
		env := cfg.APIKeyEnv
		if env == "" {
			env = "ANTHROPIC_API_KEY"
		}
		return nil, fmt.Errorf("no API key: set %s or run with --offline", env)
	}

	anth, err := providers.NewAnthropic(providers.AnthropicConfig{
		APIKey:       key,
		DefaultModel: cfg.Model,
	})
	if err != nil {
		return nil, err
	}
	return agent.NewFailover(resilience.DefaultBreakerConfig(), anth)
}

// offlineProvider answers every request with a canned streamed reply. It
// exists so the whole pipeline can be exercised without credentials.
type offlineProvider struct{}

func (p *offlineProvider) Name() string { return "offline" }

func (p *offlineProvider) CreateMessage(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	events, err := p.CreateMessageStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(events)
}

func (p *offlineProvider) CreateMessageStream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	last := ""
	for _, m := range req.Messages {
		if m.Content != "" {
			last = m.Content
		}
	}
	reply := fmt.Sprintf("(offline) I can't reach a model right now. You said: %s", last)

	out := make(chan agent.StreamEvent)
	go func() {
		defer close(out)
		events := []agent.StreamEvent{
			{Type: agent.EventMessageStart, MessageID: "offline", Model: "offline"},
			{Type: agent.EventContentBlockStart, Index: 0, Block: agent.BlockText},
			{Type: agent.EventContentBlockDelta, Index: 0, TextDelta: reply},
			{Type: agent.EventContentBlockStop, Index: 0},
			{Type: agent.EventMessageDelta, StopReason: agent.StopEndTurn},
			{Type: agent.EventMessageStop},
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
