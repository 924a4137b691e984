package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/approval"
	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/pkg/models"
)

// State is the orchestrator's position in the conversation state machine.
type State string

const (
	StateIdle            State = "idle"
	StateProcessing      State = "processing"
	StateStreaming       State = "streaming"
	StateExecutingTool   State = "executing_tool"
	StateWaitingApproval State = "waiting_approval"
)

// Config tunes the conversation loop.
type Config struct {
	// MaxTurns caps user turns per session. 0 means unlimited.
	MaxTurns int `yaml:"max_turns" json:"max_turns"`

	// MaxToolCallsPerTurn bounds the tool loop within one user turn.
	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn" json:"max_tool_calls_per_turn"`

	// MaxQueueSize bounds messages waiting behind the active turn.
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`

	// MaxTokens is the per-response generation cap.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// System is the system prompt sent with every request.
	System string `yaml:"system" json:"system"`

	// MemoryRecall is how many episodic matches to surface per turn.
	// 0 disables recall even when a memory store is wired.
	MemoryRecall int `yaml:"memory_recall" json:"memory_recall"`
}

// DefaultConfig returns the baseline loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxTurns:            100,
		MaxToolCallsPerTurn: 10,
		MaxQueueSize:        5,
		MaxTokens:           4096,
		MemoryRecall:        3,
	}
}

// Deps are the orchestrator's collaborators. Provider, Executor, Registry,
// Sessions, and Channel are required; the rest degrade gracefully when nil.
type Deps struct {
	Provider  Provider
	Executor  *tools.Executor
	Registry  *tools.Registry
	Sessions  *sessions.Store
	Channel   channels.Channel
	Approvals *approval.Manager
	Memory    *memory.Store
	Auditor   *audit.Logger
	Metrics   *observability.Metrics
	Detector  *secrets.Detector
}

// ErrNotStarted is returned by Submit before Start.
var ErrNotStarted = errors.New("agent: orchestrator not started")

// Orchestrator is the conversation state machine. One turn advances at a
// time; messages arriving mid-turn queue FIFO up to MaxQueueSize, and the
// overflow is answered with a structured busy error.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	queue         []channels.UserMessage
	runCtx        context.Context
	cancelAll     context.CancelFunc
	cancelTurn    context.CancelFunc
	activeSession string
	wg            sync.WaitGroup
}

// NewOrchestrator validates the required dependencies and returns an idle
// orchestrator. Call Start before submitting messages.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("agent: tool executor is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("agent: tool registry is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("agent: session store is required")
	}
	if deps.Channel == nil {
		return nil, errors.New("agent: channel is required")
	}

	def := DefaultConfig()
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = def.MaxToolCallsPerTurn
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxTurns < 0 {
		cfg.MaxTurns = 0
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "agent"),
		state:  StateIdle,
	}, nil
}

// State reports the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// QueueDepth reports how many messages wait behind the active turn.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Start arms the orchestrator. Turns derive their lifetime from ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return
	}
	o.runCtx, o.cancelAll = context.WithCancel(ctx)
}

// Stop cancels the in-flight turn and waits for the worker to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancelAll
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Serve pumps inbound channel events into the orchestrator until the
// channel closes or ctx is cancelled: user messages start or queue turns,
// approval responses resolve pending prompts, cancel events abort the
// active turn.
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.Start(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-o.deps.Channel.Events():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case channels.UserMessage:
				o.Submit(e)
			case channels.ApprovalResponse:
				if o.deps.Approvals != nil {
					o.deps.Approvals.Resolve(e)
				}
			case channels.Cancel:
				o.CancelTurn(e.SessionID)
			}
		}
	}
}

// Submit accepts a user message. If a turn is in flight, the message queues
// FIFO; when the queue is full, the caller gets a busy error event and the
// rejection is audited.
func (o *Orchestrator) Submit(msg channels.UserMessage) error {
	o.mu.Lock()
	if o.runCtx == nil {
		o.mu.Unlock()
		return ErrNotStarted
	}
	if o.runCtx.Err() != nil {
		o.mu.Unlock()
		return o.runCtx.Err()
	}

	if o.state != StateIdle {
		if len(o.queue) >= o.cfg.MaxQueueSize {
			o.mu.Unlock()
			o.rejectBusy(msg)
			return nil
		}
		o.queue = append(o.queue, msg)
		depth := len(o.queue)
		o.mu.Unlock()
		o.deps.Metrics.SetQueueDepth(depth)
		return nil
	}

	o.state = StateProcessing
	o.mu.Unlock()

	o.wg.Add(1)
	go o.worker(msg)
	return nil
}

// CancelTurn aborts the active turn for the session, if any. Queued
// messages for other sessions are unaffected.
func (o *Orchestrator) CancelTurn(sessionID string) {
	o.mu.Lock()
	cancel := o.cancelTurn
	match := sessionID == "" || sessionID == o.activeSession
	o.mu.Unlock()
	if match && cancel != nil {
		cancel()
	}
}

// worker runs the submitted turn, then drains the queue.
func (o *Orchestrator) worker(msg channels.UserMessage) {
	defer o.wg.Done()
	for {
		o.runTurn(msg)

		o.mu.Lock()
		if len(o.queue) == 0 || o.runCtx.Err() != nil {
			o.state = StateIdle
			o.activeSession = ""
			o.mu.Unlock()
			o.deps.Metrics.SetQueueDepth(0)
			return
		}
		msg = o.queue[0]
		o.queue = o.queue[1:]
		depth := len(o.queue)
		o.state = StateProcessing
		o.mu.Unlock()
		o.deps.Metrics.SetQueueDepth(depth)
	}
}

func (o *Orchestrator) rejectBusy(msg channels.UserMessage) {
	o.send(channels.ErrorEvent{
		SessionID: msg.SessionID,
		Kind:      string(CodeBusy),
		Message:   fmt.Sprintf("a turn is in flight and the queue is full (%d waiting)", o.cfg.MaxQueueSize),
		Retryable: true,
	})
	o.logAudit(msg.SessionID, msg.UserID, "turn_rejected_busy", audit.SeverityWarn, map[string]any{
		"queue_size": o.cfg.MaxQueueSize,
	})
}

// turnRun carries the mutable state of one user turn through the loop.
type turnRun struct {
	session      *models.Session
	conversation []models.Message
	turn         models.Turn
	usage        models.Usage
	outcome      string
}

func (o *Orchestrator) runTurn(msg channels.UserMessage) {
	start := time.Now()

	o.mu.Lock()
	ctx, cancel := context.WithCancel(o.runCtx)
	o.cancelTurn = cancel
	o.activeSession = msg.SessionID
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancelTurn = nil
		o.mu.Unlock()
	}()

	run, err := o.openTurn(ctx, msg)
	if err != nil {
		var te *TurnError
		if !errors.As(err, &te) {
			te = newTurnError(CodeInternal, "turn setup failed", err)
		}
		o.failTurn(msg.SessionID, te)
		o.deps.Metrics.ObserveTurn("error", time.Since(start).Seconds())
		return
	}

	o.mu.Lock()
	o.activeSession = run.session.ID
	o.mu.Unlock()

	run.outcome = "ok"
	if err := o.conversationLoop(ctx, run); err != nil {
		run.outcome = "error"
		var te *TurnError
		if !errors.As(err, &te) {
			te = newTurnError(CodeInternal, "turn failed", err)
		}
		run.turn.Error = te.Error()
		o.failTurn(run.session.ID, te)
	}

	o.finishTurn(ctx, run, start)
	o.deps.Metrics.ObserveTurn(run.outcome, time.Since(start).Seconds())
}

// openTurn loads or creates the session, enforces MaxTurns, persists the
// user message, and builds the model conversation.
func (o *Orchestrator) openTurn(ctx context.Context, msg channels.UserMessage) (*turnRun, error) {
	var session *models.Session
	var history []models.Message
	var err error

	if msg.SessionID == "" {
		session, err = o.deps.Sessions.Create(msg.UserID, "", "")
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else {
		session, history, err = o.deps.Sessions.Get(msg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", msg.SessionID, err)
		}
	}

	turnNumber := 1
	for _, m := range history {
		if m.Role == models.RoleUser {
			turnNumber++
		}
	}
	if o.cfg.MaxTurns > 0 && turnNumber > o.cfg.MaxTurns {
		return nil, newTurnError(CodeMaxTurns,
			fmt.Sprintf("session reached the %d-turn limit", o.cfg.MaxTurns), nil)
	}

	userMsg := models.Message{Role: models.RoleUser, Content: msg.Content}
	stored, err := o.deps.Sessions.AppendMessage(session.ID, userMsg)
	if err != nil {
		return nil, newTurnError(CodeSessionWriteFailed, "persisting user message failed", err)
	}

	run := &turnRun{
		session: session,
		turn:    models.Turn{Number: turnNumber, StartTime: time.Now()},
	}

	if recall := o.recallMemories(ctx, session.UserID, msg.Content); recall != "" {
		run.conversation = append(run.conversation, models.Message{
			Role:    models.RoleSystem,
			Content: recall,
		})
	}
	run.conversation = append(run.conversation, history...)
	run.conversation = append(run.conversation, *stored)
	return run, nil
}

// conversationLoop alternates model streaming and tool execution until the
// model stops asking for tools.
func (o *Orchestrator) conversationLoop(ctx context.Context, run *turnRun) error {
	for {
		text, calls, stopReason, err := o.streamResponse(ctx, run)
		if err != nil {
			return err
		}

		if stopReason != StopToolUse {
			assistant := models.Message{Role: models.RoleAssistant, Content: text}
			stored, err := o.deps.Sessions.AppendMessage(run.session.ID, assistant)
			if err != nil {
				return newTurnError(CodeSessionWriteFailed, "persisting assistant message failed", err)
			}
			run.conversation = append(run.conversation, *stored)
			run.usage.CostUSD = CostUSD(run.session.Model, run.usage)
			o.send(channels.AssistantMessage{
				SessionID: run.session.ID,
				Message:   *stored,
				Usage:     run.usage,
			})
			return nil
		}

		if len(run.turn.ToolCalls)+len(calls) > o.cfg.MaxToolCallsPerTurn {
			return newTurnError(CodeMaxToolCalls,
				fmt.Sprintf("turn exceeds %d tool calls", o.cfg.MaxToolCallsPerTurn), nil)
		}

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: toolCallsOf(calls),
		}
		if _, err := o.deps.Sessions.AppendMessage(run.session.ID, assistant); err != nil {
			return newTurnError(CodeSessionWriteFailed, "persisting assistant message failed", err)
		}
		run.conversation = append(run.conversation, assistant)

		results, err := o.executeCalls(ctx, run, calls)
		if err != nil {
			return err
		}

		resultMsg := models.Message{Role: models.RoleToolResult, ToolResults: results}
		if _, err := o.deps.Sessions.AppendMessage(run.session.ID, resultMsg); err != nil {
			return newTurnError(CodeSessionWriteFailed, "persisting tool results failed", err)
		}
		run.conversation = append(run.conversation, resultMsg)
	}
}

// streamResponse consumes one provider stream, emitting channel events and
// assembling tool calls as blocks complete.
func (o *Orchestrator) streamResponse(ctx context.Context, run *turnRun) (string, []AssembledCall, StopReason, error) {
	req := &Request{
		Model:     run.session.Model,
		System:    o.cfg.System,
		Messages:  run.conversation,
		Tools:     o.toolDefs(),
		MaxTokens: o.cfg.MaxTokens,
	}

	events, err := o.deps.Provider.CreateMessageStream(ctx, req)
	if err != nil {
		return "", nil, "", o.providerError(err)
	}

	o.setState(StateStreaming)
	msgID := uuid.NewString()
	o.send(channels.StreamStart{SessionID: run.session.ID, MessageID: msgID})

	asm := newAssembler()
	var text strings.Builder
	var calls []AssembledCall
	stopReason := StopEndTurn
	var streamErr error

	for ev := range events {
		switch ev.Type {
		case EventMessageStart:
			run.usage.InputTokens += ev.InputTokens
		case EventContentBlockStart:
			if ev.Block == BlockToolUse {
				asm.start(ev.Index, ev.ToolCallID, ev.ToolName)
			}
		case EventContentBlockDelta:
			if ev.TextDelta != "" {
				text.WriteString(ev.TextDelta)
				o.send(channels.StreamDelta{
					SessionID: run.session.ID,
					MessageID: msgID,
					Text:      ev.TextDelta,
				})
			}
			if ev.InputJSONDelta != "" {
				asm.appendJSON(ev.Index, ev.InputJSONDelta)
			}
		case EventContentBlockStop:
			if call, ok := asm.finish(ev.Index); ok {
				calls = append(calls, call)
			}
		case EventMessageDelta:
			if ev.StopReason != "" {
				stopReason = ev.StopReason
			}
			run.usage.OutputTokens += ev.OutputTokens
		case EventStreamError:
			streamErr = ev.Err
		}
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}

	o.send(channels.StreamEnd{SessionID: run.session.ID, MessageID: msgID})

	if streamErr != nil {
		for _, call := range asm.failIncomplete(streamErr) {
			o.logAudit(run.session.ID, run.session.UserID, "tool_call_incomplete", audit.SeverityWarn, map[string]any{
				"tool_call_id": call.ID,
				"tool_name":    call.Name,
			})
		}
		if errors.Is(streamErr, context.Canceled) {
			return "", nil, "", newTurnError(CodeCancelled, "turn cancelled", streamErr)
		}
		return "", nil, "", o.providerError(streamErr)
	}

	return text.String(), calls, stopReason, nil
}

// executeCalls runs the assembled tool calls through the enforcement
// pipeline in order, emitting tool_use and tool_result events. Parse
// failures become error results the model sees on the next iteration.
func (o *Orchestrator) executeCalls(ctx context.Context, run *turnRun, calls []AssembledCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))

	for _, call := range calls {
		if call.Err != nil {
			o.logAudit(run.session.ID, run.session.UserID, "tool_parse_error", audit.SeverityWarn, map[string]any{
				"tool_call_id": call.ID,
				"tool_name":    call.Name,
			})
			o.send(channels.ToolResult{
				SessionID:  run.session.ID,
				ToolCallID: call.ID,
				Name:       call.Name,
				Success:    false,
				Summary:    "malformed tool input",
			})
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    call.Err.Error(),
				IsError:    true,
			})
			run.turn.ToolCalls = append(run.turn.ToolCalls, models.TurnToolCall{
				ToolCallID: call.ID,
				Name:       call.Name,
				Success:    false,
			})
			continue
		}

		o.send(channels.ToolUse{
			SessionID:  run.session.ID,
			ToolCallID: call.ID,
			Name:       call.Name,
			Summary:    o.summarizeArgs(call.Input),
		})

		o.setState(o.executionState(call.Name))
		res, err := o.deps.Executor.Run(ctx, run.session, tools.Invocation{
			ToolCallID: call.ID,
			SessionID:  run.session.ID,
			UserID:     run.session.UserID,
			ToolName:   call.Name,
			Action:     actionOf(o.deps.Registry, call.Name, call.Input),
			Input:      call.Input,
			WorkDir:    run.session.WorkDir,
		})
		if err != nil {
			// The executor returns an error only when the context died.
			run.turn.ToolCalls = append(run.turn.ToolCalls, models.TurnToolCall{
				ToolCallID: call.ID,
				Name:       call.Name,
				Cancelled:  true,
			})
			return nil, newTurnError(CodeCancelled, "turn cancelled during tool execution", err)
		}

		o.send(channels.ToolResult{
			SessionID:  run.session.ID,
			ToolCallID: call.ID,
			Name:       call.Name,
			Success:    !res.IsError,
			Summary:    resultSummary(res),
			Duration:   res.Duration,
		})

		run.turn.ToolCalls = append(run.turn.ToolCalls, models.TurnToolCall{
			ToolCallID: call.ID,
			Name:       call.Name,
			Success:    !res.IsError,
			Duration:   res.Duration,
			TrustLevel: string(res.Label.Trust),
			DataClass:  string(res.Label.Class),
		})
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    res.Content,
			IsError:    res.IsError,
		})
	}

	o.setState(StateProcessing)
	return results, nil
}

// finishTurn closes out the turn record, derives cost, updates session
// totals, and writes the completion audit entry.
func (o *Orchestrator) finishTurn(ctx context.Context, run *turnRun, start time.Time) {
	run.turn.EndTime = time.Now()
	run.usage.CostUSD = CostUSD(run.session.Model, run.usage)
	run.turn.Usage = run.usage

	run.session.Totals.Add(run.usage)
	if err := o.deps.Sessions.UpdateSession(run.session); err != nil {
		o.logger.Error("session totals update failed", "session", run.session.ID, "error", err)
	}

	o.logAudit(run.session.ID, run.session.UserID, "turn_completed", audit.SeverityInfo, map[string]any{
		"turn":          run.turn.Number,
		"outcome":       run.outcome,
		"tool_calls":    len(run.turn.ToolCalls),
		"input_tokens":  run.usage.InputTokens,
		"output_tokens": run.usage.OutputTokens,
		"cost_usd":      run.usage.CostUSD,
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	if run.outcome == "ok" {
		o.rememberTurn(ctx, run)
	}

	o.setState(StateProcessing)
}

// recallMemories pulls relevant episodes into the conversation as context.
func (o *Orchestrator) recallMemories(ctx context.Context, userID, query string) string {
	if o.deps.Memory == nil || o.cfg.MemoryRecall <= 0 || query == "" {
		return ""
	}
	matches, err := o.deps.Memory.SearchEpisodes(ctx, userID, query, o.cfg.MemoryRecall, 0.7)
	if err != nil {
		o.logger.Warn("memory recall failed", "error", err)
		return ""
	}
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context from earlier conversations:\n")
	for _, m := range matches {
		b.WriteString("- ")
		b.WriteString(m.Episode.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// rememberTurn stores a compact episode for future recall.
func (o *Orchestrator) rememberTurn(ctx context.Context, run *turnRun) {
	if o.deps.Memory == nil {
		return
	}
	var user, assistant string
	for _, m := range run.conversation {
		switch m.Role {
		case models.RoleUser:
			user = m.Content
		case models.RoleAssistant:
			if m.Content != "" {
				assistant = m.Content
			}
		}
	}
	if user == "" {
		return
	}
	content := "User: " + clip(user, 500)
	if assistant != "" {
		content += "\nAssistant: " + clip(assistant, 500)
	}
	if _, err := o.deps.Memory.StoreEpisode(ctx, memory.Episode{
		UserID:       run.session.UserID,
		SessionID:    run.session.ID,
		TurnNumber:   run.turn.Number,
		Participants: []string{run.session.UserID, "assistant"},
		Content:      content,
	}); err != nil {
		o.logger.Warn("episode store failed", "error", err)
	}
}

// failTurn surfaces a structured error to the channel and the audit trail.
func (o *Orchestrator) failTurn(sessionID string, te *TurnError) {
	o.send(channels.ErrorEvent{
		SessionID: sessionID,
		Kind:      string(te.Code),
		Message:   te.Message,
		Retryable: te.Recoverable,
	})
	severity := audit.SeverityWarn
	if !te.Recoverable {
		severity = audit.SeverityError
	}
	o.logAudit(sessionID, "", "turn_failed", severity, map[string]any{
		"code":  string(te.Code),
		"error": te.Error(),
	})
}

func (o *Orchestrator) providerError(err error) *TurnError {
	class := ClassifyProviderError(err)
	return newTurnError(CodeProviderError,
		fmt.Sprintf("model request failed (%s)", class), err)
}

// executionState picks the visible state for one tool call: waiting on the
// user when the capability's baseline requires approval, executing otherwise.
func (o *Orchestrator) executionState(toolName string) State {
	if _, spec, ok := o.deps.Registry.Get(toolName); ok {
		if spec.Approval.Level != "" && spec.Approval.Level != approval.LevelNone {
			return StateWaitingApproval
		}
	}
	return StateExecutingTool
}

func (o *Orchestrator) toolDefs() []ToolDef {
	caps := o.deps.Registry.List()
	defs := make([]ToolDef, 0, len(caps))
	for _, c := range caps {
		defs = append(defs, ToolDef{
			Name:        c.Name,
			Description: c.Description,
			InputSchema: c.InputSchema,
		})
	}
	return defs
}

// summarizeArgs produces the short, redacted argument description sent on
// tool_use events. Raw arguments never reach the channel.
func (o *Orchestrator) summarizeArgs(input json.RawMessage) string {
	s := string(input)
	if o.deps.Detector != nil {
		s = o.deps.Detector.Redact(s).Redacted
	}
	return clip(s, 120)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) send(event channels.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Channel.Send(ctx, event); err != nil {
		o.logger.Warn("channel send failed", "event", string(event.Type()), "error", err)
	}
}

func (o *Orchestrator) logAudit(sessionID, userID, action string, severity audit.Severity, metadata map[string]any) {
	if o.deps.Auditor == nil {
		return
	}
	entry := audit.Entry{
		Category:  audit.CategorySession,
		Action:    action,
		Severity:  severity,
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  metadata,
	}
	if err := o.deps.Auditor.Log(entry); err != nil {
		o.logger.Error("audit write failed", "error", err)
	}
}

func toolCallsOf(calls []AssembledCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Err == nil {
			out = append(out, c.ToolCall)
		}
	}
	return out
}

// actionOf resolves the invocation action: an explicit "action" input field
// wins, otherwise the capability's first declared action.
func actionOf(registry *tools.Registry, toolName string, input json.RawMessage) string {
	var decoded struct {
		Action string `json:"action"`
	}
	if len(input) > 0 {
		json.Unmarshal(input, &decoded)
	}
	if decoded.Action != "" {
		return decoded.Action
	}
	if _, spec, ok := registry.Get(toolName); ok && len(spec.Actions) > 0 {
		return spec.Actions[0]
	}
	return ""
}

func resultSummary(res *tools.ExecResult) string {
	if res.Denied {
		return res.DenyReason
	}
	if res.IsError {
		return clip(res.Content, 120)
	}
	return fmt.Sprintf("%d bytes", len(res.Content))
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
