package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/pkg/models"
)

// script is one canned model response for the test provider. gate, when
// set, blocks emission after message_start until closed.
type script struct {
	events []StreamEvent
	gate   chan struct{}
}

// scriptProvider replays scripts in order. It lives in this package because
// the providers package imports agent.
type scriptProvider struct {
	mu      sync.Mutex
	scripts []script
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	events, err := p.CreateMessageStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(events)
}

func (p *scriptProvider) CreateMessageStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	p.mu.Lock()
	if len(p.scripts) == 0 {
		p.mu.Unlock()
		return nil, context.Canceled
	}
	s := p.scripts[0]
	p.scripts = p.scripts[1:]
	p.mu.Unlock()

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for i, ev := range s.events {
			if i == 1 && s.gate != nil {
				select {
				case <-s.gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func textScript(chunks ...string) script {
	events := []StreamEvent{
		{Type: EventMessageStart, MessageID: "msg-1", Model: "claude-sonnet-4-20250514", InputTokens: 100},
		{Type: EventContentBlockStart, Index: 0, Block: BlockText},
	}
	for _, c := range chunks {
		events = append(events, StreamEvent{Type: EventContentBlockDelta, Index: 0, TextDelta: c})
	}
	events = append(events,
		StreamEvent{Type: EventContentBlockStop, Index: 0},
		StreamEvent{Type: EventMessageDelta, StopReason: StopEndTurn, OutputTokens: 50},
		StreamEvent{Type: EventMessageStop},
	)
	return script{events: events}
}

func toolScript(callID, tool string, fragments ...string) script {
	events := []StreamEvent{
		{Type: EventMessageStart, MessageID: "msg-t", Model: "claude-sonnet-4-20250514", InputTokens: 80},
		{Type: EventContentBlockStart, Index: 0, Block: BlockToolUse, ToolCallID: callID, ToolName: tool},
	}
	for _, f := range fragments {
		events = append(events, StreamEvent{Type: EventContentBlockDelta, Index: 0, InputJSONDelta: f})
	}
	events = append(events,
		StreamEvent{Type: EventContentBlockStop, Index: 0},
		StreamEvent{Type: EventMessageDelta, StopReason: StopToolUse, OutputTokens: 30},
		StreamEvent{Type: EventMessageStop},
	)
	return script{events: events}
}

// echoTool replies with its "text" input.
type echoTool struct{}

func (echoTool) Capability() tools.Capability {
	return tools.Capability{
		Name:        "echo",
		Description: "Echoes the given text.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Actions:     []string{"run"},
		Labels: tools.LabelPolicy{
			OutputTrust: labels.TrustUser,
			OutputClass: labels.ClassInternal,
		},
	}
}

func (echoTool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Output, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(inv.Input, &in); err != nil {
		return nil, err
	}
	return &tools.Output{Content: in.Text}, nil
}

type testEnv struct {
	orch     *Orchestrator
	pipe     *channels.Pipe
	store    *sessions.Store
	auditDir string
	session  *models.Session
}

func newTestEnv(t *testing.T, cfg Config, provider Provider) *testEnv {
	t.Helper()

	detector := secrets.NewDetector()
	auditDir := t.TempDir()
	auditor, err := audit.NewLogger(audit.DefaultConfig(auditDir), detector)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditor.Close() })

	store, err := sessions.NewStore(t.TempDir(), detector)
	if err != nil {
		t.Fatal(err)
	}
	session, err := store.Create("user-1", "claude-sonnet-4-20250514", "")
	if err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}

	pipe := channels.NewPipe("test", 64, true)
	orch, err := NewOrchestrator(cfg, Deps{
		Provider: provider,
		Executor: tools.NewExecutor(registry, nil, nil, detector, auditor, nil),
		Registry: registry,
		Sessions: store,
		Channel:  pipe,
		Auditor:  auditor,
		Detector: detector,
	})
	if err != nil {
		t.Fatal(err)
	}
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	return &testEnv{orch: orch, pipe: pipe, store: store, auditDir: auditDir, session: session}
}

// nextEvent pulls one outbound event or fails the test.
func nextEvent(t *testing.T, pipe *channels.Pipe) channels.Event {
	t.Helper()
	select {
	case ev := <-pipe.Outbound():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a channel event")
		return nil
	}
}

// collectUntil drains events until one matches, returning everything seen.
func collectUntil(t *testing.T, pipe *channels.Pipe, match func(channels.Event) bool) []channels.Event {
	t.Helper()
	var seen []channels.Event
	for {
		ev := nextEvent(t, pipe)
		seen = append(seen, ev)
		if match(ev) {
			return seen
		}
	}
}

func waitIdle(t *testing.T, orch *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for orch.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("orchestrator stuck in state %s", orch.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrator_TextTurn(t *testing.T) {
	provider := &scriptProvider{scripts: []script{textScript("Hello", ", world")}}
	env := newTestEnv(t, DefaultConfig(), provider)

	if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.AssistantMessage)
		return done
	})

	// stream_start < stream_delta* < stream_end < assistant_message
	var order []channels.EventType
	for _, ev := range seen {
		order = append(order, ev.Type())
	}
	want := []channels.EventType{
		channels.EventStreamStart,
		channels.EventStreamDelta,
		channels.EventStreamDelta,
		channels.EventStreamEnd,
		channels.EventAssistantMessage,
	}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, order[i], want[i])
		}
	}

	final := seen[len(seen)-1].(channels.AssistantMessage)
	if final.Message.Content != "Hello, world" {
		t.Errorf("assistant content = %q", final.Message.Content)
	}
	if final.Usage.InputTokens != 100 || final.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", final.Usage)
	}
	if final.Usage.CostUSD <= 0 {
		t.Error("no cost derived for a priced model")
	}

	waitIdle(t, env.orch)

	// Transcript holds the user and assistant messages; totals moved.
	session, msgs, err := env.store.Get(env.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if session.Totals.InputTokens != 100 || session.Totals.CostUSD <= 0 {
		t.Errorf("session totals = %+v", session.Totals)
	}
}

func TestOrchestrator_ToolLoop(t *testing.T) {
	provider := &scriptProvider{scripts: []script{
		toolScript("call-1", "echo", `{"text":`, `"pong"}`),
		textScript("The tool said pong."),
	}}
	env := newTestEnv(t, DefaultConfig(), provider)

	if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "use the tool"}); err != nil {
		t.Fatal(err)
	}

	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.AssistantMessage)
		return done
	})
	waitIdle(t, env.orch)

	var toolUse *channels.ToolUse
	var toolResult *channels.ToolResult
	for _, ev := range seen {
		switch e := ev.(type) {
		case channels.ToolUse:
			toolUse = &e
		case channels.ToolResult:
			toolResult = &e
		}
	}
	if toolUse == nil || toolUse.Name != "echo" {
		t.Fatalf("tool_use = %+v", toolUse)
	}
	if toolResult == nil || !toolResult.Success {
		t.Fatalf("tool_result = %+v", toolResult)
	}

	// Transcript: user, assistant+tool_calls, tool_result, assistant.
	_, msgs, err := env.store.Get(env.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("stored %d messages, want 4", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "echo" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if len(msgs[2].ToolResults) != 1 || msgs[2].ToolResults[0].Content != "pong" {
		t.Errorf("tool results = %+v", msgs[2].ToolResults)
	}

	// The second model request carried the tool result back.
	entries, err := audit.Query(env.auditDir, audit.Filter{Category: audit.CategorySession, Action: "turn_completed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("turn_completed entries = %d", len(entries))
	}
}

func TestOrchestrator_MalformedToolInput(t *testing.T) {
	provider := &scriptProvider{scripts: []script{
		toolScript("call-1", "echo", `{"text": "unterminated`),
		textScript("Sorry, that tool call failed."),
	}}
	env := newTestEnv(t, DefaultConfig(), provider)

	if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "go"}); err != nil {
		t.Fatal(err)
	}

	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.AssistantMessage)
		return done
	})
	waitIdle(t, env.orch)

	var toolResult *channels.ToolResult
	for _, ev := range seen {
		if e, ok := ev.(channels.ToolResult); ok {
			toolResult = &e
		}
	}
	if toolResult == nil || toolResult.Success {
		t.Fatalf("tool_result = %+v, want a failure", toolResult)
	}

	// The model saw an error result and the failure was audited.
	_, msgs, err := env.store.Get(env.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	var errored bool
	for _, m := range msgs {
		for _, tr := range m.ToolResults {
			if tr.IsError {
				errored = true
			}
		}
	}
	if !errored {
		t.Error("no error tool result persisted")
	}

	entries, err := audit.Query(env.auditDir, audit.Filter{Category: audit.CategorySession, Action: "tool_parse_error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("tool_parse_error entries = %d", len(entries))
	}
}

func TestOrchestrator_QueueAndBusy(t *testing.T) {
	gate := make(chan struct{})
	blocked := textScript("slow answer")
	blocked.gate = gate

	provider := &scriptProvider{scripts: []script{blocked, textScript("queued answer")}}
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	env := newTestEnv(t, cfg, provider)

	submit := func(content string) {
		t.Helper()
		if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	submit("first")
	deadline := time.Now().Add(time.Second)
	for env.orch.State() == StateIdle && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	submit("second") // queues
	if depth := env.orch.QueueDepth(); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
	submit("third") // rejected

	// The rejection arrives while the first turn is still streaming.
	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		e, ok := ev.(channels.ErrorEvent)
		return ok && e.Kind == string(CodeBusy)
	})
	busy := seen[len(seen)-1].(channels.ErrorEvent)
	if !busy.Retryable {
		t.Error("busy error not marked retryable")
	}

	close(gate)

	// Both the active and the queued turn complete.
	assistants := 0
	collectUntil(t, env.pipe, func(ev channels.Event) bool {
		if _, ok := ev.(channels.AssistantMessage); ok {
			assistants++
		}
		return assistants == 2
	})
	waitIdle(t, env.orch)

	entries, err := audit.Query(env.auditDir, audit.Filter{Category: audit.CategorySession, Action: "turn_rejected_busy"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("turn_rejected_busy entries = %d", len(entries))
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	gate := make(chan struct{}) // never released
	blocked := textScript("never arrives")
	blocked.gate = gate

	provider := &scriptProvider{scripts: []script{blocked}}
	env := newTestEnv(t, DefaultConfig(), provider)

	if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for env.orch.State() != StateStreaming && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	env.orch.CancelTurn(env.session.ID)

	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.ErrorEvent)
		return done
	})
	errEv := seen[len(seen)-1].(channels.ErrorEvent)
	if errEv.Kind != string(CodeCancelled) {
		t.Errorf("error kind = %q, want cancelled", errEv.Kind)
	}
	waitIdle(t, env.orch)
}

func TestOrchestrator_MaxTurns(t *testing.T) {
	provider := &scriptProvider{scripts: []script{textScript("only once")}}
	cfg := DefaultConfig()
	cfg.MaxTurns = 1
	env := newTestEnv(t, cfg, provider)

	if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "one"}); err != nil {
		t.Fatal(err)
	}
	collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.AssistantMessage)
		return done
	})
	waitIdle(t, env.orch)

	if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "two"}); err != nil {
		t.Fatal(err)
	}
	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.ErrorEvent)
		return done
	})
	errEv := seen[len(seen)-1].(channels.ErrorEvent)
	if errEv.Kind != string(CodeMaxTurns) {
		t.Errorf("error kind = %q, want max_turns_exceeded", errEv.Kind)
	}
	waitIdle(t, env.orch)
}

func TestOrchestrator_ServeRoutesEvents(t *testing.T) {
	provider := &scriptProvider{scripts: []script{textScript("routed")}}
	env := newTestEnv(t, DefaultConfig(), provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.orch.Serve(ctx)

	if err := env.pipe.Inject(ctx, channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.AssistantMessage)
		return done
	})
	final := seen[len(seen)-1].(channels.AssistantMessage)
	if final.Message.Content != "routed" {
		t.Errorf("assistant content = %q", final.Message.Content)
	}
}

func TestOrchestrator_SessionWriteFailure(t *testing.T) {
	gate := make(chan struct{})
	blocked := textScript("lost answer")
	blocked.gate = gate

	provider := &scriptProvider{scripts: []script{blocked}}
	env := newTestEnv(t, DefaultConfig(), provider)

	if err := env.orch.Submit(channels.UserMessage{SessionID: env.session.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for env.orch.State() != StateStreaming && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	// The transcript disappears mid-stream, so persisting the assistant
	// reply must fail and surface as its own error kind.
	if err := env.store.Delete(env.session.ID); err != nil {
		t.Fatal(err)
	}
	close(gate)

	seen := collectUntil(t, env.pipe, func(ev channels.Event) bool {
		_, done := ev.(channels.ErrorEvent)
		return done
	})
	errEv := seen[len(seen)-1].(channels.ErrorEvent)
	if errEv.Kind != string(CodeSessionWriteFailed) {
		t.Errorf("error kind = %q, want session_write_failed", errEv.Kind)
	}
	waitIdle(t, env.orch)
}
