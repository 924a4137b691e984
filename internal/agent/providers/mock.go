// Package providers holds the concrete model back-ends behind the
// agent.Provider interface: the Anthropic API client and a scripted mock
// for tests and offline use.
package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/warden/internal/agent"
)

// Script is one scripted model response. OpenErr fails the stream at
// creation; otherwise Events replay in order and the stream closes.
type Script struct {
	OpenErr error
	Events  []agent.StreamEvent
}

// Mock replays scripts in registration order, one per request. Requests
// beyond the script list fail.
type Mock struct {
	name string

	mu       sync.Mutex
	scripts  []Script
	requests []agent.Request
}

// NewMock builds a scripted provider.
func NewMock(name string, scripts ...Script) *Mock {
	if name == "" {
		name = "mock"
	}
	return &Mock{name: name, scripts: scripts}
}

func (m *Mock) Name() string { return m.name }

// Append adds a script to the end of the queue.
func (m *Mock) Append(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, s)
}

// Requests returns a copy of every request received, for assertions.
func (m *Mock) Requests() []agent.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]agent.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *Mock) CreateMessage(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	events, err := m.CreateMessageStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(events)
}

func (m *Mock) CreateMessageStream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	if len(m.scripts) == 0 {
		m.mu.Unlock()
		return nil, errors.New("mock: no scripted responses left")
	}
	script := m.scripts[0]
	m.scripts = m.scripts[1:]
	m.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	out := make(chan agent.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range script.Events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// TextScript builds a script that streams text and stops with end_turn.
func TextScript(messageID, model string, chunks ...string) Script {
	events := []agent.StreamEvent{
		{Type: agent.EventMessageStart, MessageID: messageID, Model: model, InputTokens: 10},
		{Type: agent.EventContentBlockStart, Index: 0, Block: agent.BlockText},
	}
	for _, c := range chunks {
		events = append(events, agent.StreamEvent{
			Type: agent.EventContentBlockDelta, Index: 0, TextDelta: c,
		})
	}
	events = append(events,
		agent.StreamEvent{Type: agent.EventContentBlockStop, Index: 0},
		agent.StreamEvent{Type: agent.EventMessageDelta, StopReason: agent.StopEndTurn, OutputTokens: 20},
		agent.StreamEvent{Type: agent.EventMessageStop},
	)
	return Script{Events: events}
}

// ToolCallScript builds a script that requests one tool call, streaming the
// input JSON in fragments.
func ToolCallScript(messageID, model, toolCallID, toolName string, inputFragments ...string) Script {
	events := []agent.StreamEvent{
		{Type: agent.EventMessageStart, MessageID: messageID, Model: model, InputTokens: 10},
		{Type: agent.EventContentBlockStart, Index: 0, Block: agent.BlockToolUse, ToolCallID: toolCallID, ToolName: toolName},
	}
	for _, f := range inputFragments {
		events = append(events, agent.StreamEvent{
			Type: agent.EventContentBlockDelta, Index: 0, InputJSONDelta: f,
		})
	}
	events = append(events,
		agent.StreamEvent{Type: agent.EventContentBlockStop, Index: 0},
		agent.StreamEvent{Type: agent.EventMessageDelta, StopReason: agent.StopToolUse, OutputTokens: 15},
		agent.StreamEvent{Type: agent.EventMessageStop},
	)
	return Script{Events: events}
}
