// Package agent contains the conversation orchestrator: the state machine
// that drives provider streams, the tool loop, approvals, queueing, and
// per-turn cost accounting. Providers plug in behind a uniform streaming
// interface; concrete implementations live in the providers subpackage.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/warden/pkg/models"
)

// StopReason is why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ToolDef describes one tool the model may call.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is one model invocation: the conversation so far plus the tools
// the model may use.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolDef
	MaxTokens int
}

// Response is a complete, non-streaming model reply.
type Response struct {
	ID         string
	Model      string
	Text       string
	ToolCalls  []models.ToolCall
	StopReason StopReason
	Usage      models.Usage
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageDelta      StreamEventType = "message_delta"
	EventMessageStop       StreamEventType = "message_stop"
	EventStreamError       StreamEventType = "error"
)

// BlockType is the content kind opened by a content_block_start event.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
)

// StreamEvent is one increment of a streaming model response. Which fields
// are set depends on Type:
//
//	message_start        MessageID, Model, InputTokens
//	content_block_start  Index, Block; ToolCallID and ToolName for tool_use
//	content_block_delta  Index, TextDelta or InputJSONDelta
//	content_block_stop   Index
//	message_delta        StopReason, OutputTokens
//	message_stop         (none)
//	error                Err
type StreamEvent struct {
	Type StreamEventType

	MessageID string
	Model     string

	Index          int
	Block          BlockType
	ToolCallID     string
	ToolName       string
	TextDelta      string
	InputJSONDelta string

	StopReason   StopReason
	InputTokens  int
	OutputTokens int

	Err error
}

// Provider is the uniform surface over a model back-end. CreateMessageStream
// returns a channel that is closed when the stream ends; a terminal error is
// delivered as an EventStreamError event before the close.
type Provider interface {
	// Name identifies the provider for routing, metrics, and audit.
	Name() string

	// CreateMessage performs a blocking, non-streaming completion.
	CreateMessage(ctx context.Context, req *Request) (*Response, error)

	// CreateMessageStream starts a streaming completion. The returned
	// channel is owned by the provider and closed when the stream ends.
	CreateMessageStream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// Collect drains a stream into a Response using an assembler, mirroring what
// the orchestrator does but without channel emission. Providers use it to
// implement CreateMessage on top of their streaming path.
func Collect(events <-chan StreamEvent) (*Response, error) {
	resp := &Response{StopReason: StopEndTurn}
	asm := newAssembler()
	var text []byte

	for ev := range events {
		switch ev.Type {
		case EventMessageStart:
			resp.ID = ev.MessageID
			resp.Model = ev.Model
			resp.Usage.InputTokens = ev.InputTokens
		case EventContentBlockStart:
			if ev.Block == BlockToolUse {
				asm.start(ev.Index, ev.ToolCallID, ev.ToolName)
			}
		case EventContentBlockDelta:
			if ev.TextDelta != "" {
				text = append(text, ev.TextDelta...)
			}
			if ev.InputJSONDelta != "" {
				asm.appendJSON(ev.Index, ev.InputJSONDelta)
			}
		case EventContentBlockStop:
			if call, done := asm.finish(ev.Index); done {
				if call.Err != nil {
					drain(events)
					return nil, call.Err
				}
				resp.ToolCalls = append(resp.ToolCalls, call.ToolCall)
			}
		case EventMessageDelta:
			if ev.StopReason != "" {
				resp.StopReason = ev.StopReason
			}
			resp.Usage.OutputTokens += ev.OutputTokens
		case EventStreamError:
			drain(events)
			return nil, ev.Err
		}
	}

	resp.Text = string(text)
	return resp, nil
}

// drain discards the remainder of a stream. Provider pumps send on
// unbuffered channels until the stream ends, so an early return without
// draining would leave the pump goroutine blocked forever.
func drain(events <-chan StreamEvent) {
	for range events {
	}
}
