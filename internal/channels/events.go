// Package channels defines the event contract between the orchestrator and
// user-facing surfaces. Adapters translate these typed events to and from a
// concrete transport; the core never formats platform-specific output.
package channels

import (
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// EventType discriminates events on the wire.
type EventType string

const (
	// Inbound
	EventUserMessage      EventType = "user_message"
	EventApprovalResponse EventType = "approval_response"
	EventCancel           EventType = "cancel"

	// Outbound
	EventStreamStart      EventType = "stream_start"
	EventStreamDelta      EventType = "stream_delta"
	EventStreamEnd        EventType = "stream_end"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventAssistantMessage EventType = "assistant_message"
	EventError            EventType = "error"
	EventApprovalRequired EventType = "approval_required"
	EventNotification     EventType = "notification"
)

// Event is implemented by every inbound and outbound event.
type Event interface {
	Type() EventType
}

// UserMessage is an inbound chat message.
type UserMessage struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}

func (UserMessage) Type() EventType { return EventUserMessage }

// ApprovalResponse answers a pending ApprovalRequired event.
type ApprovalResponse struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Remember  bool   `json:"remember,omitempty"`
	UserID    string `json:"user_id"`
}

func (ApprovalResponse) Type() EventType { return EventApprovalResponse }

// Cancel aborts the in-flight turn for a session.
type Cancel struct {
	SessionID string `json:"session_id"`
}

func (Cancel) Type() EventType { return EventCancel }

// StreamStart opens an assistant response stream.
type StreamStart struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

func (StreamStart) Type() EventType { return EventStreamStart }

// StreamDelta carries one increment of streamed assistant text.
type StreamDelta struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

func (StreamDelta) Type() EventType { return EventStreamDelta }

// StreamEnd closes an assistant response stream.
type StreamEnd struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

func (StreamEnd) Type() EventType { return EventStreamEnd }

// ToolUse announces that a tool is about to run. Arguments are summarized,
// never raw.
type ToolUse struct {
	SessionID  string `json:"session_id"`
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Summary    string `json:"summary,omitempty"`
}

func (ToolUse) Type() EventType { return EventToolUse }

// ToolResult reports a finished tool call. Summary is a short description;
// the full output stays inside the core.
type ToolResult struct {
	SessionID  string        `json:"session_id"`
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name"`
	Success    bool          `json:"success"`
	Summary    string        `json:"summary,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

func (ToolResult) Type() EventType { return EventToolResult }

// AssistantMessage is the complete assistant turn after streaming ends.
type AssistantMessage struct {
	SessionID string        `json:"session_id"`
	Message   models.Message `json:"message"`
	Usage     models.Usage  `json:"usage"`
}

func (AssistantMessage) Type() EventType { return EventAssistantMessage }

// ErrorEvent surfaces a failure to the user.
type ErrorEvent struct {
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (ErrorEvent) Type() EventType { return EventError }

// ApprovalRequired asks the user to approve a tool action.
type ApprovalRequired struct {
	SessionID  string    `json:"session_id"`
	RequestID  string    `json:"request_id"`
	ApprovalID string    `json:"approval_id"`
	ToolName   string    `json:"tool_name"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Reason     string    `json:"reason,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (ApprovalRequired) Type() EventType { return EventApprovalRequired }

// Urgency ranks a notification.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Notification is a proactive finding from a background scout.
type Notification struct {
	Scout   string    `json:"scout"`
	Urgency Urgency   `json:"urgency"`
	Title   string    `json:"title"`
	Body    string    `json:"body,omitempty"`
	FoundAt time.Time `json:"found_at"`
}

func (Notification) Type() EventType { return EventNotification }
