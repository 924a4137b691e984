// Package models contains the shared domain types exchanged between the
// orchestrator, the tool pipeline, and the persistence layers.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
)

// Message is a single entry in a session's append-only message log.
// Content is redacted by the writer before persistence; Redacted records
// whether the secret detector changed it.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Tokens      int          `json:"tokens,omitempty"`
	Redacted    bool         `json:"redacted,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall is a tool execution request assembled from a provider stream.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool call after the enforcement pipeline
// has redacted, truncated, and labelled the raw output.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage tracks token consumption and derived cost for a session or turn.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// Session is the durable per-conversation record. Messages live in the
// session store's append-only log, not on this struct; GrantedApprovals
// holds canonical approval ids deduplicated per session.
type Session struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id,omitempty"`
	State            SessionState `json:"state"`
	Model            string       `json:"model,omitempty"`
	WorkDir          string       `json:"work_dir,omitempty"`
	GrantedApprovals []string     `json:"granted_approvals,omitempty"`
	Totals           Usage        `json:"totals"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// HasApproval reports whether the canonical approval id was already granted
// in this session.
func (s *Session) HasApproval(id string) bool {
	for _, granted := range s.GrantedApprovals {
		if granted == id {
			return true
		}
	}
	return false
}

// GrantApproval records a canonical approval id, keeping the list a set.
// Returns true if the id was newly added.
func (s *Session) GrantApproval(id string) bool {
	if id == "" || s.HasApproval(id) {
		return false
	}
	s.GrantedApprovals = append(s.GrantedApprovals, id)
	return true
}

// TurnToolCall records one executed tool call within a turn, with timing
// and the label computed for its output.
type TurnToolCall struct {
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name"`
	Success    bool          `json:"success"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Duration   time.Duration `json:"duration"`
	TrustLevel string        `json:"trust_level,omitempty"`
	DataClass  string        `json:"data_class,omitempty"`
}

// Turn tracks a single user turn through the conversation loop.
type Turn struct {
	Number    int            `json:"number"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	ToolCalls []TurnToolCall `json:"tool_calls,omitempty"`
	Usage     Usage          `json:"usage"`
	Error     string         `json:"error,omitempty"`
}
