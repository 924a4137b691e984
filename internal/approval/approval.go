// Package approval prompts the user before dangerous tool actions and
// remembers session-scoped grants. Approvals are keyed by a canonical id so
// the same logical action never asks twice in one session.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/pkg/models"
)

// Level controls how an approval is remembered.
type Level string

const (
	// LevelNone means the action runs without asking.
	LevelNone Level = "none"

	// LevelSession asks once, then remembers the grant for the session.
	LevelSession Level = "session"

	// LevelAlways asks every single time. Grants are never remembered.
	LevelAlways Level = "always"
)

// Outcome is the result of an approval flow.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
	OutcomeTimeout Outcome = "timeout"
)

// Request describes the action needing approval.
type Request struct {
	ToolName string
	Action   string
	Target   string
	Reason   string
	Level    Level
}

// Decision is what the executor acts on. Timeout collapses to denied for
// the caller; the distinction survives in the audit log.
type Decision struct {
	Approved   bool
	Outcome    Outcome
	ApprovalID string
	Remembered bool
}

// DefaultTimeout is how long a prompt waits before denying.
const DefaultTimeout = 60 * time.Second

// Manager runs approval prompts over a channel and records every outcome.
type Manager struct {
	channel channels.Channel
	auditor *audit.Logger
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan channels.ApprovalResponse
}

// NewManager builds a manager prompting over the given channel.
func NewManager(ch channels.Channel, auditor *audit.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		channel: ch,
		auditor: auditor,
		timeout: timeout,
		logger:  slog.Default().With("component", "approval"),
		pending: make(map[string]chan channels.ApprovalResponse),
	}
}

// CanonicalID builds the stable approval key: tool, action, and the
// normalized target joined by colons.
func CanonicalID(toolName, action, target string) string {
	return toolName + ":" + action + ":" + NormalizeTarget(target)
}

// NormalizeTarget reduces a target to its stable form: URLs become their
// lowercased host, paths are cleaned, everything else is trimmed and
// lowercased with whitespace collapsed.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		return strings.ToLower(u.Hostname())
	}
	if strings.HasPrefix(target, "/") || strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../") || strings.HasPrefix(target, "~") {
		return filepath.Clean(target)
	}
	return strings.ToLower(strings.Join(strings.Fields(target), " "))
}

// Check runs the approval flow for a request against the session's granted
// set. Session-level grants short-circuit; always-level prompts every time.
func (m *Manager) Check(ctx context.Context, session *models.Session, req Request) (Decision, error) {
	id := CanonicalID(req.ToolName, req.Action, req.Target)

	switch req.Level {
	case LevelNone, "":
		return Decision{Approved: true, Outcome: OutcomeGranted, ApprovalID: id}, nil
	case LevelSession:
		if session != nil && session.HasApproval(id) {
			return Decision{Approved: true, Outcome: OutcomeGranted, ApprovalID: id, Remembered: true}, nil
		}
	case LevelAlways:
		// fall through to the prompt
	default:
		return Decision{}, fmt.Errorf("approval: unknown level %q", req.Level)
	}

	outcome, remember, err := m.prompt(ctx, session, req, id)
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{
		Approved:   outcome == OutcomeGranted,
		Outcome:    outcome,
		ApprovalID: id,
	}
	if dec.Approved && req.Level == LevelSession && remember && session != nil {
		session.GrantApproval(id)
		dec.Remembered = true
	}

	m.logOutcome(session, req, id, outcome)
	return dec, nil
}

// Resolve routes an inbound approval response to the waiting prompt.
// Unknown request ids are ignored; late answers after a timeout land here.
func (m *Manager) Resolve(resp channels.ApprovalResponse) {
	m.mu.Lock()
	ch, ok := m.pending[resp.RequestID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("approval response for unknown request", "request_id", resp.RequestID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (m *Manager) prompt(ctx context.Context, session *models.Session, req Request, id string) (Outcome, bool, error) {
	requestID := uuid.NewString()
	respCh := make(chan channels.ApprovalResponse, 1)

	m.mu.Lock()
	m.pending[requestID] = respCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}
	event := channels.ApprovalRequired{
		SessionID:  sessionID,
		RequestID:  requestID,
		ApprovalID: id,
		ToolName:   req.ToolName,
		Action:     req.Action,
		Target:     req.Target,
		Reason:     req.Reason,
		ExpiresAt:  time.Now().Add(m.timeout),
	}
	if err := m.channel.Send(ctx, event); err != nil {
		return "", false, fmt.Errorf("approval: prompt failed: %w", err)
	}

	m.logRequested(session, req, id)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Approved {
			return OutcomeGranted, resp.Remember, nil
		}
		return OutcomeDenied, false, nil
	case <-timer.C:
		return OutcomeTimeout, false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (m *Manager) logRequested(session *models.Session, req Request, id string) {
	m.logAudit(session, req, id, "approval_requested", audit.SeverityInfo)
}

func (m *Manager) logOutcome(session *models.Session, req Request, id string, outcome Outcome) {
	severity := audit.SeverityInfo
	if outcome != OutcomeGranted {
		severity = audit.SeverityWarn
	}
	m.logAudit(session, req, id, "approval_"+string(outcome), severity)
}

func (m *Manager) logAudit(session *models.Session, req Request, id, action string, severity audit.Severity) {
	if m.auditor == nil {
		return
	}
	entry := audit.Entry{
		Category: audit.CategoryApproval,
		Action:   action,
		Severity: severity,
		Metadata: map[string]any{
			"approval_id": id,
			"tool_name":   req.ToolName,
			"tool_action": req.Action,
			"level":       string(req.Level),
		},
	}
	if session != nil {
		entry.SessionID = session.ID
		entry.UserID = session.UserID
	}
	if err := m.auditor.Log(entry); err != nil {
		m.logger.Error("audit write failed", "error", err)
	}
}
