package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/approval"
	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/netguard"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/pkg/models"
)

// TruncationNotice is appended when a tool's output exceeds its cap.
const TruncationNotice = "[TRUNCATED: %d bytes omitted]"

// DefaultOutputCap bounds tool output when a capability sets none.
const DefaultOutputCap = 64 * 1024

// ExecResult is the pipeline's verdict on one tool call. Failures of any
// kind land here as IsError results; the pipeline never panics outward and
// returns a Go error only when the surrounding context is cancelled.
type ExecResult struct {
	ToolCallID string
	ToolName   string
	Content    string
	IsError    bool
	Denied     bool
	DenyReason string
	Label      labels.Label
	Findings   secrets.Summary
	Truncated  bool
	Duration   time.Duration
}

// Executor runs every tool call through validation, approval, network
// guarding, execution, redaction, truncation, labelling, and audit.
type Executor struct {
	registry  *Registry
	approvals *approval.Manager
	guard     *netguard.Guard
	detector  *secrets.Detector
	auditor   *audit.Logger
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewExecutor wires the pipeline. The detector is mandatory; approvals,
// guard, auditor, and metrics may be nil in reduced configurations.
func NewExecutor(registry *Registry, approvals *approval.Manager, guard *netguard.Guard, detector *secrets.Detector, auditor *audit.Logger, metrics *observability.Metrics) *Executor {
	return &Executor{
		registry:  registry,
		approvals: approvals,
		guard:     guard,
		detector:  detector,
		auditor:   auditor,
		metrics:   metrics,
		logger:    slog.Default().With("component", "tools"),
	}
}

// Run executes one invocation through the full pipeline.
func (e *Executor) Run(ctx context.Context, session *models.Session, inv Invocation) (*ExecResult, error) {
	start := time.Now()
	res, err := e.run(ctx, session, inv)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	e.record(session, inv, res)
	return res, nil
}

func (e *Executor) run(ctx context.Context, session *models.Session, inv Invocation) (*ExecResult, error) {
	reg, ok := e.registry.lookup(inv.ToolName)
	if !ok {
		return errorResult(inv, fmt.Sprintf("unknown tool: %s", inv.ToolName)), nil
	}
	spec := reg.compiled.capability

	// Step 1: structural validation.
	if !spec.HasAction(inv.Action) {
		return errorResult(inv, fmt.Sprintf("tool %s does not support action %q", inv.ToolName, inv.Action)), nil
	}
	if reg.compiled.schema != nil {
		var decoded any
		if err := json.Unmarshal(inv.Input, &decoded); err != nil {
			return errorResult(inv, fmt.Sprintf("invalid input JSON: %v", err)), nil
		}
		if err := reg.compiled.schema.Validate(decoded); err != nil {
			return errorResult(inv, fmt.Sprintf("input validation failed: %v", err)), nil
		}
	}

	target := extractTarget(spec, inv.Input)
	method := extractMethod(inv.Input)

	// Step 2: approval, with escalation for dangerous targets, risky
	// methods, and unfamiliar hosts.
	level := effectiveApprovalLevel(reg.compiled, target, method)
	if level != approval.LevelNone && e.approvals != nil {
		dec, err := e.approvals.Check(ctx, session, approval.Request{
			ToolName: inv.ToolName,
			Action:   inv.Action,
			Target:   target,
			Level:    level,
		})
		if err != nil {
			return nil, err
		}
		e.metrics.ObserveApproval(string(dec.Outcome))
		if !dec.Approved {
			return deniedResult(inv, fmt.Sprintf("approval %s", dec.Outcome)), nil
		}
	}

	// Step 3: network guard. Non-network tools never reach the guard.
	if spec.NetworkCapable() && e.guard != nil && target != "" {
		d := e.guard.Check(ctx, target, method, spec.Network)
		if !d.Allowed {
			e.metrics.ObserveGuardDenial(reasonClass(d.Reason))
			return deniedResult(inv, d.Reason), nil
		}
	}

	// Step 4: execute with the capability's timeout, absorbing panics.
	timeout := time.Duration(spec.Execution.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.execute(execCtx, reg.tool, inv)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(inv, fmt.Sprintf("execution failed: %v", err)), nil
	}

	// Step 5: redact.
	content := output.Content
	var findings []secrets.Finding
	if e.detector != nil {
		r := e.detector.Redact(content)
		content = r.Redacted
		findings = r.Findings
	}
	summary := secrets.Summarize(findings)
	e.metrics.ObserveSecretFindings(string(summary.MaxConfidence), len(findings))

	// Step 6: truncate.
	outputCap := spec.Execution.OutputCap
	if outputCap <= 0 {
		outputCap = DefaultOutputCap
	}
	truncated := false
	if len(content) > outputCap {
		omitted := len(content) - outputCap
		content = content[:outputCap] + fmt.Sprintf(TruncationNotice, omitted)
		truncated = true
	}

	// Step 7: label.
	label := labels.LabelOutput(spec.Labels.OutputTrust, spec.Labels.OutputClass, inv.ToolName, findings)

	return &ExecResult{
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Content:    content,
		IsError:    output.IsError,
		Label:      label,
		Findings:   summary,
		Truncated:  truncated,
	}, nil
}

// execute calls the tool, converting panics into errors.
func (e *Executor) execute(ctx context.Context, tool Tool, inv Invocation) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", inv.ToolName, "panic", r)
			out = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	out, err = tool.Execute(ctx, inv)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("tool returned no output")
	}
	return out, nil
}

// record writes the audit entry and metrics for a finished call. Output
// content never enters the audit trail.
func (e *Executor) record(session *models.Session, inv Invocation, res *ExecResult) {
	outcome := "ok"
	switch {
	case res.Denied:
		outcome = "denied"
	case res.IsError:
		outcome = "error"
	}
	e.metrics.ObserveToolCall(inv.ToolName, outcome, res.Duration.Seconds())

	if e.auditor == nil {
		return
	}
	reg, ok := e.registry.lookup(inv.ToolName)

	metadata := map[string]any{
		"tool_call_id": inv.ToolCallID,
		"action":       inv.Action,
		"outcome":      outcome,
		"duration_ms":  res.Duration.Milliseconds(),
	}
	if res.DenyReason != "" {
		metadata["reason"] = res.DenyReason
	}
	if len(res.Findings.CountsByType) > 0 {
		metadata["secret_findings"] = res.Findings.CountsByType
	}
	if ok && reg.compiled.capability.Audit.LogArgs && len(inv.Input) > 0 {
		args := string(inv.Input)
		if e.detector != nil {
			args = e.detector.Redact(args).Redacted
		}
		metadata["args"] = args
	} else if len(inv.Input) > 0 {
		sum := sha256.Sum256(inv.Input)
		metadata["args_hash"] = hex.EncodeToString(sum[:])[:16]
	}
	if ok && reg.compiled.capability.Audit.LogOutput {
		metadata["output_size"] = len(res.Content)
		metadata["output_truncated"] = res.Truncated
	}

	severity := audit.SeverityInfo
	if outcome != "ok" {
		severity = audit.SeverityWarn
	}
	entry := audit.Entry{
		Category: audit.CategoryTool,
		Action:   "tool_" + outcome,
		Severity: severity,
		Metadata: metadata,
	}
	if session != nil {
		entry.SessionID = session.ID
		entry.UserID = session.UserID
	}
	if err := e.auditor.Log(entry); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}
}

func effectiveApprovalLevel(reg *compiled, target, method string) approval.Level {
	spec := reg.capability
	level := spec.Approval.Level
	if level == "" {
		level = approval.LevelNone
	}

	for _, re := range reg.danger {
		if re.MatchString(target) {
			return approval.LevelAlways
		}
	}

	escalate := false
	for _, m := range spec.Approval.MethodRequiresApproval {
		if strings.EqualFold(m, method) {
			escalate = true
		}
	}
	if !escalate && spec.Approval.UnknownHostRequiresApproval && spec.Network != nil {
		if host := hostOf(target); host != "" && !spec.Network.KnownHost(host) {
			escalate = true
		}
	}
	if escalate && level == approval.LevelNone {
		return approval.LevelSession
	}
	return level
}

func extractTarget(spec Capability, input json.RawMessage) string {
	if spec.TargetField == "" || len(input) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return ""
	}
	if v, ok := decoded[spec.TargetField].(string); ok {
		return v
	}
	return ""
}

func extractMethod(input json.RawMessage) string {
	var decoded struct {
		Method string `json:"method"`
	}
	if len(input) > 0 {
		json.Unmarshal(input, &decoded)
	}
	if decoded.Method == "" {
		return "GET"
	}
	return strings.ToUpper(decoded.Method)
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// reasonClass collapses a guard reason to a low-cardinality metric label.
func reasonClass(reason string) string {
	switch {
	case strings.Contains(reason, "Private IP"):
		return "private_ip"
	case strings.Contains(reason, "metadata"):
		return "metadata"
	case strings.Contains(reason, "allowlist"):
		return "allowlist"
	case strings.Contains(reason, "port"):
		return "port"
	case strings.Contains(reason, "DNS"):
		return "dns"
	default:
		return "other"
	}
}

func errorResult(inv Invocation, msg string) *ExecResult {
	return &ExecResult{
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Content:    msg,
		IsError:    true,
	}
}

func deniedResult(inv Invocation, reason string) *ExecResult {
	return &ExecResult{
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Content:    reason,
		IsError:    true,
		Denied:     true,
		DenyReason: reason,
	}
}
