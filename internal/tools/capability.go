// Package tools holds the capability model, the tool registry, and the
// enforcement pipeline every tool call passes through. No tool executes
// outside the pipeline.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/warden/internal/approval"
	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/netguard"
	"github.com/haasonsaas/warden/internal/sandbox"
)

// ApprovalPolicy declares when a tool action needs user approval.
type ApprovalPolicy struct {
	// Level is the baseline approval level for every invocation.
	Level approval.Level `yaml:"level" json:"level"`

	// DangerPatterns escalate matching targets to always-level approval.
	DangerPatterns []string `yaml:"danger_patterns,omitempty" json:"danger_patterns,omitempty"`

	// MethodRequiresApproval lists HTTP methods that force a prompt even
	// when the baseline level would not.
	MethodRequiresApproval []string `yaml:"method_requires_approval,omitempty" json:"method_requires_approval,omitempty"`

	// UnknownHostRequiresApproval prompts when the target host is not on
	// the tool's allowlist but the global policy permits it.
	UnknownHostRequiresApproval bool `yaml:"unknown_host_requires_approval,omitempty" json:"unknown_host_requires_approval,omitempty"`
}

// ExecutionPolicy declares how a tool runs.
type ExecutionPolicy struct {
	Sandbox   sandbox.Level `yaml:"sandbox" json:"sandbox"`
	OutputCap int           `yaml:"output_cap,omitempty" json:"output_cap,omitempty"`
	TimeoutMS int           `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// LabelPolicy declares the labels a tool's output carries by default.
type LabelPolicy struct {
	OutputTrust labels.TrustLevel `yaml:"output_trust" json:"output_trust"`
	OutputClass labels.DataClass  `yaml:"output_class" json:"output_class"`

	// Sanitizes marks tools that strip secrets from what they forward,
	// which relaxes the chaining rule for secret-class inputs.
	Sanitizes bool `yaml:"sanitizes,omitempty" json:"sanitizes,omitempty"`
}

// AuditPolicy declares what the audit trail records for this tool. Output
// content is never logged; LogOutput only enables size metadata.
type AuditPolicy struct {
	LogArgs   bool `yaml:"log_args" json:"log_args"`
	LogOutput bool `yaml:"log_output" json:"log_output"`
}

// Capability is the full declaration a tool registers under.
type Capability struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	InputSchema json.RawMessage `yaml:"input_schema" json:"input_schema"`

	// Actions enumerates the verbs this tool supports. The invocation's
	// action must be one of them.
	Actions []string `yaml:"actions" json:"actions"`

	// TargetField names the input property holding the approval and guard
	// target (a URL, path, or command line).
	TargetField string `yaml:"target_field,omitempty" json:"target_field,omitempty"`

	Approval  ApprovalPolicy      `yaml:"approval" json:"approval"`
	Network   *netguard.ToolPolicy `yaml:"network,omitempty" json:"network,omitempty"`
	Execution ExecutionPolicy     `yaml:"execution" json:"execution"`
	Labels    LabelPolicy         `yaml:"labels" json:"labels"`
	Audit     AuditPolicy         `yaml:"audit" json:"audit"`
}

// NetworkCapable reports whether the tool may reach the network at all.
func (c Capability) NetworkCapable() bool { return c.Network != nil }

// HasAction reports whether the capability declares the action.
func (c Capability) HasAction(action string) bool {
	for _, a := range c.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// compiled holds the registration-time artifacts derived from a capability.
type compiled struct {
	capability Capability
	schema     *jsonschema.Schema
	danger     []*regexp.Regexp
}

func compile(c Capability) (*compiled, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("tools: capability missing name")
	}
	if len(c.Actions) == 0 {
		return nil, fmt.Errorf("tools: capability %s declares no actions", c.Name)
	}

	out := &compiled{capability: c}

	if len(c.InputSchema) > 0 {
		schema, err := jsonschema.CompileString(c.Name+".json", string(c.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("tools: capability %s schema: %w", c.Name, err)
		}
		out.schema = schema
	}

	for _, pattern := range c.Approval.DangerPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("tools: capability %s danger pattern %q: %w", c.Name, pattern, err)
		}
		out.danger = append(out.danger, re)
	}
	return out, nil
}

// Invocation is a single requested tool call.
type Invocation struct {
	ToolCallID string
	SessionID  string
	UserID     string
	ToolName   string
	Action     string
	Input      json.RawMessage
	WorkDir    string
}

// Output is what a tool hands back to the pipeline, before redaction,
// truncation, and labelling.
type Output struct {
	Content string
	IsError bool

	// Method is the HTTP method actually used, when relevant.
	Method string
}

// Tool is the behavior behind a capability.
type Tool interface {
	Capability() Capability
	Execute(ctx context.Context, inv Invocation) (*Output, error)
}
