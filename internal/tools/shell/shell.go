// Package shell is the builtin command execution tool. Commands run inside
// the sandbox executor; destructive command shapes escalate to always-level
// approval via danger patterns.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/approval"
	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/tools"
)

const defaultTimeout = 60 * time.Second

type params struct {
	Command   string `json:"command"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// Tool runs shell commands through the sandbox.
type Tool struct {
	executor *sandbox.Executor
	level    sandbox.Level
}

// New creates the tool with the given sandbox executor and isolation level.
func New(executor *sandbox.Executor, level sandbox.Level) *Tool {
	if level == "" {
		level = sandbox.LevelProcess
	}
	return &Tool{executor: executor, level: level}
}

// Capability declares the tool. Output is labelled user trust: the user
// chose to run the command, but its output was not authored by them.
func (t *Tool) Capability() tools.Capability {
	return tools.Capability{
		Name:        "shell",
		Description: "Run a shell command in an isolated sandbox and return its output.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Command line to run with sh -c"},
				"timeout_ms": {"type": "integer", "minimum": 1, "maximum": 300000, "description": "Optional timeout override"}
			},
			"required": ["command"]
		}`),
		Actions:     []string{"run"},
		TargetField: "command",
		Approval: tools.ApprovalPolicy{
			Level: approval.LevelSession,
			DangerPatterns: []string{
				`rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`,
				`\bsudo\b`,
				`\bmkfs\b`,
				`\bdd\s+if=`,
				`curl[^|;]*\|\s*(ba)?sh`,
				`wget[^|;]*\|\s*(ba)?sh`,
				`>\s*/dev/sd[a-z]`,
			},
		},
		Execution: tools.ExecutionPolicy{
			Sandbox:   t.level,
			OutputCap: 64 * 1024,
			TimeoutMS: int(defaultTimeout / time.Millisecond),
		},
		Labels: tools.LabelPolicy{
			OutputTrust: labels.TrustUser,
			OutputClass: labels.ClassInternal,
		},
		Audit: tools.AuditPolicy{LogArgs: true, LogOutput: true},
	}
}

// Execute runs the command. Non-zero exits are error outputs with the
// combined streams attached.
func (t *Tool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Output, error) {
	var p params
	if err := json.Unmarshal(inv.Input, &p); err != nil {
		return &tools.Output{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(p.Command) == "" {
		return &tools.Output{Content: "command must not be empty", IsError: true}, nil
	}

	timeout := defaultTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	res, err := t.executor.Execute(ctx, sandbox.Request{
		Command: []string{"sh", "-c", p.Command},
		Dir:     inv.WorkDir,
		Timeout: timeout,
		Level:   t.level,
	})
	if err != nil {
		return &tools.Output{Content: fmt.Sprintf("sandbox refused: %v", err), IsError: true}, nil
	}

	var sb strings.Builder
	if res.Stdout != "" {
		sb.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("STDERR:\n")
		sb.WriteString(res.Stderr)
	}
	if res.TimedOut {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("command timed out")
	}
	if sb.Len() == 0 {
		sb.WriteString(fmt.Sprintf("(no output, exit code %d)", res.ExitCode))
	}

	return &tools.Output{
		Content: sb.String(),
		IsError: res.ExitCode != 0 || res.TimedOut,
	}, nil
}
