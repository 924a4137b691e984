// Package audit provides tamper-evident audit logging for security
// decisions, tool invocations, and memory writes. Entries are appended to
// daily JSONL files and linked by a SHA-256 hash chain.
package audit

import "time"

// Category groups audit entries by subsystem.
type Category string

const (
	CategorySecurity Category = "security"
	CategoryApproval Category = "approval"
	CategoryTool     Category = "tool"
	CategoryMemory   Category = "memory"
	CategorySession  Category = "session"
	CategoryScout    Category = "scout"
	CategorySystem   Category = "system"
)

// Severity orders how serious an entry is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Entry is a single audit record. EntryHash and PrevHash are computed by the
// logger; callers must leave them empty.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	Severity  Severity       `json:"severity"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
	EntryHash string         `json:"entry_hash"`
	PrevHash  string         `json:"prev_hash"`
}

// Config configures the audit logger.
type Config struct {
	// Dir is the directory holding the daily JSONL files.
	Dir string `yaml:"dir" json:"dir"`

	// MinSeverity drops entries below this level. Defaults to info.
	MinSeverity Severity `yaml:"min_severity" json:"min_severity"`

	// MaxErrorLength caps the redacted error field. Defaults to 500.
	MaxErrorLength int `yaml:"max_error_length" json:"max_error_length"`
}

// DefaultConfig returns the baseline audit configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		MinSeverity:    SeverityInfo,
		MaxErrorLength: 500,
	}
}

// neverLogPaths are metadata keys whose values hold raw content. They are
// removed before an entry is hashed or written, regardless of caller intent.
var neverLogPaths = []string{
	"message.content",
	"tool.output",
	"file.content",
	"memory.content",
	"response.text",
}
