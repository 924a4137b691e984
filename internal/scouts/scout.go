// Package scouts runs periodic background probes around the orchestrator.
// Each scout executes on its own schedule with startup jitter, an overlap
// lock, and exponential backoff on failure; findings are routed by urgency
// into the audit log, the awareness digest, or a channel interrupt.
package scouts

import (
	"context"
	"time"

	"github.com/haasonsaas/warden/internal/channels"
)

// Urgency ranks how fast a finding should reach the user.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Finding is what a scout run produces.
type Finding struct {
	Scout     string         `json:"scout"`
	Type      string         `json:"type"`
	Summary   string         `json:"summary"`
	Details   string         `json:"details,omitempty"`
	Urgency   Urgency        `json:"urgency"`
	Escalate  bool           `json:"escalate,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	FoundAt   time.Time      `json:"found_at"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the finding has outlived its relevance.
func (f Finding) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// Schedule declares when a scout runs. Cron takes precedence over Interval
// when both are set; cron runs are not jittered.
type Schedule struct {
	Interval     time.Duration `yaml:"interval" json:"interval"`
	Cron         string        `yaml:"cron,omitempty" json:"cron,omitempty"`
	RunOnStartup bool          `yaml:"run_on_startup,omitempty" json:"run_on_startup,omitempty"`
}

// Scout is a periodic background probe.
type Scout interface {
	// Name identifies the scout in audit entries and metrics.
	Name() string

	// Schedule returns when the scout wants to run.
	Schedule() Schedule

	// Execute performs one probe. Returned findings are routed by the
	// scheduler; an error counts toward the scout's backoff.
	Execute(ctx context.Context) ([]Finding, error)
}

// ToNotification converts a finding for channel delivery.
func (f Finding) ToNotification() channels.Notification {
	return channels.Notification{
		Scout:   f.Scout,
		Urgency: channels.Urgency(f.Urgency),
		Title:   f.Summary,
		Body:    f.Details,
		FoundAt: f.FoundAt,
	}
}
