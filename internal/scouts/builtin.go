package scouts

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/sessions"
)

// AuditChainScout periodically re-verifies the audit trail's hash chain. A
// broken chain means the trail was edited out-of-band, which escalates.
type AuditChainScout struct {
	dir      string
	schedule Schedule
}

// NewAuditChainScout watches the audit directory on the given interval.
func NewAuditChainScout(dir string, interval time.Duration) *AuditChainScout {
	if interval <= 0 {
		interval = time.Hour
	}
	return &AuditChainScout{
		dir:      dir,
		schedule: Schedule{Interval: interval},
	}
}

func (s *AuditChainScout) Name() string       { return "audit_chain" }
func (s *AuditChainScout) Schedule() Schedule { return s.schedule }

func (s *AuditChainScout) Execute(ctx context.Context) ([]Finding, error) {
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return nil, nil
	}
	res, err := audit.Verify(s.dir)
	if err != nil {
		return nil, err
	}
	if res.Valid {
		return nil, nil
	}
	return []Finding{{
		Scout:    s.Name(),
		Type:     "audit_chain_broken",
		Summary:  "audit trail hash chain is broken",
		Details:  fmt.Sprintf("chain breaks at entry %s; entries after it are unverifiable", res.BrokenAt),
		Urgency:  UrgencyHigh,
		Escalate: true,
		Data:     map[string]any{"broken_at": res.BrokenAt, "entries": res.Entries},
		FoundAt:  time.Now(),
	}}, nil
}

// CostScout watches active sessions for runaway spend. Sessions past the
// budget surface once per crossing as medium-urgency findings.
type CostScout struct {
	store     *sessions.Store
	budgetUSD float64
	schedule  Schedule

	reported map[string]bool
}

// NewCostScout flags sessions whose accumulated cost exceeds budgetUSD.
func NewCostScout(store *sessions.Store, budgetUSD float64, interval time.Duration) *CostScout {
	if budgetUSD <= 0 {
		budgetUSD = 5.00
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CostScout{
		store:     store,
		budgetUSD: budgetUSD,
		schedule:  Schedule{Interval: interval},
		reported:  make(map[string]bool),
	}
}

func (s *CostScout) Name() string       { return "session_cost" }
func (s *CostScout) Schedule() Schedule { return s.schedule }

func (s *CostScout) Execute(ctx context.Context) ([]Finding, error) {
	list, err := s.store.List(sessions.ListFilter{})
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, session := range list {
		if session.Totals.CostUSD < s.budgetUSD || s.reported[session.ID] {
			continue
		}
		s.reported[session.ID] = true
		findings = append(findings, Finding{
			Scout:   s.Name(),
			Type:    "session_over_budget",
			Summary: fmt.Sprintf("session %s has spent $%.2f", session.ID, session.Totals.CostUSD),
			Details: fmt.Sprintf("budget is $%.2f; %d input and %d output tokens so far",
				s.budgetUSD, session.Totals.InputTokens, session.Totals.OutputTokens),
			Urgency: UrgencyMedium,
			Data: map[string]any{
				"session_id": session.ID,
				"cost_usd":   session.Totals.CostUSD,
				"budget_usd": s.budgetUSD,
			},
			FoundAt: time.Now(),
		})
	}
	return findings, nil
}
