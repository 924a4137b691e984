package audit

import (
	"sync"
	"time"
)

// Rule fires an alert when matching entries exceed Threshold within Window.
// After firing, the rule stays quiet for Cooldown.
type Rule struct {
	Name      string        `yaml:"name" json:"name"`
	Category  Category      `yaml:"category,omitempty" json:"category,omitempty"`
	Action    string        `yaml:"action,omitempty" json:"action,omitempty"`
	Severity  Severity      `yaml:"severity,omitempty" json:"severity,omitempty"`
	Threshold int           `yaml:"threshold" json:"threshold"`
	Window    time.Duration `yaml:"window" json:"window"`
	Cooldown  time.Duration `yaml:"cooldown" json:"cooldown"`
}

// Alert is raised when a rule trips. The engine performs no I/O; callers
// decide how to route alerts.
type Alert struct {
	Rule      string    `json:"rule"`
	Count     int       `json:"count"`
	Window    string    `json:"window"`
	FiredAt   time.Time `json:"fired_at"`
	LastEntry string    `json:"last_entry"`
}

// AlertEngine evaluates rules against the entry stream in memory.
type AlertEngine struct {
	mu    sync.Mutex
	rules []ruleState
}

type ruleState struct {
	rule      Rule
	hits      []time.Time
	lastFired time.Time
}

// NewAlertEngine builds an engine. Rules with a non-positive threshold or
// window are ignored.
func NewAlertEngine(rules []Rule) *AlertEngine {
	e := &AlertEngine{}
	for _, r := range rules {
		if r.Threshold <= 0 || r.Window <= 0 {
			continue
		}
		e.rules = append(e.rules, ruleState{rule: r})
	}
	return e
}

// Observe feeds one entry through every rule and returns any alerts fired.
func (e *AlertEngine) Observe(entry Entry) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := entry.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var alerts []Alert
	for i := range e.rules {
		st := &e.rules[i]
		if !ruleMatches(st.rule, entry) {
			continue
		}

		st.hits = append(st.hits, now)
		cutoff := now.Add(-st.rule.Window)
		kept := st.hits[:0]
		for _, t := range st.hits {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		st.hits = kept

		if len(st.hits) < st.rule.Threshold {
			continue
		}
		if !st.lastFired.IsZero() && now.Sub(st.lastFired) < st.rule.Cooldown {
			continue
		}

		st.lastFired = now
		alerts = append(alerts, Alert{
			Rule:      st.rule.Name,
			Count:     len(st.hits),
			Window:    st.rule.Window.String(),
			FiredAt:   now,
			LastEntry: entry.ID,
		})
	}
	return alerts
}

func ruleMatches(r Rule, e Entry) bool {
	if r.Category != "" && e.Category != r.Category {
		return false
	}
	if r.Action != "" && e.Action != r.Action {
		return false
	}
	if r.Severity != "" && severityRank[e.Severity] < severityRank[r.Severity] {
		return false
	}
	return true
}
