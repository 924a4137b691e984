package audit

import (
	"testing"
	"time"
)

func alertEntry(action string, ts time.Time) Entry {
	return Entry{
		ID:        action + ts.String(),
		Timestamp: ts,
		Category:  CategorySecurity,
		Action:    action,
		Severity:  SeverityWarn,
	}
}

func TestAlertEngine_Threshold(t *testing.T) {
	e := NewAlertEngine([]Rule{{
		Name:      "repeated-denials",
		Category:  CategorySecurity,
		Action:    "egress_denied",
		Threshold: 3,
		Window:    time.Minute,
		Cooldown:  5 * time.Minute,
	}})

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if got := e.Observe(alertEntry("egress_denied", base)); len(got) != 0 {
		t.Errorf("first hit fired: %+v", got)
	}
	if got := e.Observe(alertEntry("egress_denied", base.Add(time.Second))); len(got) != 0 {
		t.Errorf("second hit fired: %+v", got)
	}
	got := e.Observe(alertEntry("egress_denied", base.Add(2*time.Second)))
	if len(got) != 1 {
		t.Fatalf("third hit = %d alerts, want 1", len(got))
	}
	if got[0].Rule != "repeated-denials" || got[0].Count != 3 {
		t.Errorf("alert = %+v", got[0])
	}
}

func TestAlertEngine_WindowExpiry(t *testing.T) {
	e := NewAlertEngine([]Rule{{
		Name:      "burst",
		Action:    "egress_denied",
		Threshold: 2,
		Window:    10 * time.Second,
	}})

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	e.Observe(alertEntry("egress_denied", base))
	// Outside the window: the first hit no longer counts.
	if got := e.Observe(alertEntry("egress_denied", base.Add(time.Minute))); len(got) != 0 {
		t.Errorf("stale hit counted: %+v", got)
	}
}

func TestAlertEngine_Cooldown(t *testing.T) {
	e := NewAlertEngine([]Rule{{
		Name:      "noisy",
		Action:    "egress_denied",
		Threshold: 1,
		Window:    time.Minute,
		Cooldown:  time.Minute,
	}})

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if got := e.Observe(alertEntry("egress_denied", base)); len(got) != 1 {
		t.Fatalf("first = %d alerts, want 1", len(got))
	}
	if got := e.Observe(alertEntry("egress_denied", base.Add(10*time.Second))); len(got) != 0 {
		t.Errorf("fired inside cooldown: %+v", got)
	}
	if got := e.Observe(alertEntry("egress_denied", base.Add(2*time.Minute))); len(got) != 1 {
		t.Errorf("did not fire after cooldown")
	}
}

func TestAlertEngine_NonMatching(t *testing.T) {
	e := NewAlertEngine([]Rule{{
		Name:      "tool-only",
		Category:  CategoryTool,
		Threshold: 1,
		Window:    time.Minute,
	}})
	if got := e.Observe(alertEntry("egress_denied", time.Now())); len(got) != 0 {
		t.Errorf("mismatched category fired: %+v", got)
	}
}
