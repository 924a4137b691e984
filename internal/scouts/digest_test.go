package scouts

import (
	"testing"
	"time"
)

func TestDigest_DrainOrdersHighFirst(t *testing.T) {
	d := NewDigest(8)
	d.Push(Finding{Scout: "a", Urgency: UrgencyMedium, Summary: "m1"})
	d.Push(Finding{Scout: "b", Urgency: UrgencyHigh, Summary: "h1"})
	d.Push(Finding{Scout: "c", Urgency: UrgencyMedium, Summary: "m2"})
	d.Push(Finding{Scout: "d", Urgency: UrgencyHigh, Summary: "h2"})

	out := d.Drain()
	if len(out) != 4 {
		t.Fatalf("drained %d findings, want 4", len(out))
	}
	want := []string{"h1", "h2", "m1", "m2"}
	for i, summary := range want {
		if out[i].Summary != summary {
			t.Errorf("out[%d] = %q, want %q", i, out[i].Summary, summary)
		}
	}
	if d.Len() != 0 {
		t.Errorf("digest not empty after drain: %d", d.Len())
	}
}

func TestDigest_EvictsLowFirstWhenFull(t *testing.T) {
	d := NewDigest(2)
	d.Push(Finding{Summary: "low", Urgency: UrgencyLow})
	d.Push(Finding{Summary: "high", Urgency: UrgencyHigh})
	d.Push(Finding{Summary: "medium", Urgency: UrgencyMedium})

	out := d.Drain()
	if len(out) != 2 {
		t.Fatalf("drained %d, want 2", len(out))
	}
	for _, f := range out {
		if f.Summary == "low" {
			t.Error("low-urgency entry survived eviction")
		}
	}
}

func TestDigest_DropsExpired(t *testing.T) {
	d := NewDigest(8)
	d.Push(Finding{Summary: "stale", Urgency: UrgencyMedium, ExpiresAt: time.Now().Add(-time.Minute)})
	d.Push(Finding{Summary: "fresh", Urgency: UrgencyMedium})

	out := d.Drain()
	if len(out) != 1 || out[0].Summary != "fresh" {
		t.Fatalf("drain = %v, want only the fresh finding", out)
	}
}
