package scouts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/pkg/models"
)

func TestAuditChainScout_MissingDirIsQuiet(t *testing.T) {
	scout := NewAuditChainScout(filepath.Join(t.TempDir(), "nope"), time.Minute)
	findings, err := scout.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("got %d findings for a missing directory", len(findings))
	}
}

func TestAuditChainScout_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	logger, err := audit.NewLogger(audit.DefaultConfig(dir), secrets.NewDetector())
	if err != nil {
		t.Fatal(err)
	}
	for _, action := range []string{"alpha", "beta", "gamma"} {
		if err := logger.LogEvent(audit.CategorySystem, action, audit.SeverityInfo, nil); err != nil {
			t.Fatal(err)
		}
	}
	logger.Close()

	scout := NewAuditChainScout(dir, time.Minute)

	findings, err := scout.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("intact chain produced %d findings", len(findings))
	}

	// Edit an entry on disk behind the logger's back.
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil || len(files) == 0 {
		t.Fatalf("no audit files: %v", err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "beta", "brta", 1)
	if tampered == string(data) {
		t.Fatal("test entry not found in audit file")
	}
	if err := os.WriteFile(files[0], []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	findings, err = scout.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("tampered chain produced %d findings, want 1", len(findings))
	}
	f := findings[0]
	if f.Urgency != UrgencyHigh || !f.Escalate {
		t.Errorf("finding = urgency %s escalate %v, want high urgency escalation", f.Urgency, f.Escalate)
	}
}

func TestCostScout_ReportsOncePerSession(t *testing.T) {
	store, err := sessions.NewStore(t.TempDir(), secrets.NewDetector())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Create("u1", "claude-sonnet-4-20250514", ""); err != nil {
		t.Fatal(err)
	}
	spendy, err := store.Create("u1", "claude-sonnet-4-20250514", "")
	if err != nil {
		t.Fatal(err)
	}
	spendy.Totals.Add(models.Usage{InputTokens: 2_000_000, OutputTokens: 500_000, CostUSD: 13.50})
	if err := store.UpdateSession(spendy); err != nil {
		t.Fatal(err)
	}

	scout := NewCostScout(store, 5.00, time.Minute)

	findings, err := scout.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	if got := findings[0].Data["session_id"]; got != spendy.ID {
		t.Errorf("flagged session %v, want %s", got, spendy.ID)
	}
	if findings[0].Urgency != UrgencyMedium {
		t.Errorf("urgency = %s, want medium", findings[0].Urgency)
	}

	// A second pass stays quiet for the already-reported session.
	findings, err = scout.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("second pass produced %d findings", len(findings))
	}
}
