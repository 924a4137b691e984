package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/secrets"
)

func newTestLogger(t *testing.T, dir string) *Logger {
	t.Helper()
	l, err := NewLogger(DefaultConfig(dir), secrets.NewDetector())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func TestLog_ChainVerifies(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	for i := 0; i < 5; i++ {
		err := l.LogEvent(CategoryTool, "tool_completed", SeverityInfo, map[string]any{
			"tool": map[string]any{"name": "web_fetch", "output_size": 100 + i},
		})
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	l.Close()

	res, err := Verify(dir)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid {
		t.Errorf("chain invalid, broken at %s", res.BrokenAt)
	}
	if res.Entries != 5 {
		t.Errorf("entries = %d, want 5", res.Entries)
	}
}

func TestLog_NeverLogPathsStripped(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	err := l.Log(Entry{
		Category: CategoryTool,
		Action:   "tool_completed",
		Severity: SeverityInfo,
		Metadata: map[string]any{
			"tool":            map[string]any{"name": "shell", "output": "raw secret output"},
			"message.content": "the user said something private",
			"response.text":   "assistant reply",
			"duration_ms":     42,
		},
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	l.Close()

	entries, err := Query(dir, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	md := entries[0].Metadata
	if _, ok := md["message.content"]; ok {
		t.Error("message.content survived")
	}
	if _, ok := md["response.text"]; ok {
		t.Error("response.text survived")
	}
	tool, _ := md["tool"].(map[string]any)
	if _, ok := tool["output"]; ok {
		t.Error("tool.output survived")
	}
	if tool["name"] != "shell" {
		t.Errorf("tool.name = %v, want shell", tool["name"])
	}
	if _, ok := md["duration_ms"]; !ok {
		t.Error("benign metadata dropped")
	}
}

func TestLog_ErrorRedactedAndTruncated(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	token := "ghp_" + strings.Repeat("A", 36)
	long := "request failed with token " + token + " " + strings.Repeat("x", 600)
	if err := l.Log(Entry{Category: CategorySystem, Action: "provider_error", Severity: SeverityError, Error: long}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	l.Close()

	entries, err := Query(dir, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := entries[0].Error
	if strings.Contains(got, token) {
		t.Error("token survived in error message")
	}
	if !strings.Contains(got, "[REDACTED:github_token]") {
		t.Errorf("missing redaction marker: %q", got)
	}
	if len(got) > 500 {
		t.Errorf("error len = %d, want <= 500", len(got))
	}
}

func TestLog_ChainSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	l1 := newTestLogger(t, dir)
	if err := l1.LogEvent(CategorySession, "session_created", SeverityInfo, nil); err != nil {
		t.Fatalf("Log: %v", err)
	}
	l1.Close()

	l2 := newTestLogger(t, dir)
	if err := l2.LogEvent(CategorySession, "session_completed", SeverityInfo, nil); err != nil {
		t.Fatalf("Log: %v", err)
	}
	l2.Close()

	res, err := Verify(dir)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Entries != 2 {
		t.Errorf("result = %+v, want valid chain of 2", res)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)
	for i := 0; i < 3; i++ {
		if err := l.LogEvent(CategorySecurity, "egress_denied", SeverityWarn, nil); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	l.Close()

	files, _ := auditFiles(dir)
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	var middle Entry
	if err := json.Unmarshal([]byte(lines[1]), &middle); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	middle.Action = "egress_allowed"
	tampered, _ := json.Marshal(middle)
	lines[1] = string(tampered)
	if err := os.WriteFile(files[0], []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := Verify(dir)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("tampering not detected")
	}
	if res.BrokenAt != middle.ID {
		t.Errorf("brokenAt = %q, want %q", res.BrokenAt, middle.ID)
	}
}

func TestQuery_Filters(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	l.Log(Entry{Category: CategoryTool, Action: "tool_completed", Severity: SeverityInfo, SessionID: "s1"})
	l.Log(Entry{Category: CategorySecurity, Action: "egress_denied", Severity: SeverityWarn, SessionID: "s1"})
	l.Log(Entry{Category: CategorySecurity, Action: "egress_denied", Severity: SeverityWarn, SessionID: "s2"})
	l.Close()

	got, err := Query(dir, Filter{Category: CategorySecurity})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("category filter = %d entries, want 2", len(got))
	}

	got, _ = Query(dir, Filter{SessionID: "s1"})
	if len(got) != 2 {
		t.Errorf("session filter = %d entries, want 2", len(got))
	}

	got, _ = Query(dir, Filter{Severity: SeverityWarn})
	if len(got) != 2 {
		t.Errorf("severity filter = %d entries, want 2", len(got))
	}

	got, _ = Query(dir, Filter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("limit = %d entries, want 1", len(got))
	}
}

func TestLog_DailyFiles(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	l.Log(Entry{Category: CategorySystem, Action: "a", Severity: SeverityInfo, Timestamp: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)})
	l.Log(Entry{Category: CategorySystem, Action: "b", Severity: SeverityInfo, Timestamp: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)})
	l.Close()

	for _, day := range []string{"2026-08-24", "2026-08-25"} {
		if _, err := os.Stat(filepath.Join(dir, "audit-"+day+".jsonl")); err != nil {
			t.Errorf("missing daily file for %s: %v", day, err)
		}
	}

	res, err := Verify(dir)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Entries != 2 {
		t.Errorf("result = %+v, want valid chain spanning both days", res)
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": "x"}}
	first, err := canonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	second, _ := canonicalJSON(a)
	if string(first) != string(second) {
		t.Errorf("non-deterministic: %s vs %s", first, second)
	}
	want := `{"a":1,"b":2,"nested":{"y":"x","z":true}}`
	if string(first) != want {
		t.Errorf("canonical = %s, want %s", first, want)
	}
}

func TestLog_WriteErrorHandler(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	var reported error
	l.SetWriteErrorHandler(func(err error) { reported = err })

	if err := l.LogEvent(CategorySystem, "ok", SeverityInfo, nil); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if reported != nil {
		t.Fatalf("handler fired on a successful write: %v", reported)
	}

	// Take the directory away so the next append cannot open its file.
	l.Close()
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	err := l.LogEvent(CategorySystem, "doomed", SeverityInfo, nil)
	if err == nil {
		t.Fatal("write into a removed directory succeeded")
	}
	if reported == nil || reported.Error() != err.Error() {
		t.Errorf("handler got %v, want the write error %v", reported, err)
	}
}
