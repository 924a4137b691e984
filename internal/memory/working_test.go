package memory

import (
	"strings"
	"testing"

	"github.com/haasonsaas/warden/internal/labels"
)

func userItem(content string) WorkingItem {
	return WorkingItem{
		Content: content,
		Label:   labels.New(labels.TrustUser, labels.ClassInternal, "chat"),
	}
}

func TestWorking_AddAndEvictByCount(t *testing.T) {
	w := NewWorking(3, 0, labels.Policy{})

	for _, c := range []string{"a", "b", "c", "d"} {
		if _, err := w.Add(userItem(c)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	items := w.Items()
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].Content != "b" || items[2].Content != "d" {
		t.Errorf("oldest not evicted: %q..%q", items[0].Content, items[2].Content)
	}
}

func TestWorking_EvictByTokens(t *testing.T) {
	w := NewWorking(100, 20, labels.Policy{})

	w.Add(WorkingItem{Content: "x", Tokens: 15, Label: labels.New(labels.TrustUser, labels.ClassInternal, "a")})
	w.Add(WorkingItem{Content: "y", Tokens: 15, Label: labels.New(labels.TrustUser, labels.ClassInternal, "b")})

	items := w.Items()
	if len(items) != 1 || items[0].Content != "y" {
		t.Errorf("items = %+v, want only y", items)
	}
	if w.Tokens() > 20 {
		t.Errorf("tokens = %d, want <= 20", w.Tokens())
	}
}

func TestWorking_SystemItemsSurviveEviction(t *testing.T) {
	w := NewWorking(2, 0, labels.Policy{})

	w.Add(WorkingItem{Content: "prompt", System: true, Label: labels.New(labels.TrustSystem, labels.ClassInternal, "core")})
	w.Add(userItem("a"))
	w.Add(userItem("b"))

	items := w.Items()
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if !items[0].System {
		t.Error("system item evicted")
	}
	if items[1].Content != "b" {
		t.Errorf("kept = %q, want b", items[1].Content)
	}
}

func TestWorking_RefusesSecrets(t *testing.T) {
	w := NewWorking(10, 0, labels.Policy{})
	_, err := w.Add(WorkingItem{
		Content: "sk-live-...",
		Label:   labels.New(labels.TrustUser, labels.ClassSecret, "vault"),
	})
	if err == nil {
		t.Fatal("secret-class content accepted")
	}
	if !strings.Contains(err.Error(), "redacted") {
		t.Errorf("err = %v", err)
	}
	if len(w.Items()) != 0 {
		t.Error("item stored despite refusal")
	}
}

func TestWorking_CombinedLabel(t *testing.T) {
	w := NewWorking(10, 0, labels.Policy{})

	empty := w.CombinedLabel()
	if empty.Trust != labels.TrustSystem || empty.Class != labels.ClassPublic {
		t.Errorf("empty label = %+v", empty)
	}

	w.Add(WorkingItem{Content: "a", Label: labels.New(labels.TrustSystem, labels.ClassPublic, "core")})
	w.Add(WorkingItem{Content: "b", Label: labels.New(labels.TrustUntrusted, labels.ClassSensitive, "web")})

	combined := w.CombinedLabel()
	if combined.Trust != labels.TrustUntrusted || combined.Class != labels.ClassSensitive {
		t.Errorf("combined = (%q, %q), want (untrusted, sensitive)", combined.Trust, combined.Class)
	}
}

func TestWorking_Clear(t *testing.T) {
	w := NewWorking(10, 0, labels.Policy{})
	w.Add(userItem("a"))
	w.Clear()
	if len(w.Items()) != 0 || w.Tokens() != 0 {
		t.Error("clear left items behind")
	}
}
