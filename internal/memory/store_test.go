package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/memory/embeddings"
	"github.com/haasonsaas/warden/internal/secrets"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := NewStore(cfg, secrets.NewDetector(), embeddings.NewMock(32), nil, labels.Policy{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreEpisode_RequiresUser(t *testing.T) {
	s := newTestStore(t, Config{})
	if _, err := s.StoreEpisode(context.Background(), Episode{Content: "text"}); !errors.Is(err, ErrUserRequired) {
		t.Errorf("err = %v, want ErrUserRequired", err)
	}
}

func TestStoreEpisode_RedactsAndFlags(t *testing.T) {
	s := newTestStore(t, Config{})
	token := "ghp_" + strings.Repeat("C", 36)

	ep, err := s.StoreEpisode(context.Background(), Episode{UserID: "u1", Content: "my key is " + token})
	if err != nil {
		t.Fatalf("StoreEpisode: %v", err)
	}
	if strings.Contains(ep.Content, token) {
		t.Error("token survived")
	}
	if redacted, _ := ep.Metadata["redacted"].(bool); !redacted {
		t.Error("redacted flag missing")
	}

	recent, err := s.RecentEpisodes(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("RecentEpisodes: %v", err)
	}
	if len(recent) != 1 || strings.Contains(recent[0].Content, token) {
		t.Errorf("persisted = %+v", recent)
	}
}

func TestStoreEpisode_SessionFieldsRoundtrip(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	_, err := s.StoreEpisode(ctx, Episode{
		UserID:       "u1",
		SessionID:    "sess-9",
		TurnNumber:   3,
		Participants: []string{"u1", "assistant"},
		Content:      "turn three",
	})
	if err != nil {
		t.Fatalf("StoreEpisode: %v", err)
	}
	s.StoreEpisode(ctx, Episode{UserID: "u1", SessionID: "sess-9", TurnNumber: 1, Content: "turn one"})
	s.StoreEpisode(ctx, Episode{UserID: "u1", SessionID: "other", TurnNumber: 1, Content: "elsewhere"})

	got, err := s.SessionEpisodes(ctx, "u1", "sess-9")
	if err != nil {
		t.Fatalf("SessionEpisodes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("episodes = %d, want 2 for sess-9", len(got))
	}
	if got[0].TurnNumber != 1 || got[1].TurnNumber != 3 {
		t.Errorf("turn order = %d, %d, want 1, 3", got[0].TurnNumber, got[1].TurnNumber)
	}
	if got[1].SessionID != "sess-9" {
		t.Errorf("session_id = %q", got[1].SessionID)
	}
	if len(got[1].Participants) != 2 || got[1].Participants[1] != "assistant" {
		t.Errorf("participants = %v", got[1].Participants)
	}
}

func TestSearchEpisodes_SimilarityAndIsolation(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	if _, err := s.StoreEpisode(ctx, Episode{UserID: "u1", Content: "the capital of France is Paris"}); err != nil {
		t.Fatalf("StoreEpisode: %v", err)
	}
	s.StoreEpisode(ctx, Episode{UserID: "u1", Content: "my favorite editor is vim"})
	s.StoreEpisode(ctx, Episode{UserID: "u2", Content: "the capital of France is Paris"})

	// Identical text scores 1.0 under the mock embedder.
	matches, err := s.SearchEpisodes(ctx, "u1", "the capital of France is Paris", 10, 0.9)
	if err != nil {
		t.Fatalf("SearchEpisodes: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Episode.UserID != "u1" {
		t.Error("cross-user episode returned")
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %f, want ~1", matches[0].Score)
	}

	if _, err := s.SearchEpisodes(ctx, "", "q", 10, 0); !errors.Is(err, ErrUserRequired) {
		t.Errorf("err = %v, want ErrUserRequired", err)
	}
}

func TestEpisodes_PerUserEviction(t *testing.T) {
	s := newTestStore(t, Config{MaxEpisodesPerUser: 3})
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three", "four", "five"} {
		if _, err := s.StoreEpisode(ctx, Episode{UserID: "u1", Content: c}); err != nil {
			t.Fatalf("StoreEpisode: %v", err)
		}
	}
	s.StoreEpisode(ctx, Episode{UserID: "u2", Content: "other user"})

	n, err := s.CountEpisodes(ctx, "u1")
	if err != nil {
		t.Fatalf("CountEpisodes: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if n2, _ := s.CountEpisodes(ctx, "u2"); n2 != 1 {
		t.Errorf("u2 count = %d, want 1 (cross-user eviction)", n2)
	}
}

func TestStoreFact_FlowControl(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	fact := Fact{UserID: "u1", FactType: FactPreference, Subject: "user", Predicate: "prefers", Object: "dark mode", Category: "preference"}

	// User-trust content stores directly.
	stored, err := s.StoreFact(ctx, fact, labels.New(labels.TrustUser, labels.ClassInternal, "chat"), false)
	if err != nil {
		t.Fatalf("StoreFact: %v", err)
	}
	if stored.Visibility != VisibilityOwner {
		t.Errorf("visibility = %q, want owner default for unconfigured category", stored.Visibility)
	}
	if stored.Confidence != 1 {
		t.Errorf("confidence = %v, want 1 default", stored.Confidence)
	}

	// Untrusted content is refused without confirmation.
	_, err = s.StoreFact(ctx, fact, labels.New(labels.TrustUntrusted, labels.ClassInternal, "web"), false)
	if err == nil {
		t.Fatal("untrusted fact accepted without confirmation")
	}

	// With confirmation it stores with promoted trust.
	stored, err = s.StoreFact(ctx, fact, labels.New(labels.TrustUntrusted, labels.ClassInternal, "web"), true)
	if err != nil {
		t.Fatalf("confirmed StoreFact: %v", err)
	}
	if stored.Trust != labels.TrustUser {
		t.Errorf("trust = %q, want promoted to user", stored.Trust)
	}
}

func TestStoreFact_ConfidenceBounds(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	userLabel := labels.New(labels.TrustUser, labels.ClassInternal, "chat")

	for _, bad := range []float64{-0.1, 1.5} {
		fact := Fact{UserID: "u1", Subject: "a", Predicate: "b", Object: "c", Confidence: bad}
		if _, err := s.StoreFact(ctx, fact, userLabel, false); err == nil {
			t.Errorf("confidence %v accepted", bad)
		}
	}

	stored, err := s.StoreFact(ctx, Fact{UserID: "u1", Subject: "a", Predicate: "b", Object: "c", Confidence: 0.4}, userLabel, false)
	if err != nil {
		t.Fatalf("StoreFact: %v", err)
	}
	got, err := s.QueryFacts(ctx, "u1", FactFilter{Subject: "a", Predicate: "b"})
	if err != nil {
		t.Fatalf("QueryFacts: %v", err)
	}
	if len(got) != 1 || got[0].ID != stored.ID || got[0].Confidence != 0.4 {
		t.Errorf("persisted = %+v, want confidence 0.4", got)
	}
}

func TestStoreFact_CategoryVisibilityDefaults(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	userLabel := labels.New(labels.TrustUser, labels.ClassInternal, "chat")

	tests := []struct {
		category string
		want     Visibility
	}{
		{"health", VisibilityOwner},
		{"financial", VisibilityOwner},
		{"family", VisibilityFamily},
		{"world", VisibilityAgent},
		{"", VisibilityOwner},
	}
	for _, tt := range tests {
		stored, err := s.StoreFact(ctx, Fact{UserID: "u1", Subject: "s", Predicate: "p", Object: "o", Category: tt.category}, userLabel, false)
		if err != nil {
			t.Fatalf("StoreFact(%q): %v", tt.category, err)
		}
		if stored.Visibility != tt.want {
			t.Errorf("category %q visibility = %q, want %q", tt.category, stored.Visibility, tt.want)
		}
	}

	bad := Fact{UserID: "u1", Subject: "s", Predicate: "p", Object: "o", Visibility: "everyone"}
	if _, err := s.StoreFact(ctx, bad, userLabel, false); err == nil {
		t.Error("invalid visibility accepted")
	}
}

func TestStoreFact_PromotionAuditRecord(t *testing.T) {
	dir := t.TempDir()
	auditor, err := audit.NewLogger(audit.DefaultConfig(dir), secrets.NewDetector())
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	s, err := NewStore(Config{Path: filepath.Join(t.TempDir(), "mem.db")}, secrets.NewDetector(), embeddings.NewMock(16), auditor, labels.Policy{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	fact := Fact{UserID: "u1", Subject: "user", Predicate: "lives_in", Object: "Berlin"}
	stored, err := s.StoreFact(context.Background(), fact, labels.New(labels.TrustUntrusted, labels.ClassInternal, "web"), true)
	if err != nil {
		t.Fatalf("StoreFact: %v", err)
	}
	auditor.Close()

	entries, err := audit.Query(dir, audit.Filter{Action: "semantic_memory_write_confirmed"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	meta := entries[0].Metadata
	want := map[string]string{
		"fact_id":        stored.ID,
		"original_trust": string(labels.TrustUntrusted),
		"promoted_trust": string(labels.TrustUser),
		"reason":         "user_confirmed_as_fact",
		"authorizer":     "u1",
	}
	for k, v := range want {
		if meta[k] != v {
			t.Errorf("metadata[%q] = %v, want %q", k, meta[k], v)
		}
	}
	for k, v := range meta {
		if str, ok := v.(string); ok && strings.Contains(str, "Berlin") {
			t.Errorf("fact content leaked into audit metadata %q", k)
		}
	}
}

func TestQueryFacts_VisibilityFiltering(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	userLabel := labels.New(labels.TrustUser, labels.ClassInternal, "chat")

	s.StoreFact(ctx, Fact{UserID: "u1", Subject: "user", Predicate: "prefers", Object: "vim", Category: "preference"}, userLabel, false)
	s.StoreFact(ctx, Fact{UserID: "u2", Subject: "user", Predicate: "prefers", Object: "emacs", Category: "preference"}, userLabel, false)
	s.StoreFact(ctx, Fact{UserID: "u2", Subject: "go", Predicate: "released_in", Object: "2009", Category: "world"}, userLabel, false)
	s.StoreFact(ctx, Fact{UserID: "u2", Subject: "wifi", Predicate: "password_hint", Object: "router box", Visibility: VisibilityForUser("u1")}, userLabel, false)
	s.StoreFact(ctx, Fact{UserID: "u2", Subject: "dinner", Predicate: "planned_for", Object: "friday", Category: "family"}, userLabel, false)

	got, err := s.QueryFacts(ctx, "u1", FactFilter{})
	if err != nil {
		t.Fatalf("QueryFacts: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("facts = %d, want own + agent + user-shared + family, got %+v", len(got), got)
	}
	for _, f := range got {
		if f.UserID == "u2" && f.Visibility == VisibilityOwner {
			t.Errorf("another user's owner-only fact leaked: %+v", f)
		}
	}

	// A third user sees the agent- and family-visible facts but not the
	// one shared specifically with u1.
	other, err := s.QueryFacts(ctx, "u3", FactFilter{})
	if err != nil {
		t.Fatalf("QueryFacts(u3): %v", err)
	}
	for _, f := range other {
		if f.Visibility == VisibilityForUser("u1") {
			t.Errorf("user-scoped fact leaked to u3: %+v", f)
		}
	}

	if _, err := s.QueryFacts(ctx, "", FactFilter{}); !errors.Is(err, ErrUserRequired) {
		t.Errorf("err = %v, want ErrUserRequired", err)
	}

	bySubject, _ := s.QueryFacts(ctx, "u1", FactFilter{Subject: "go"})
	if len(bySubject) != 1 || bySubject[0].Object != "2009" {
		t.Errorf("subject filter = %+v", bySubject)
	}
	byPair, _ := s.QueryFacts(ctx, "u1", FactFilter{Subject: "user", Predicate: "prefers"})
	if len(byPair) != 1 || byPair[0].Object != "vim" {
		t.Errorf("subject+predicate filter = %+v", byPair)
	}
}

func TestDeleteFact_OwnerOnly(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	userLabel := labels.New(labels.TrustUser, labels.ClassInternal, "chat")

	stored, err := s.StoreFact(ctx, Fact{UserID: "u1", Subject: "a", Predicate: "b", Object: "c"}, userLabel, false)
	if err != nil {
		t.Fatalf("StoreFact: %v", err)
	}
	if err := s.DeleteFact(ctx, "u2", stored.ID); err == nil {
		t.Error("non-owner delete succeeded")
	}
	if err := s.DeleteFact(ctx, "u1", stored.ID); err != nil {
		t.Errorf("owner delete: %v", err)
	}
}
