package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/labels"
)

// Visibility controls who may read a memory entry. Besides the three fixed
// levels, a fact can be shared with one specific user via VisibilityForUser.
type Visibility string

const (
	// VisibilityOwner restricts the entry to the user it belongs to.
	VisibilityOwner Visibility = "owner"

	// VisibilityFamily shares the entry with the household.
	VisibilityFamily Visibility = "family"

	// VisibilityAgent makes the entry readable in any agent context.
	VisibilityAgent Visibility = "agent"
)

// VisibilityForUser shares an entry with exactly one other user.
func VisibilityForUser(userID string) Visibility {
	return Visibility("user:" + userID)
}

// readableBy reports whether a requester passes the visibility check on an
// entry owned by ownerID.
func (v Visibility) readableBy(requesterID, ownerID string) bool {
	if requesterID == ownerID {
		return true
	}
	switch v {
	case VisibilityFamily, VisibilityAgent:
		return true
	}
	return v == VisibilityForUser(requesterID)
}

// FactType categorizes a semantic fact.
type FactType string

const (
	FactPreference   FactType = "preference"
	FactEntity       FactType = "entity"
	FactRelationship FactType = "relationship"
	FactInstruction  FactType = "instruction"
)

// ErrConfirmationRequired is returned when a fact's provenance needs
// explicit user confirmation before it may be stored.
var ErrConfirmationRequired = errors.New("memory: user confirmation required to store fact")

// Fact is a durable subject-predicate-object statement about or for a user.
type Fact struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	FactType   FactType          `json:"fact_type,omitempty"`
	Subject    string            `json:"subject"`
	Predicate  string            `json:"predicate"`
	Object     string            `json:"object"`
	Category   string            `json:"category,omitempty"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source,omitempty"`
	Visibility Visibility        `json:"visibility"`
	Trust      labels.TrustLevel `json:"trust_level"`
	CreatedAt  time.Time         `json:"created_at"`
}

// StoreFact writes a durable fact after the flow-control check. Untrusted
// provenance is refused unless userConfirmed is set, in which case the
// label is promoted and the full promotion record is audited, never the
// fact content.
func (s *Store) StoreFact(ctx context.Context, fact Fact, label labels.Label, userConfirmed bool) (*Fact, error) {
	if fact.UserID == "" {
		return nil, ErrUserRequired
	}
	if fact.Subject == "" || fact.Predicate == "" || fact.Object == "" {
		return nil, errors.New("memory: fact requires subject, predicate, and object")
	}
	if fact.Confidence < 0 || fact.Confidence > 1 {
		return nil, fmt.Errorf("memory: confidence %v outside [0,1]", fact.Confidence)
	}
	if fact.Confidence == 0 {
		fact.Confidence = 1
	}

	verdict := s.policy.CheckSemanticWrite(label)
	promoted := false
	switch verdict.Effect {
	case labels.Allow:
	case labels.Ask:
		if !userConfirmed {
			return nil, fmt.Errorf("%w: %s", ErrConfirmationRequired, verdict.Reason)
		}
	case labels.Deny:
		if !verdict.CanOverride || !userConfirmed {
			return nil, fmt.Errorf("memory: fact refused: %s", verdict.Reason)
		}
		label = label.Promote(labels.TrustUser, fact.UserID, "user_confirmed_as_fact")
		promoted = true
	}

	if s.detector != nil {
		fact.Object = s.detector.Redact(fact.Object).Redacted
	}

	fact.ID = uuid.NewString()
	fact.Trust = label.Trust
	fact.CreatedAt = time.Now().UTC()
	if fact.Visibility == "" {
		fact.Visibility = s.defaultVisibility(fact.Category)
	} else if _, err := parseVisibility(string(fact.Visibility)); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, user_id, fact_type, subject, predicate, object, category, confidence, source, visibility, trust_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.UserID, string(fact.FactType), fact.Subject, fact.Predicate, fact.Object,
		fact.Category, fact.Confidence, fact.Source, string(fact.Visibility), string(fact.Trust), fact.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory: insert fact: %w", err)
	}

	if promoted && s.auditor != nil {
		p := label.Promotion
		err := s.auditor.Log(audit.Entry{
			Category: audit.CategoryMemory,
			Action:   "semantic_memory_write_confirmed",
			Severity: audit.SeverityInfo,
			UserID:   fact.UserID,
			Metadata: map[string]any{
				"fact_id":        fact.ID,
				"original_trust": string(p.OriginalTrustLevel),
				"promoted_trust": string(p.PromotedTo),
				"reason":         p.Reason,
				"authorizer":     p.AuthorizedBy,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("memory: audit promotion: %w", err)
		}
	}
	return &fact, nil
}

// defaultVisibility applies the per-category defaults: health and financial
// facts stay with their owner, household facts go to the family, anything
// unconfigured falls back to owner-only.
func (s *Store) defaultVisibility(category string) Visibility {
	if v, ok := s.cfg.VisibilityDefaults[category]; ok {
		return v
	}
	return VisibilityOwner
}

// FactFilter narrows QueryFacts.
type FactFilter struct {
	Subject   string
	Predicate string
	Category  string
	Limit     int
}

// QueryFacts returns the facts visible to the requester: their own, family-
// and agent-visible facts from other users, and facts shared with them
// specifically. A requester id is mandatory; there is no anonymous read
// path.
func (s *Store) QueryFacts(ctx context.Context, requesterID string, filter FactFilter) ([]Fact, error) {
	if requesterID == "" {
		return nil, ErrUserRequired
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, user_id, fact_type, subject, predicate, object, category, confidence, source, visibility, trust_level, created_at
		FROM facts WHERE (user_id = ? OR visibility IN (?, ?) OR visibility = ?)`
	args := []any{requesterID, string(VisibilityFamily), string(VisibilityAgent), string(VisibilityForUser(requesterID))}
	if filter.Subject != "" {
		query += " AND subject = ?"
		args = append(args, filter.Subject)
	}
	if filter.Predicate != "" {
		query += " AND predicate = ?"
		args = append(args, filter.Predicate)
	}
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var factType, category, source, visibility, trust string
		if err := rows.Scan(&f.ID, &f.UserID, &factType, &f.Subject, &f.Predicate, &f.Object,
			&category, &f.Confidence, &source, &visibility, &trust, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan fact: %w", err)
		}
		f.FactType = FactType(factType)
		f.Category = category
		f.Source = source
		f.Visibility = Visibility(visibility)
		f.Trust = labels.TrustLevel(trust)
		if !f.Visibility.readableBy(requesterID, f.UserID) {
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFact removes a fact. Only the owner may delete it.
func (s *Store) DeleteFact(ctx context.Context, requesterID, factID string) error {
	if requesterID == "" {
		return ErrUserRequired
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ? AND user_id = ?`, factID, requesterID)
	if err != nil {
		return fmt.Errorf("memory: delete fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory: fact %s not found for user", factID)
	}
	return nil
}

// parseVisibility validates a stored or configured visibility value.
func parseVisibility(v string) (Visibility, error) {
	switch Visibility(v) {
	case VisibilityOwner, VisibilityFamily, VisibilityAgent:
		return Visibility(v), nil
	}
	if strings.HasPrefix(v, "user:") && len(v) > len("user:") {
		return Visibility(v), nil
	}
	return "", fmt.Errorf("memory: invalid visibility %q", v)
}
