// Package labels implements the trust/data-class lattice attached to every
// externally-sourced string, plus the flow-control rules that govern
// cross-boundary writes and egress.
package labels

import (
	"time"

	"github.com/haasonsaas/warden/internal/secrets"
)

// TrustLevel orders how much the content's origin is trusted.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustUser      TrustLevel = "user"
	TrustVerified  TrustLevel = "verified"
	TrustSystem    TrustLevel = "system"
)

var trustRank = map[TrustLevel]int{
	TrustUntrusted: 0,
	TrustUser:      1,
	TrustVerified:  2,
	TrustSystem:    3,
}

// DataClass orders how sensitive the content is.
type DataClass string

const (
	ClassPublic    DataClass = "public"
	ClassInternal  DataClass = "internal"
	ClassSensitive DataClass = "sensitive"
	ClassSecret    DataClass = "secret"
)

var classRank = map[DataClass]int{
	ClassPublic:    0,
	ClassInternal:  1,
	ClassSensitive: 2,
	ClassSecret:    3,
}

// Source records where labelled content came from.
type Source struct {
	Origin     string    `json:"origin"`
	Timestamp  time.Time `json:"timestamp"`
	VerifiedBy string    `json:"verified_by,omitempty"`
}

// Promotion is the audit record attached when a label's trust level was
// raised by explicit user confirmation.
type Promotion struct {
	OriginalTrustLevel TrustLevel `json:"original_trust_level"`
	PromotedTo         TrustLevel `json:"promoted_to"`
	Reason             string     `json:"reason"`
	AuthorizedBy       string     `json:"authorized_by"`
	PromotedAt         time.Time  `json:"promoted_at"`
}

// Label is the (trustLevel, dataClass) pair plus provenance attached to any
// content crossing a boundary.
type Label struct {
	Trust     TrustLevel `json:"trust_level"`
	Class     DataClass  `json:"data_class"`
	Source    Source     `json:"source"`
	Promotion *Promotion `json:"label_promotion,omitempty"`
}

// New creates a label with the given levels and origin, stamped now.
func New(trust TrustLevel, class DataClass, origin string) Label {
	return Label{
		Trust:  trust,
		Class:  class,
		Source: Source{Origin: origin, Timestamp: time.Now()},
	}
}

// Combine merges two labels: minimum trust, maximum sensitivity. The source
// of the less-trusted input wins, since it dominates the result.
func Combine(a, b Label) Label {
	out := a
	if trustRank[b.Trust] < trustRank[a.Trust] {
		out.Trust = b.Trust
		out.Source = b.Source
	}
	if classRank[b.Class] > classRank[a.Class] {
		out.Class = b.Class
	}
	out.Promotion = nil
	return out
}

// CombineAll folds Combine over a non-empty list of labels.
func CombineAll(list []Label) Label {
	if len(list) == 0 {
		return New(TrustSystem, ClassPublic, "empty")
	}
	out := list[0]
	for _, l := range list[1:] {
		out = Combine(out, l)
	}
	return out
}

// TrustAtLeast reports whether the label's trust is at least min.
func (l Label) TrustAtLeast(min TrustLevel) bool {
	return trustRank[l.Trust] >= trustRank[min]
}

// ClassAtLeast reports whether the label's data class is at least min.
func (l Label) ClassAtLeast(min DataClass) bool {
	return classRank[l.Class] >= classRank[min]
}

// Promote raises the label's trust to the given level, recording who
// authorized it and why. The caller audits the promotion.
func (l Label) Promote(to TrustLevel, authorizedBy, reason string) Label {
	out := l
	out.Promotion = &Promotion{
		OriginalTrustLevel: l.Trust,
		PromotedTo:         to,
		Reason:             reason,
		AuthorizedBy:       authorizedBy,
		PromotedAt:         time.Now(),
	}
	out.Trust = to
	return out
}

// LabelOutput computes the label for a tool's output: the capability's
// declared defaults, with the data class promoted when the secret detector
// found probable (sensitive) or definite (secret) material.
func LabelOutput(outputTrust TrustLevel, outputClass DataClass, origin string, findings []secrets.Finding) Label {
	l := New(outputTrust, outputClass, origin)
	if secrets.HasConfidence(findings, secrets.ConfidenceDefinite) {
		if classRank[l.Class] < classRank[ClassSecret] {
			l.Class = ClassSecret
		}
	} else if secrets.HasConfidence(findings, secrets.ConfidenceProbable) {
		if classRank[l.Class] < classRank[ClassSensitive] {
			l.Class = ClassSensitive
		}
	}
	return l
}
