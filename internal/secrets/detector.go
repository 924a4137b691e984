// Package secrets implements deterministic secret detection and redaction.
// Text crossing a trust boundary (tool output, memory writes, audit error
// messages) is scanned against tiered patterns; findings are redacted in
// place and summarized without ever carrying the matched secret.
package secrets

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Confidence ranks how certain the detector is that a finding is a secret.
type Confidence string

const (
	// ConfidenceDefinite is a structural match (token prefix, PEM header).
	ConfidenceDefinite Confidence = "definite"
	// ConfidenceProbable is a keyed match paired with a high-entropy payload.
	ConfidenceProbable Confidence = "probable"
	// ConfidencePossible is a bare high-entropy string.
	ConfidencePossible Confidence = "possible"
)

var confidenceRank = map[Confidence]int{
	ConfidencePossible: 1,
	ConfidenceProbable: 2,
	ConfidenceDefinite: 3,
}

// Less reports whether c ranks strictly below other.
func (c Confidence) Less(other Confidence) bool {
	return confidenceRank[c] < confidenceRank[other]
}

// Finding describes one detected secret. The matched text itself is never
// stored; RedactedContext carries only the surrounding non-secret characters.
type Finding struct {
	Type            string     `json:"type"`
	Confidence      Confidence `json:"confidence"`
	Offset          int        `json:"offset"`
	Length          int        `json:"length"`
	RedactedContext string     `json:"redacted_context,omitempty"`
}

// Summary aggregates findings for audit without leaking their content.
type Summary struct {
	CountsByType  map[string]int `json:"counts_by_type"`
	MaxConfidence Confidence     `json:"max_confidence,omitempty"`
}

// RedactResult pairs redacted text with the findings that produced it.
type RedactResult struct {
	Redacted string
	Findings []Finding
}

type pattern struct {
	name       string
	confidence Confidence
	re         *regexp.Regexp
	// payloadGroup, when > 0, selects the subexpression that must pass the
	// entropy check for the match to count (probable tier).
	payloadGroup int
}

// Detector scans text against tiered secret patterns. It is stateless and
// safe for concurrent use.
type Detector struct {
	definite []pattern
	probable []pattern
	possible *regexp.Regexp

	// contexts that disqualify a bare high-entropy match
	falsePositives []*regexp.Regexp

	minEntropy float64
}

const (
	// minPossibleLength is the shortest string the entropy tier considers.
	minPossibleLength = 32

	// defaultMinEntropy is the Shannon entropy floor (bits per character)
	// for the possible tier.
	defaultMinEntropy = 4.0

	contextWindow = 12
)

// NewDetector creates a detector with the built-in pattern tiers.
func NewDetector() *Detector {
	return &Detector{
		definite: []pattern{
			{name: "github_token", confidence: ConfidenceDefinite,
				re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`)},
			{name: "aws_access_key", confidence: ConfidenceDefinite,
				re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
			{name: "private_key", confidence: ConfidenceDefinite,
				re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----(?s:.*?)(?:-----END (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----|\z)`)},
			{name: "jwt", confidence: ConfidenceDefinite,
				re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`)},
			{name: "slack_token", confidence: ConfidenceDefinite,
				re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
			{name: "stripe_key", confidence: ConfidenceDefinite,
				re: regexp.MustCompile(`\b[sr]k_live_[A-Za-z0-9]{16,}\b`)},
			{name: "anthropic_key", confidence: ConfidenceDefinite,
				re: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{24,}\b`)},
		},
		probable: []pattern{
			{name: "keyed_secret", confidence: ConfidenceProbable, payloadGroup: 2,
				re: regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|secret|token|bearer|authorization|password|passwd)\b["']?\s*[:=]?\s*["']?([A-Za-z0-9+/_\-.]{16,})`)},
		},
		possible: regexp.MustCompile(`[A-Za-z0-9+/=_-]{32,}`),
		falsePositives: []*regexp.Regexp{
			// UUIDs
			regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
			// sha1 / sha256 hex digests
			regexp.MustCompile(`^[0-9a-f]{40}$`),
			regexp.MustCompile(`^[0-9a-f]{64}$`),
		},
		minEntropy: defaultMinEntropy,
	}
}

// Scan returns all findings in text, ordered by offset. Overlapping matches
// keep the highest-confidence finding.
func (d *Detector) Scan(text string) []Finding {
	if text == "" {
		return nil
	}

	var findings []Finding
	for _, p := range d.definite {
		findings = append(findings, d.matchAll(p, text)...)
	}
	for _, p := range d.probable {
		findings = append(findings, d.matchKeyed(p, text)...)
	}
	findings = append(findings, d.matchEntropy(text)...)

	return dedupeFindings(findings)
}

// Redact replaces every finding with a [REDACTED:<type>] marker. Redaction
// is idempotent: scanning the output yields no findings.
func (d *Detector) Redact(text string) RedactResult {
	findings := d.Scan(text)
	if len(findings) == 0 {
		return RedactResult{Redacted: text}
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, f := range findings {
		b.WriteString(text[last:f.Offset])
		b.WriteString(redactionMarker(f.Type))
		last = f.Offset + f.Length
	}
	b.WriteString(text[last:])

	return RedactResult{Redacted: b.String(), Findings: findings}
}

// Summarize aggregates findings by type for audit metadata.
func Summarize(findings []Finding) Summary {
	s := Summary{CountsByType: make(map[string]int)}
	for _, f := range findings {
		s.CountsByType[f.Type]++
		if s.MaxConfidence == "" || s.MaxConfidence.Less(f.Confidence) {
			s.MaxConfidence = f.Confidence
		}
	}
	return s
}

// HasConfidence reports whether any finding reaches at least the given tier.
func HasConfidence(findings []Finding, min Confidence) bool {
	for _, f := range findings {
		if !f.Confidence.Less(min) {
			return true
		}
	}
	return false
}

func redactionMarker(typ string) string {
	return fmt.Sprintf("[REDACTED:%s]", typ)
}

func (d *Detector) matchAll(p pattern, text string) []Finding {
	var out []Finding
	for _, loc := range p.re.FindAllStringIndex(text, -1) {
		out = append(out, Finding{
			Type:            p.name,
			Confidence:      p.confidence,
			Offset:          loc[0],
			Length:          loc[1] - loc[0],
			RedactedContext: contextAround(text, loc[0], loc[1]),
		})
	}
	return out
}

func (d *Detector) matchKeyed(p pattern, text string) []Finding {
	var out []Finding
	for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[2*p.payloadGroup], loc[2*p.payloadGroup+1]
		if start < 0 {
			continue
		}
		payload := text[start:end]
		if shannonEntropy(payload) < 3.0 && !looksRandom(payload) {
			continue
		}
		out = append(out, Finding{
			Type:            p.name,
			Confidence:      p.confidence,
			Offset:          start,
			Length:          end - start,
			RedactedContext: contextAround(text, start, end),
		})
	}
	return out
}

func (d *Detector) matchEntropy(text string) []Finding {
	var out []Finding
	for _, loc := range d.possible.FindAllStringIndex(text, -1) {
		candidate := text[loc[0]:loc[1]]
		if len(candidate) < minPossibleLength {
			continue
		}
		if d.isFalsePositive(text, loc[0], candidate) {
			continue
		}
		if shannonEntropy(candidate) < d.minEntropy {
			continue
		}
		out = append(out, Finding{
			Type:            "high_entropy_string",
			Confidence:      ConfidencePossible,
			Offset:          loc[0],
			Length:          loc[1] - loc[0],
			RedactedContext: contextAround(text, loc[0], loc[1]),
		})
	}
	return out
}

func (d *Detector) isFalsePositive(text string, offset int, candidate string) bool {
	for _, re := range d.falsePositives {
		if re.MatchString(candidate) {
			return true
		}
	}
	// base64 image payloads and URL path segments are noise, not secrets
	prefix := text[maxInt(0, offset-64):offset]
	if strings.Contains(prefix, "base64,") {
		return true
	}
	if i := strings.LastIndexAny(prefix, " \t\n"); strings.Contains(prefix[i+1:], "://") {
		return true
	}
	return false
}

// dedupeFindings sorts by offset and resolves overlaps in favor of the
// higher-confidence (then longer) finding.
func dedupeFindings(findings []Finding) []Finding {
	if len(findings) <= 1 {
		return findings
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Offset != findings[j].Offset {
			return findings[i].Offset < findings[j].Offset
		}
		return confidenceRank[findings[i].Confidence] > confidenceRank[findings[j].Confidence]
	})

	out := findings[:0]
	for _, f := range findings {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if f.Offset < prev.Offset+prev.Length {
				if confidenceRank[f.Confidence] > confidenceRank[prev.Confidence] ||
					(f.Confidence == prev.Confidence && f.Offset+f.Length > prev.Offset+prev.Length) {
					// extend coverage so redaction removes the whole span
					end := maxInt(prev.Offset+prev.Length, f.Offset+f.Length)
					prev.Type = f.Type
					prev.Confidence = f.Confidence
					prev.Length = end - prev.Offset
				}
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// contextAround returns up to contextWindow characters either side of the
// match, with the match itself elided.
func contextAround(text string, start, end int) string {
	before := text[maxInt(0, start-contextWindow):start]
	after := text[end:minInt(len(text), end+contextWindow)]
	return strings.TrimSpace(before) + "[...]" + strings.TrimSpace(after)
}

// shannonEntropy computes bits of entropy per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int, len(s))
	for _, r := range s {
		freq[r]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// looksRandom is a cheap check for shorter keyed payloads where entropy is
// unreliable: mixed case plus digits.
func looksRandom(s string) bool {
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	return upper && lower && digit
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
