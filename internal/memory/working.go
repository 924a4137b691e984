// Package memory implements the three memory tiers: working (in-turn
// context), episodic (per-user conversation history with vector recall),
// and semantic (durable user facts).
package memory

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/labels"
)

// WorkingItem is one piece of in-context content with its label.
type WorkingItem struct {
	ID      string
	Content string
	Label   labels.Label
	Tokens  int
	System  bool
}

// Working holds the current turn's context window. It enforces item and
// token caps by evicting the oldest non-system items, and refuses
// secret-class content outright.
type Working struct {
	maxItems  int
	maxTokens int
	policy    labels.Policy

	mu    sync.Mutex
	items []WorkingItem
}

// NewWorking creates a working memory with the given caps. Non-positive
// caps fall back to defaults.
func NewWorking(maxItems, maxTokens int, policy labels.Policy) *Working {
	if maxItems <= 0 {
		maxItems = 50
	}
	if maxTokens <= 0 {
		maxTokens = 32000
	}
	return &Working{maxItems: maxItems, maxTokens: maxTokens, policy: policy}
}

// Add inserts an item, evicting as needed. Secret-class content is refused;
// the caller must redact first.
func (w *Working) Add(item WorkingItem) (string, error) {
	if v := w.policy.CheckWorkingWrite(item.Label); !v.Allowed() {
		return "", fmt.Errorf("memory: working write refused: %s", v.Reason)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Tokens <= 0 {
		item.Tokens = estimateTokens(item.Content)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.items = append(w.items, item)
	w.evictLocked()
	return item.ID, nil
}

// evictLocked drops the oldest non-system items until both caps hold.
// System items never leave; if only system items remain, the caps yield.
func (w *Working) evictLocked() {
	for (len(w.items) > w.maxItems || w.tokensLocked() > w.maxTokens) && w.hasEvictableLocked() {
		for i, item := range w.items {
			if !item.System {
				w.items = append(w.items[:i], w.items[i+1:]...)
				break
			}
		}
	}
}

func (w *Working) hasEvictableLocked() bool {
	for _, item := range w.items {
		if !item.System {
			return true
		}
	}
	return false
}

func (w *Working) tokensLocked() int {
	total := 0
	for _, item := range w.items {
		total += item.Tokens
	}
	return total
}

// Items returns a copy of the current window in insertion order.
func (w *Working) Items() []WorkingItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WorkingItem, len(w.items))
	copy(out, w.items)
	return out
}

// Tokens returns the current token total.
func (w *Working) Tokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokensLocked()
}

// CombinedLabel folds all item labels: the result carries the minimum trust
// and maximum sensitivity present in the window.
func (w *Working) CombinedLabel() labels.Label {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.items) == 0 {
		return labels.New(labels.TrustSystem, labels.ClassPublic, "working_memory")
	}
	list := make([]labels.Label, len(w.items))
	for i, item := range w.items {
		list[i] = item.Label
	}
	return labels.CombineAll(list)
}

// Clear empties the window, system items included.
func (w *Working) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = nil
}

// estimateTokens approximates tokens as characters over four. Close enough
// for cap enforcement.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
