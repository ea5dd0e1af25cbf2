package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/biemlabs/biem/internal/biem/storage/l3"
)

// ConflictConfig tunes conflict detection.
type ConflictConfig struct {
	SimilarityThreshold float64
	UseLLMReasoning     bool
}

// DefaultConflictConfig mirrors the source ConflictConfig defaults.
func DefaultConflictConfig() ConflictConfig {
	return ConflictConfig{SimilarityThreshold: 0.7, UseLLMReasoning: false}
}

// ConflictDetector finds direct value conflicts between a new triple and
// the store's existing triples, grounded on the source conflict detector
// (memory/knowledge/conflict.py).
type ConflictDetector struct {
	cfg   ConflictConfig
	store *l3.Store
}

// NewConflictDetector constructs a ConflictDetector over an L3 store.
func NewConflictDetector(cfg ConflictConfig, store *l3.Store) *ConflictDetector {
	return &ConflictDetector{cfg: cfg, store: store}
}

// Check compares newTriple against the store's existing triples, returning
// the first direct conflict found (same subject+predicate, different
// object).
func (d *ConflictDetector) Check(ctx context.Context, newTriple *Triple) (ConflictResult, error) {
	existing, err := d.store.FindPotentialConflict(ctx, newTriple.Subject, newTriple.Predicate, newTriple.Object)
	if err != nil {
		return ConflictResult{}, err
	}
	if existing == nil {
		return ConflictResult{}, nil
	}
	if !isDirectConflict(newTriple, existing) {
		return ConflictResult{}, nil
	}
	return ConflictResult{
		HasConflict:    true,
		ExistingTriple: existing,
		NewTriple:      newTriple,
		ConflictType:   "value_change",
		Suggestion:     generateSuggestion(existing, newTriple),
	}, nil
}

func isDirectConflict(newT, existing *Triple) bool {
	return strings.EqualFold(newT.Subject, existing.Subject) &&
		strings.EqualFold(newT.Predicate, existing.Predicate) &&
		!strings.EqualFold(newT.Object, existing.Object)
}

func generateSuggestion(existing, newT *Triple) string {
	displayPredicate := strings.ReplaceAll(existing.Predicate, "_", " ")
	return fmt.Sprintf("I have recorded that %s's %s is %s. You mentioned %s — should this be updated?",
		existing.Subject, displayPredicate, existing.Object, newT.Object)
}

// CheckBatch runs Check over each triple in order.
func (d *ConflictDetector) CheckBatch(ctx context.Context, triples []*Triple) ([]ConflictResult, error) {
	results := make([]ConflictResult, 0, len(triples))
	for _, t := range triples {
		r, err := d.Check(ctx, t)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// isAgentAutoUpdate applies the plugin auto-update policy: an
// agent-sourced triple with strictly higher confidence than the existing
// triple updates without requiring user confirmation.
func isAgentAutoUpdate(conflict ConflictResult) bool {
	if !conflict.HasConflict || conflict.NewTriple == nil || conflict.ExistingTriple == nil {
		return false
	}
	src := conflict.NewTriple.Source
	if src != SourceAgentSearch && src != SourceAgentSummary {
		return false
	}
	return conflict.NewTriple.Confidence > conflict.ExistingTriple.Confidence
}

// pendingEntry pairs a new triple with the existing triple it conflicts
// with (nil when the pending entry is a fresh store, not an update).
type pendingEntry struct {
	newTriple *Triple
	existing  *Triple
}

// ConfirmationManager tracks pending knowledge updates awaiting explicit
// user confirmation, keyed by "pending_<triple-id>". Single-writer under
// the knowledge façade.
type ConfirmationManager struct {
	store *l3.Store

	mu      sync.Mutex
	pending map[string]pendingEntry
}

// NewConfirmationManager constructs a ConfirmationManager.
func NewConfirmationManager(store *l3.Store) *ConfirmationManager {
	return &ConfirmationManager{store: store, pending: make(map[string]pendingEntry)}
}

// AddPending registers a new pending update and returns its key.
func (c *ConfirmationManager) AddPending(newTriple, existing *Triple) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "pending_" + newTriple.ID
	c.pending[key] = pendingEntry{newTriple: newTriple, existing: existing}
	return key
}

// GetPending returns the pending entry for a key, if any.
func (c *ConfirmationManager) GetPending(key string) (newTriple, existing *Triple, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[key]
	if !ok {
		return nil, nil, false
	}
	return e.newTriple, e.existing, true
}

// HasPending reports whether any update is pending.
func (c *ConfirmationManager) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// AllPendingKeys returns every pending update's key.
func (c *ConfirmationManager) AllPendingKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	return keys
}

// ClearAll drops every pending update.
func (c *ConfirmationManager) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]pendingEntry)
}

// Confirm executes a pending update: if it conflicted with an existing
// triple, the existing triple is overwritten (version bump, history row);
// otherwise the new triple is stored fresh. Both paths are marked
// user-verified at full confidence.
func (c *ConfirmationManager) Confirm(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}

	entry.newTriple.Source = SourceUserVerified
	entry.newTriple.Confidence = 1.0
	if _, err := c.store.StoreTriple(ctx, entry.newTriple); err != nil {
		return false, err
	}
	return true, nil
}

// Reject discards a pending update without storing anything.
func (c *ConfirmationManager) Reject(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	delete(c.pending, key)
	return ok
}

// GenerateConfirmationPrompt renders a human-readable prompt for a
// conflict result.
func GenerateConfirmationPrompt(conflict ConflictResult) string {
	if conflict.ExistingTriple == nil || conflict.NewTriple == nil {
		return ""
	}
	existing, newT := conflict.ExistingTriple, conflict.NewTriple
	displayPredicate := strings.ReplaceAll(existing.Predicate, "_", " ")
	return fmt.Sprintf("I have recorded that %s's %s is %s.\n\nYou mentioned %s. Has this information been updated?",
		existing.Subject, displayPredicate, existing.Object, newT.Object)
}

var positiveResponses = []string{"yes", "y", "confirm", "confirmed", "ok", "sure", "update", "是", "是的", "对", "确认", "更新", "确定", "好的"}
var negativeResponses = []string{"no", "n", "cancel", "否", "不", "不是", "取消", "算了", "不用"}

// ClassifyResponse matches a free-text confirmation response against the
// closed positive/negative vocabulary lists. The second return value is
// false when the message doesn't match either list.
func ClassifyResponse(message string) (positive bool, recognized bool) {
	lower := strings.ToLower(strings.TrimSpace(message))
	tokens := tokenizeResponse(lower)
	isPositive := anyTokenIn(tokens, positiveResponses)
	isNegative := anyTokenIn(tokens, negativeResponses)
	if isPositive == isNegative {
		return false, false
	}
	return isPositive, true
}

// tokenizeResponse splits on anything that isn't a letter so that
// single-character vocabulary entries (e.g. "y"/"n") only match a
// standalone token, not a letter embedded in an unrelated word.
func tokenizeResponse(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz", r) && r < 0x4e00
	})
}

func anyTokenIn(tokens, vocabulary []string) bool {
	for _, tok := range tokens {
		for _, w := range vocabulary {
			if tok == w {
				return true
			}
		}
	}
	return false
}
