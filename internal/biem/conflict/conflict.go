// Package conflict implements the ConflictChecker: detection of cognitive
// dissonance between memory nodes, preferring an LLM-backed verification
// capability with a heuristic fallback when that capability is unset.
// Grounded on the source conflict checker
// (memory/operators/conflict.py).
package conflict

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/biemlabs/biem/internal/biem/models"
)

// Config tunes similarity gating and the action a detected conflict asks for.
type Config struct {
	SimilarityThreshold float64
	ConfidenceThreshold float64

	UseHeuristicFallback bool
	PolarityThreshold    float64

	AutoResolveLowEnergy bool
	LowEnergyThreshold   float64
}

// DefaultConfig mirrors the source ConflictConfig defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:  0.8,
		ConfidenceThreshold:  0.7,
		UseHeuristicFallback: true,
		PolarityThreshold:    0.5,
		AutoResolveLowEnergy: true,
		LowEnergyThreshold:   0.3,
	}
}

// VerifyResult is the structured answer the verification capability returns.
type VerifyResult struct {
	IsConflict   bool
	ConflictType string
	Description  string
	Confidence   float64
}

// VerifyConflictFunc is the external LLM-backed verification capability.
type VerifyConflictFunc func(ctx context.Context, contentA, contentB string) (VerifyResult, error)

// Checker detects and manages conflicts between memory nodes.
type Checker struct {
	cfg            Config
	verifyConflict VerifyConflictFunc // may be nil: heuristic fallback applies
}

// New constructs a Checker.
func New(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

// SetVerifyConflictCallback installs the LLM-based verification capability.
func (c *Checker) SetVerifyConflictCallback(f VerifyConflictFunc) {
	c.verifyConflict = f
}

// CheckConflicts compares newNode against each existing node, returning a
// DissonanceSignal for every confirmed conflict.
func (c *Checker) CheckConflicts(ctx context.Context, newNode *models.Node, existing []*models.Node) []models.DissonanceSignal {
	var signals []models.DissonanceSignal

	for _, old := range existing {
		if old.ID == newNode.ID {
			continue
		}

		similarity := computeSimilarity(newNode, old)
		if similarity < c.cfg.SimilarityThreshold {
			continue
		}

		conflictNode := c.detectConflict(ctx, newNode, old, similarity)
		if conflictNode == nil {
			continue
		}

		signals = append(signals, c.createDissonanceSignal(conflictNode, old))
	}

	return signals
}

func (c *Checker) detectConflict(ctx context.Context, newNode, existingNode *models.Node, similarity float64) *models.ConflictNode {
	if c.verifyConflict != nil {
		result, err := c.verifyConflict(ctx, newNode.Content, existingNode.Content)
		if err == nil {
			if !result.IsConflict || result.Confidence < c.cfg.ConfidenceThreshold {
				return nil
			}
			conflictType := result.ConflictType
			if conflictType == "" {
				conflictType = "contradiction"
			}
			cn := models.NewConflictNode()
			cn.NodeAID = existingNode.ID
			cn.NodeBID = newNode.ID
			cn.Similarity = similarity
			cn.ConflictType = conflictType
			cn.Description = result.Description
			return cn
		}
		if !c.cfg.UseHeuristicFallback {
			return nil
		}
	}

	if !c.cfg.UseHeuristicFallback {
		return nil
	}

	if !heuristicConflictCheck(c.cfg, newNode, existingNode) {
		return nil
	}

	cn := models.NewConflictNode()
	cn.NodeAID = existingNode.ID
	cn.NodeBID = newNode.ID
	cn.Similarity = similarity
	cn.ConflictType = "potential_contradiction"
	cn.Description = "heuristic: sentiment polarity differs significantly"
	return cn
}

var negationPatterns = []string{
	"not ", "don't ", "doesn't ", "isn't ", "aren't ", "won't ", "can't ", "shouldn't ", "never ", "no longer ",
}

var contradictionPairs = [][2]string{
	{"true", "false"}, {"yes", "no"}, {"always", "never"}, {"all", "none"},
	{"increase", "decrease"}, {"start", "stop"}, {"enable", "disable"},
	{"allow", "deny"}, {"success", "failure"},
}

// heuristicConflictCheck is the deprecated fallback used only when no
// verification capability is installed (or it failed and the fallback is
// enabled): sentiment polarity reversal, asymmetric negation, or
// contradicting keyword pairs.
func heuristicConflictCheck(cfg Config, a, b *models.Node) bool {
	sentA, sentB := a.Metadata.Sentiment, b.Metadata.Sentiment
	if math.Abs(sentA-sentB) >= cfg.PolarityThreshold {
		if (sentA > 0 && sentB < 0) || (sentA < 0 && sentB > 0) {
			return true
		}
	}

	contentA := strings.ToLower(a.Content)
	contentB := strings.ToLower(b.Content)

	hasNegationA := containsAny(contentA, negationPatterns)
	hasNegationB := containsAny(contentB, negationPatterns)
	if hasNegationA != hasNegationB {
		return true
	}

	for _, pair := range contradictionPairs {
		pos, neg := pair[0], pair[1]
		if (strings.Contains(contentA, pos) && strings.Contains(contentB, neg)) ||
			(strings.Contains(contentA, neg) && strings.Contains(contentB, pos)) {
			return true
		}
	}

	return false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func computeSimilarity(a, b *models.Node) float64 {
	if len(a.Vector) == 0 || len(b.Vector) == 0 || len(a.Vector) != len(b.Vector) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a.Vector {
		dot += float64(a.Vector[i]) * float64(b.Vector[i])
		normA += float64(a.Vector[i]) * float64(a.Vector[i])
		normB += float64(b.Vector[i]) * float64(b.Vector[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (c *Checker) createDissonanceSignal(conflictNode *models.ConflictNode, existingNode *models.Node) models.DissonanceSignal {
	var action models.ActionRequired
	var priority float64

	switch {
	case c.cfg.AutoResolveLowEnergy && existingNode.Energy < c.cfg.LowEnergyThreshold:
		action = models.ActionRestructure
		priority = 0.3
	case conflictNode.ConflictType == "update":
		action = models.ActionConfirm
		priority = 0.5
	default:
		action = models.ActionConfirm
		priority = 0.7
	}

	return models.DissonanceSignal{
		Conflict:       conflictNode,
		ActionRequired: action,
		Priority:       priority,
		Context:        fmt.Sprintf("existing memory energy: %.2f", existingNode.Energy),
	}
}

// ResolveConflict marks a conflict as resolved with the given resolution
// label (e.g. "kept_new", "kept_old", "merged").
func ResolveConflict(conflictNode *models.ConflictNode, resolution string) {
	conflictNode.Resolved = true
	conflictNode.Resolution = resolution
}

// GetConflictSummary renders a human-readable summary of conflicts.
func GetConflictSummary(conflicts []*models.ConflictNode) string {
	if len(conflicts) == 0 {
		return "No conflicts detected."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Detected %d potential conflict(s):\n", len(conflicts))
	for i, cn := range conflicts {
		status := "pending"
		if cn.Resolved {
			status = "resolved"
		}
		desc := cn.Description
		if len(desc) > 100 {
			desc = desc[:100]
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, status, cn.ConflictType, desc)
	}
	return b.String()
}
