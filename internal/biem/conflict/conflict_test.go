package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/biemlabs/biem/internal/biem/models"
)

func node(id, content string, vector []float32, sentiment float64, energy float64) *models.Node {
	n := models.NewNode()
	n.ID = id
	n.Content = content
	n.Vector = vector
	n.Metadata.Sentiment = sentiment
	n.Energy = energy
	return n
}

func TestCheckConflictsSkipsBelowSimilarityThreshold(t *testing.T) {
	c := New(DefaultConfig())
	newNode := node("new", "I love coffee", []float32{1, 0, 0}, 0.8, 1.0)
	existing := node("old", "I hate tea", []float32{0, 1, 0}, -0.8, 1.0)

	signals := c.CheckConflicts(context.Background(), newNode, []*models.Node{existing})
	if len(signals) != 0 {
		t.Fatalf("expected no signals below similarity threshold, got %d", len(signals))
	}
}

func TestCheckConflictsUsesLLMVerificationWhenSet(t *testing.T) {
	c := New(DefaultConfig())
	c.SetVerifyConflictCallback(func(ctx context.Context, a, b string) (VerifyResult, error) {
		return VerifyResult{IsConflict: true, ConflictType: "contradiction", Confidence: 0.9}, nil
	})

	vec := []float32{1, 0, 0}
	newNode := node("new", "I live in Denver", vec, 0, 1.0)
	existing := node("old", "I live in Austin", vec, 0, 1.0)

	signals := c.CheckConflicts(context.Background(), newNode, []*models.Node{existing})
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal from LLM verification, got %d", len(signals))
	}
	if signals[0].Conflict.ConflictType != "contradiction" {
		t.Fatalf("unexpected conflict type: %s", signals[0].Conflict.ConflictType)
	}
}

func TestCheckConflictsLLMLowConfidenceYieldsNoSignal(t *testing.T) {
	c := New(DefaultConfig())
	c.SetVerifyConflictCallback(func(ctx context.Context, a, b string) (VerifyResult, error) {
		return VerifyResult{IsConflict: true, Confidence: 0.1}, nil
	})

	vec := []float32{1, 0, 0}
	newNode := node("new", "a", vec, 0, 1.0)
	existing := node("old", "b", vec, 0, 1.0)

	signals := c.CheckConflicts(context.Background(), newNode, []*models.Node{existing})
	if len(signals) != 0 {
		t.Fatalf("expected no signal for low-confidence LLM result, got %d", len(signals))
	}
}

func TestCheckConflictsFallsBackToHeuristicOnLLMError(t *testing.T) {
	c := New(DefaultConfig())
	c.SetVerifyConflictCallback(func(ctx context.Context, a, b string) (VerifyResult, error) {
		return VerifyResult{}, errors.New("llm unavailable")
	})

	vec := []float32{1, 0, 0}
	newNode := node("new", "the feature is enabled", vec, 0, 1.0)
	existing := node("old", "the feature is disabled", vec, 0, 1.0)

	signals := c.CheckConflicts(context.Background(), newNode, []*models.Node{existing})
	if len(signals) != 1 {
		t.Fatalf("expected heuristic fallback to detect contradiction, got %d signals", len(signals))
	}
}

func TestHeuristicConflictCheckDetectsPolarityReversal(t *testing.T) {
	cfg := DefaultConfig()
	a := node("a", "great day", nil, 0.9, 1.0)
	b := node("b", "terrible day", nil, -0.9, 1.0)
	if !heuristicConflictCheck(cfg, a, b) {
		t.Fatalf("expected polarity reversal to be detected as conflict")
	}
}

func TestHeuristicConflictCheckDetectsContradictionKeywords(t *testing.T) {
	cfg := DefaultConfig()
	a := node("a", "the build passed", nil, 0, 1.0)
	b := node("b", "the build enable the flag", nil, 0, 1.0)
	c := node("c", "the build disable the flag", nil, 0, 1.0)
	if heuristicConflictCheck(cfg, a, b) {
		t.Fatalf("did not expect unrelated content to conflict")
	}
	if !heuristicConflictCheck(cfg, b, c) {
		t.Fatalf("expected enable/disable contradiction to be detected")
	}
}

func TestCreateDissonanceSignalLowEnergyRestructures(t *testing.T) {
	c := New(DefaultConfig())
	cn := models.NewConflictNode()
	cn.ConflictType = "contradiction"
	existing := node("old", "x", nil, 0, 0.1)

	signal := c.createDissonanceSignal(cn, existing)
	if signal.ActionRequired != models.ActionRestructure {
		t.Fatalf("expected restructure action for low-energy existing node, got %s", signal.ActionRequired)
	}
}

func TestCreateDissonanceSignalDefaultsToConfirm(t *testing.T) {
	c := New(DefaultConfig())
	cn := models.NewConflictNode()
	cn.ConflictType = "contradiction"
	existing := node("old", "x", nil, 0, 1.0)

	signal := c.createDissonanceSignal(cn, existing)
	if signal.ActionRequired != models.ActionConfirm {
		t.Fatalf("expected confirm action by default, got %s", signal.ActionRequired)
	}
}

func TestGetConflictSummaryEmpty(t *testing.T) {
	if got := GetConflictSummary(nil); got != "No conflicts detected." {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestResolveConflictMarksResolved(t *testing.T) {
	cn := models.NewConflictNode()
	ResolveConflict(cn, "kept_new")
	if !cn.Resolved || cn.Resolution != "kept_new" {
		t.Fatalf("expected conflict marked resolved with resolution kept_new, got %+v", cn)
	}
}
