package energy

import (
	"math"
	"testing"
	"time"

	"github.com/biemlabs/biem/internal/biem/models"
)

func TestCalculateDecayNoElapsedTime(t *testing.T) {
	c := New(DefaultConfig(), nil)
	n := models.NewNode()
	n.Energy = 0.8
	n.LastAccessed = time.Now().Add(time.Second)
	got := c.CalculateDecay(n, time.Now())
	if got != 0.8 {
		t.Fatalf("expected unchanged energy for non-positive delta, got %v", got)
	}
}

func TestCalculateDecayExponential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayLambda = 1.0
	c := New(cfg, nil)

	n := models.NewNode()
	n.Energy = 0.5
	n.LastAccessed = time.Now().Add(-2 * time.Second)

	got := c.CalculateDecay(n, time.Now())
	want := 0.5 * math.Exp(-2)
	if math.Abs(got-want) > 1e-3 {
		t.Fatalf("got %v want ~%v", got, want)
	}
}

func TestCalculateDecayFloorsAtMinEnergy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayLambda = 1000
	c := New(cfg, nil)

	n := models.NewNode()
	n.Energy = 0.5
	n.LastAccessed = time.Now().Add(-1 * time.Hour)

	got := c.CalculateDecay(n, time.Now())
	if got != cfg.MinEnergy {
		t.Fatalf("expected floor at %v, got %v", cfg.MinEnergy, got)
	}
}

func TestBoostCapsAtMaxEnergyAndTouches(t *testing.T) {
	c := New(DefaultConfig(), nil)
	n := models.NewNode()
	n.Energy = 0.95
	before := n.LastAccessed

	time.Sleep(time.Millisecond)
	got := c.Boost(n, 0.5)

	if got != 1.0 {
		t.Fatalf("expected cap at 1.0, got %v", got)
	}
	if !n.LastAccessed.After(before) {
		t.Fatalf("expected LastAccessed to advance on boost")
	}
}

func TestEstimateInitialEnergyExplicitClamped(t *testing.T) {
	c := New(DefaultConfig(), nil)

	tooHigh := 5.0
	if got := c.EstimateInitialEnergy(nil, "x", &tooHigh); got != 1.0 {
		t.Fatalf("expected clamp to 1.0, got %v", got)
	}

	tooLow := -1.0
	if got := c.EstimateInitialEnergy(nil, "x", &tooLow); got != 0.1 {
		t.Fatalf("expected clamp to 0.1, got %v", got)
	}
}

func TestHeuristicImportanceCapitalizationAndRange(t *testing.T) {
	c := New(DefaultConfig(), nil)

	short := c.heuristicImportance("hi")
	if short < 0.1 || short > 1.0 {
		t.Fatalf("score out of range: %v", short)
	}

	capitalized := c.heuristicImportance("This is a critical fact you must remember about the Customer Onboarding process and its Important Dates.")
	plain := c.heuristicImportance("this is a critical fact you must remember about the customer onboarding process and its important dates")
	if capitalized <= plain {
		t.Fatalf("expected capitalized-entity-bearing text to score higher: %v vs %v", capitalized, plain)
	}
}

func TestIsAliveAndNeedsDemotion(t *testing.T) {
	c := New(DefaultConfig(), nil)
	n := models.NewNode()

	n.Energy = 0.005
	if c.IsAlive(n) {
		t.Fatalf("expected node below min_energy to be dead")
	}

	n.Energy = 0.2
	if !c.NeedsDemotion(n) {
		t.Fatalf("expected node below low_importance_threshold to need demotion")
	}
}

func TestApplyDecayBatchUsesSingleNow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayLambda = 0.01
	c := New(cfg, nil)

	past := time.Now().Add(-10 * time.Second)
	n1 := models.NewNode()
	n1.Energy = 0.9
	n1.LastAccessed = past
	n2 := models.NewNode()
	n2.Energy = 0.9
	n2.LastAccessed = past

	updates := c.ApplyDecayBatch([]*models.Node{n1, n2})
	if updates[n1.ID] != updates[n2.ID] {
		t.Fatalf("expected identical decay for identical nodes in one batch")
	}
}
