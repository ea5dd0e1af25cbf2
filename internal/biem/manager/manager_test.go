package manager

import (
	"context"
	"strings"
	"testing"

	"github.com/biemlabs/biem/internal/biem/conflict"
	"github.com/biemlabs/biem/internal/biem/encoder"
	"github.com/biemlabs/biem/internal/biem/energy"
	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biem/router"
	"github.com/biemlabs/biem/internal/biem/storage/l1"
	"github.com/biemlabs/biem/internal/biem/storage/l2graph"
	"github.com/biemlabs/biem/internal/biem/storage/l2vector"
	"github.com/biemlabs/biem/internal/biem/storage/l3"
	"github.com/biemlabs/biem/internal/biem/tiermanager"
)

// newTestManager wires every component with an in-process graph and no
// live L2 vector/L3 backend, mirroring tiermanager's own test harness: L2
// vector and L3 calls aren't exercised here (no live Redis in unit
// tests), so these tests stick to the pure logic and the pending-conflict
// queue, which don't require a live backend.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	graph := l2graph.New(l2graph.Config{AutoSave: false})
	if err := graph.Connect(context.Background()); err != nil {
		t.Fatalf("connect graph: %v", err)
	}
	l3Store := l3.New(l3.Config{Path: ""})
	energyCtl := energy.New(energy.DefaultConfig(), nil)
	l1Store := l1.New(l1.DefaultConfig())
	tier := tiermanager.New(tiermanager.DefaultConfig(), l1Store, nil, graph, l3Store, energyCtl)
	rtr := router.New(router.DefaultConfig(), graph)
	conf := conflict.New(conflict.DefaultConfig())
	enc := encoder.New(encoder.DefaultConfig(), nil, nil)

	return New(DefaultConfig(), enc, energyCtl, tier, rtr, conf, graph, l3Store)
}

func TestComputeEventImportanceMatchesFormula(t *testing.T) {
	cases := []struct {
		feedback float64
		want     float64
	}{
		{0, 0.5},
		{1, 1.0},
		{-1, 1.0},
		{0.4, 0.7},
		{-0.4, 0.7},
	}
	for _, c := range cases {
		if got := computeEventImportance(c.feedback); got != c.want {
			t.Fatalf("computeEventImportance(%v) = %v, want %v", c.feedback, got, c.want)
		}
	}
}

func TestFormatContextBlockEmptyYieldsEmptyString(t *testing.T) {
	if got := formatContextBlock(nil); got != "" {
		t.Fatalf("expected empty string for no memories, got %q", got)
	}
}

func TestFormatContextBlockBadgesByEnergyAndTruncatesPreview(t *testing.T) {
	high := models.NewNode()
	high.Content = "hot memory"
	high.Energy = 0.9

	medium := models.NewNode()
	medium.Content = "warm memory"
	medium.Energy = 0.5

	low := models.NewNode()
	low.Content = strings.Repeat("x", 250)
	low.Energy = 0.1
	low.Metadata.Entities = []string{"A", "B", "C", "D", "E", "F"}

	out := formatContextBlock([]*models.Node{high, medium, low})

	if !strings.Contains(out, "## Relevant Memories") {
		t.Fatalf("expected header, got %q", out)
	}
	if !strings.Contains(out, "[● E=0.90] hot memory") {
		t.Fatalf("expected high-energy badge, got %q", out)
	}
	if !strings.Contains(out, "[○ E=0.50] warm memory") {
		t.Fatalf("expected medium-energy badge, got %q", out)
	}
	if !strings.Contains(out, "[◌ E=0.10]") {
		t.Fatalf("expected low-energy badge, got %q", out)
	}
	if !strings.Contains(out, strings.Repeat("x", 200)+"...") {
		t.Fatalf("expected content truncated at 200 chars with ellipsis, got %q", out)
	}
	if strings.Contains(out, "F") {
		t.Fatalf("expected entity list capped at 5, got %q", out)
	}
}

func TestFuseRecallScoresWeightsVectorAndActivation(t *testing.T) {
	nodeA := models.NewNode()
	nodeA.ID = "a"
	nodeB := models.NewNode()
	nodeB.ID = "b"

	// Score here is already a converted cosine similarity in [0,1] (what
	// l2vector.SearchByVector/parseSearchResults hand back), not a raw
	// RediSearch KNN distance.
	initial := []l2vector.ScoredNode{
		{Node: nodeA, Score: 1.0},
		{Node: nodeB, Score: 0.5},
	}
	activation := map[string]float64{"a": 0.5, "b": 0.0}

	combined := fuseRecallScores(initial, activation)

	wantA := 0.7*1.0 + 0.3*0.5
	wantB := 0.7 * 0.5
	if got := combined["a"]; got != wantA {
		t.Fatalf("expected fused score %v for node a, got %v", wantA, got)
	}
	if got := combined["b"]; got != wantB {
		t.Fatalf("expected fused score %v for node b, got %v", wantB, got)
	}
}

func TestGetPendingConflictsReturnsIndependentCopy(t *testing.T) {
	m := newTestManager(t)
	m.pending = []models.DissonanceSignal{{Conflict: &models.ConflictNode{ID: "c1"}}}

	out := m.GetPendingConflicts()
	if len(out) != 1 || out[0].Conflict.ID != "c1" {
		t.Fatalf("expected the seeded pending conflict, got %+v", out)
	}

	out[0] = models.DissonanceSignal{Conflict: &models.ConflictNode{ID: "mutated"}}
	if m.pending[0].Conflict.ID != "c1" {
		t.Fatalf("expected mutating the returned slice to not affect internal state")
	}
}

func TestResolveConflictUnknownIDReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	ok, err := m.ResolveConflict(context.Background(), "does-not-exist", "ignore")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown conflict id to report not-found")
	}
}

func TestResolveConflictIgnoreKeepsBothAndDrainsQueue(t *testing.T) {
	m := newTestManager(t)
	cn := &models.ConflictNode{ID: "c1", NodeAID: "n-a", NodeBID: "n-b"}
	m.pending = []models.DissonanceSignal{{Conflict: cn}}

	ok, err := m.ResolveConflict(context.Background(), "c1", "ignore")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatalf("expected resolve to succeed")
	}
	if len(m.pending) != 0 {
		t.Fatalf("expected conflict removed from the pending queue, got %+v", m.pending)
	}
	if !cn.Resolved || cn.Resolution != "ignore" {
		t.Fatalf("expected conflict node marked resolved with resolution ignore, got %+v", cn)
	}
}

func TestTagSupersededCitationAppendsTagAndBuildsSemanticLink(t *testing.T) {
	newNode := models.NewNode()
	newNode.ID = "n-b"

	link := tagSupersededCitation(newNode, "n-a")

	if len(newNode.Metadata.Tags) != 1 || newNode.Metadata.Tags[0] != "superseded:n-a" {
		t.Fatalf("expected new node tagged superseded:n-a, got %v", newNode.Metadata.Tags)
	}
	if link.SourceID != "n-b" || link.TargetID != "n-a" || link.Type != models.LinkSemantic {
		t.Fatalf("expected a semantic link n-b -> n-a, got %+v", link)
	}
}

// ResolveConflict's "merge" path (exercised end-to-end, including the L2
// vector lookup it performs when a node isn't L1-resident) needs a live L2
// vector backend and is left to integration testing; tagSupersededCitation
// above covers its tag/link-construction logic in isolation.

func TestSetUserIDScopesSubsequentOperations(t *testing.T) {
	m := newTestManager(t)
	m.SetUserID("alice")
	if got := m.currentUserID(); got != "alice" {
		t.Fatalf("expected current user id alice, got %q", got)
	}
}

func TestIsZeroVectorDetectsAllZeroAndEmpty(t *testing.T) {
	if !isZeroVector(nil) {
		t.Fatalf("expected nil vector to be zero")
	}
	if !isZeroVector([]float32{0, 0, 0}) {
		t.Fatalf("expected all-zero vector to be zero")
	}
	if isZeroVector([]float32{0, 0.1, 0}) {
		t.Fatalf("expected a vector with a nonzero component to not be zero")
	}
}
