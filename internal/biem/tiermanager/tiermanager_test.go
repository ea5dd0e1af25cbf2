package tiermanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/biemlabs/biem/internal/biem/energy"
	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biem/storage/l1"
	"github.com/biemlabs/biem/internal/biem/storage/l2graph"
	"github.com/biemlabs/biem/internal/biem/storage/l3"
)

// newTestManager wires everything except the Redis-backed L2 vector
// store, which isn't exercised by these tests (no live Redis in unit
// tests); tests that need Store()/Get() stub the tier boundary directly
// through L1 and the graph instead.
func newTestManager(t *testing.T) (*Manager, *l1.Store, *l2graph.Graph) {
	t.Helper()
	l1Store := l1.New(l1.DefaultConfig())
	l2g := l2graph.New(l2graph.Config{AutoSave: false})
	if err := l2g.Connect(context.Background()); err != nil {
		t.Fatalf("connect graph: %v", err)
	}
	l3Store := l3.New(l3.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	energyCtl := energy.New(energy.DefaultConfig(), nil)

	m := New(DefaultConfig(), l1Store, nil, l2g, l3Store, energyCtl)
	return m, l1Store, l2g
}

func TestPromoteToL1SetsTier(t *testing.T) {
	m, l1Store, _ := newTestManager(t)

	node := models.NewNode()
	node.ID = "n1"
	node.Tier = models.TierL2
	node.Energy = 0.9
	// No vector: l2v.Put rejects with a validation error before touching
	// the (unwired, nil in this test) Redis client, so the L1 side effect
	// below can still be asserted independent of that error.
	_ = m.promoteToL1(context.Background(), node)
	if node.Tier != models.TierL1 {
		t.Fatalf("expected tier L1 after promotion, got %s", node.Tier)
	}
	if _, ok := l1Store.Get("n1"); !ok {
		t.Fatalf("expected node present in L1 after promotion")
	}
}

func TestDemoteFromL1RemovesFromL1(t *testing.T) {
	m, l1Store, _ := newTestManager(t)

	node := models.NewNode()
	node.ID = "n1"
	node.Tier = models.TierL1
	l1Store.Put(node)

	_ = m.demoteFromL1(context.Background(), "n1")
	if _, ok := l1Store.Get("n1"); ok {
		t.Fatalf("expected node removed from L1 after demotion")
	}
}

func TestPromoteToL1NoOpWhenAlreadyL1(t *testing.T) {
	m, l1Store, _ := newTestManager(t)

	node := models.NewNode()
	node.ID = "n1"
	node.Tier = models.TierL1
	l1Store.Put(node)

	if err := m.promoteToL1(context.Background(), node); err != nil {
		t.Fatalf("promote: %v", err)
	}
}

func TestArchiveToL3BelowThresholdReturnsNil(t *testing.T) {
	m, _, _ := newTestManager(t)

	nodes := []*models.Node{models.NewNode(), models.NewNode()}
	fact, err := m.ArchiveToL3(context.Background(), nodes)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if fact != nil {
		t.Fatalf("expected nil fact below consolidation threshold, got %+v", fact)
	}
}

func TestArchiveToL3AtThresholdConsolidates(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.l3.Connect(ctx); err != nil {
		t.Fatalf("connect l3: %v", err)
	}
	m.l3Available = true

	nodes := make([]*models.Node, 5)
	for i := range nodes {
		n := models.NewNode()
		n.Content = "shared memory content"
		n.Energy = 0.5
		nodes[i] = n
	}

	fact, err := m.ArchiveToL3(ctx, nodes)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if fact == nil {
		t.Fatalf("expected a consolidated fact at threshold")
	}
	if fact.Confidence != 0.5 {
		t.Fatalf("expected confidence to be average energy 0.5, got %v", fact.Confidence)
	}
	if len(fact.SourceNodeIDs) != 5 {
		t.Fatalf("expected 5 source node ids, got %d", len(fact.SourceNodeIDs))
	}
}

func TestGetWorkingContextReturnsL1TopK(t *testing.T) {
	m, l1Store, _ := newTestManager(t)

	a := models.NewNode()
	a.ID, a.Energy = "a", 0.9
	b := models.NewNode()
	b.ID, b.Energy = "b", 0.2
	l1Store.Put(a)
	l1Store.Put(b)

	top := m.GetWorkingContext(1, "")
	if len(top) != 1 || top[0].ID != "a" {
		t.Fatalf("expected highest-energy node first, got %+v", top)
	}
}

func TestStartStopBackgroundTasksDoesNotBlock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartBackgroundTasks(ctx)
	m.StopBackgroundTasks()
}

func TestRunCleanupDemotesLowEnergyL1Nodes(t *testing.T) {
	m, l1Store, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.l3.Connect(ctx); err != nil {
		t.Fatalf("connect l3: %v", err)
	}
	m.l3Available = true

	n := models.NewNode()
	n.ID = "low"
	n.Energy = 0.9
	n.InitialEnergy = 0.9
	l1Store.Put(n)

	// Back-date last-accessed heavily so the node is well past both the
	// TTL cutoff and the decayed-energy demotion threshold.
	n.LastAccessed = n.LastAccessed.Add(-365 * 24 * time.Hour)

	// l2v is unwired in this test, so persisting the demoted/evicted node
	// to L2 vector storage fails; that failure is expected and ignored
	// here since the L1-side effect under test happens before it.
	_ = m.runCleanup(ctx)
	if _, ok := l1Store.Get("low"); ok {
		t.Fatalf("expected heavily decayed node demoted out of L1")
	}
}
