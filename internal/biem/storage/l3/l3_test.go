package l3

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/biemlabs/biem/internal/biem/knowledge"
	"github.com/biemlabs/biem/internal/biem/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{Path: filepath.Join(t.TempDir(), "test.db")}
	s := New(cfg)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestStoreTripleFirstInsertHasVersionOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := knowledge.NewTriple("Alice", "likes", "coffee")
	stored, err := s.StoreTriple(ctx, tr)
	if err != nil {
		t.Fatalf("store triple: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", stored.Version)
	}
	if len(stored.PreviousValues) != 0 {
		t.Fatalf("expected no previous values, got %v", stored.PreviousValues)
	}
}

func TestStoreTripleGlobalUniquenessAcrossUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := knowledge.NewTriple("Alice", "likes", "coffee")
	a.UserID = "alice"
	if _, err := s.StoreTriple(ctx, a); err != nil {
		t.Fatalf("store a: %v", err)
	}

	b := knowledge.NewTriple("alice", "LIKES", "tea")
	b.UserID = "bob"
	stored, err := s.StoreTriple(ctx, b)
	if err != nil {
		t.Fatalf("store b: %v", err)
	}

	if stored.Version != 2 {
		t.Fatalf("expected update to bump version to 2, got %d", stored.Version)
	}
	if len(stored.PreviousValues) != 1 || stored.PreviousValues[0] != "coffee" {
		t.Fatalf("expected previous_values=[coffee], got %v", stored.PreviousValues)
	}

	all, err := s.GetAllTriples(ctx, 0)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one global row for (alice, likes) across two users, got %d", len(all))
	}
}

func TestStoreTripleThirdUpdateAppendsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StoreTriple(ctx, knowledge.NewTriple("Bob", "works_at", "Acme"))
	s.StoreTriple(ctx, knowledge.NewTriple("Bob", "works_at", "Globex"))
	stored, err := s.StoreTriple(ctx, knowledge.NewTriple("Bob", "works_at", "Initech"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored.Version != 3 {
		t.Fatalf("expected version 3, got %d", stored.Version)
	}
	want := []string{"Acme", "Globex"}
	if len(stored.PreviousValues) != 2 || stored.PreviousValues[0] != want[0] || stored.PreviousValues[1] != want[1] {
		t.Fatalf("expected previous_values=%v, got %v", want, stored.PreviousValues)
	}

	history, err := s.GetHistory(ctx, stored.ID, 10)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
}

func TestFindPotentialConflictDetectsDifferingObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StoreTriple(ctx, knowledge.NewTriple("Carol", "lives_in", "Austin"))

	conflict, err := s.FindPotentialConflict(ctx, "Carol", "lives_in", "Denver")
	if err != nil {
		t.Fatalf("find conflict: %v", err)
	}
	if conflict == nil {
		t.Fatalf("expected a conflict for differing object")
	}

	noConflict, err := s.FindPotentialConflict(ctx, "Carol", "lives_in", "Austin")
	if err != nil {
		t.Fatalf("find conflict: %v", err)
	}
	if noConflict != nil {
		t.Fatalf("expected no conflict when object matches, got %v", noConflict)
	}
}

func TestStoreAndGetLinkUpsertsWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := models.Link{SourceID: "a", TargetID: "b", Type: models.LinkSemantic, Weight: 0.5}
	if _, err := s.StoreLink(ctx, l); err != nil {
		t.Fatalf("store link: %v", err)
	}
	l.Weight = 0.9
	if _, err := s.StoreLink(ctx, l); err != nil {
		t.Fatalf("store link update: %v", err)
	}

	links, err := s.GetOutgoingLinks(ctx, "a", nil)
	if err != nil {
		t.Fatalf("get outgoing: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected exactly one link after upsert, got %d", len(links))
	}
	if links[0].Weight != 0.9 {
		t.Fatalf("expected weight updated to 0.9, got %v", links[0].Weight)
	}
}

func TestStoreFactAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := models.NewCrystalFact()
	f.Content = "the quick brown fox jumps"
	f.SourceNodeIDs = []string{"n1"}
	f.Confidence = 0.9
	if _, err := s.StoreFact(ctx, f); err != nil {
		t.Fatalf("store fact: %v", err)
	}

	results, err := s.SearchFactsByContent(ctx, "fox", 10, 0.0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestClearAllRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StoreTriple(ctx, knowledge.NewTriple("X", "y", "z"))
	fact := models.NewCrystalFact()
	fact.Content = "fact"
	s.StoreFact(ctx, fact)

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.FactsCount != 0 || stats.TriplesCount != 0 {
		t.Fatalf("expected empty store after ClearAll, got %+v", stats)
	}
}
