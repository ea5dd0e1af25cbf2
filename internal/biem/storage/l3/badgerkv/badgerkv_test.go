package badgerkv

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "triples")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{TripleID: "t1", Subject: "Alice", Predicate: "likes", UserID: "alice", Vector: []float32{1, 0, 0}}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Subject != "Alice" {
		t.Fatalf("expected record back, got %+v", got)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing record, got %+v", got)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, Record{TripleID: "t1", Vector: []float32{1, 0}})
	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := s.Get(ctx, "t1")
	if got != nil {
		t.Fatalf("expected record gone after delete")
	}
}

func TestCosineSimilarityIdenticalVectorsScoreOne(t *testing.T) {
	score := cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if score < 0.999 || score > 1.001 {
		t.Fatalf("expected ~1.0 for identical vectors, got %v", score)
	}
}

func TestCosineSimilarityOrthogonalScoresZero(t *testing.T) {
	score := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if score != 0 {
		t.Fatalf("expected 0 for orthogonal vectors, got %v", score)
	}
}

func TestCosineSimilarityMismatchedLengthScoresZero(t *testing.T) {
	score := cosineSimilarity([]float32{1, 0, 0}, []float32{1, 0})
	if score != 0 {
		t.Fatalf("expected 0 for mismatched length, got %v", score)
	}
}

func TestSearchReturnsTopKByDescendingScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, Record{TripleID: "close", Vector: []float32{1, 0, 0}})
	s.Put(ctx, Record{TripleID: "far", Vector: []float32{0, 1, 0}})
	s.Put(ctx, Record{TripleID: "mid", Vector: []float32{0.7, 0.7, 0}})

	results, err := s.Search(ctx, []float32{1, 0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected top 2 results, got %d", len(results))
	}
	if results[0].Record.TripleID != "close" {
		t.Fatalf("expected closest vector first, got %s", results[0].Record.TripleID)
	}
	if results[0].Score < results[1].Score {
		t.Fatalf("expected descending score order, got %v then %v", results[0].Score, results[1].Score)
	}
}

func TestSearchRespectsMinScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, Record{TripleID: "orthogonal", Vector: []float32{0, 1}})

	results, err := s.Search(ctx, []float32{1, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected orthogonal vector filtered out by min score, got %d results", len(results))
	}
}

func TestSearchWithClusterExpansionAddsNeighborsAboveHalfFloor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, Record{TripleID: "seed", Vector: []float32{1, 0, 0}})
	s.Put(ctx, Record{TripleID: "neighbor", Vector: []float32{0.9, 0.1, 0}})
	s.Put(ctx, Record{TripleID: "distant", Vector: []float32{0, 0, 1}})

	results, err := s.SearchWithClusterExpansion(ctx, []float32{1, 0, 0}, 1, 2, 0.1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	found := make(map[string]bool)
	for _, r := range results {
		found[r.Record.TripleID] = true
	}
	if !found["seed"] {
		t.Fatalf("expected seed triple present in expanded results")
	}
	if found["distant"] {
		t.Fatalf("did not expect orthogonal distant triple to survive expansion floor")
	}
}

func TestSearchWithClusterExpansionDeduplicatesKeepingMaxScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, Record{TripleID: "a", Vector: []float32{1, 0}})
	s.Put(ctx, Record{TripleID: "b", Vector: []float32{0.95, 0.05}})

	results, err := s.SearchWithClusterExpansion(ctx, []float32{1, 0}, 2, 2, 0.01)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	seen := make(map[string]int)
	for _, r := range results {
		seen[r.Record.TripleID]++
	}
	for id, count := range seen {
		if count > 1 {
			t.Fatalf("expected triple %s to appear once after dedup, appeared %d times", id, count)
		}
	}
}
