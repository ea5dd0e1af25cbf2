package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/biemlabs/biem/internal/biem/storage/l3/badgerkv"
)

func newTestBadger(t *testing.T) *badgerkv.Store {
	t.Helper()
	s, err := badgerkv.New(badgerkv.Config{Path: filepath.Join(t.TempDir(), "triples")})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func vectorOf(text string) []float32 {
	switch text {
	case "Python created_by Guido van Rossum":
		return []float32{1, 0, 0}
	case "a query about Python origins":
		return []float32{0.95, 0.05, 0}
	default:
		return []float32{0, 0, 1}
	}
}

func TestVectorStoreNotAvailableWithoutEmbedFunc(t *testing.T) {
	vs := NewVectorStore(DefaultVectorStoreConfig(), newTestBadger(t), nil)
	if vs.IsAvailable() {
		t.Fatalf("expected unavailable without an embed capability")
	}
	results, err := vs.Search(context.Background(), "anything", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results when unavailable, got %+v", results)
	}
}

func TestVectorStoreStoreThenSearchFindsTriple(t *testing.T) {
	embed := func(ctx context.Context, text string) ([]float32, error) { return vectorOf(text), nil }
	vs := NewVectorStore(DefaultVectorStoreConfig(), newTestBadger(t), embed)

	tr := NewTriple("Python", "created_by", "Guido van Rossum")
	if err := vs.Store(context.Background(), tr); err != nil {
		t.Fatalf("store: %v", err)
	}

	results, err := vs.Search(context.Background(), "a query about Python origins", 5, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].TripleID != tr.ID {
		t.Fatalf("expected stored triple to be found, got %+v", results)
	}
}

func TestVectorStoreSearchWithClusterExpansionDelegates(t *testing.T) {
	embed := func(ctx context.Context, text string) ([]float32, error) { return vectorOf(text), nil }
	vs := NewVectorStore(DefaultVectorStoreConfig(), newTestBadger(t), embed)

	tr := NewTriple("Python", "created_by", "Guido van Rossum")
	if err := vs.Store(context.Background(), tr); err != nil {
		t.Fatalf("store: %v", err)
	}

	results, err := vs.SearchWithClusterExpansion(context.Background(), "a query about Python origins", 1, 2, 0.1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one expanded result")
	}
}
