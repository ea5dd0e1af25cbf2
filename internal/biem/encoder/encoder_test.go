package encoder

import (
	"context"
	"errors"
	"testing"
)

func TestGenerateEmbeddingZeroVectorOnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 8
	e := New(cfg, func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("backend down")
	}, nil)

	v := e.GenerateEmbedding(context.Background(), "hello")
	if len(v) != 8 {
		t.Fatalf("expected zero vector of configured dim 8, got len %d", len(v))
	}
	for _, f := range v {
		if f != 0 {
			t.Fatalf("expected all-zero vector, got %v", v)
		}
	}
}

func TestGenerateEmbeddingNoCapabilityInstalled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 4
	e := New(cfg, nil, nil)
	v := e.GenerateEmbedding(context.Background(), "x")
	if len(v) != 4 {
		t.Fatalf("expected zero vector len 4, got %d", len(v))
	}
}

func TestExtractEntitiesDedupAndOrder(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	entities := e.ExtractEntities("Alice met Bob. Later Alice called Bob again via alice@example.com.")
	if len(entities) == 0 {
		t.Fatalf("expected at least one entity")
	}
	seen := map[string]bool{}
	for _, ent := range entities {
		if seen[ent] {
			t.Fatalf("duplicate entity in result: %s", ent)
		}
		seen[ent] = true
	}
}

func TestExtractEntitiesCapAt20(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	content := ""
	for i := 0; i < 30; i++ {
		content += "Entity "
	}
	entities := e.ExtractEntities(content)
	if len(entities) > 20 {
		t.Fatalf("expected at most 20 entities, got %d", len(entities))
	}
}

func TestAnalyzeSentimentRange(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)

	if s := e.AnalyzeSentiment(""); s != 0 {
		t.Fatalf("expected 0 for empty content, got %v", s)
	}
	if s := e.AnalyzeSentiment("this is great and wonderful and amazing"); s <= 0 {
		t.Fatalf("expected positive sentiment, got %v", s)
	}
	if s := e.AnalyzeSentiment("this is terrible and broken and awful"); s >= 0 {
		t.Fatalf("expected negative sentiment, got %v", s)
	}
	if s := e.AnalyzeSentiment("the sky is blue"); s != 0 {
		t.Fatalf("expected neutral sentiment for no lexicon hits, got %v", s)
	}
}

func TestEncodeEmptyStringYieldsZeroVectorAndNoEntities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 3
	e := New(cfg, nil, nil)

	n := e.Encode(context.Background(), "", "user", "", nil)
	if len(n.Vector) != 3 {
		t.Fatalf("expected zero vector of dim 3, got %d", len(n.Vector))
	}
	if len(n.Metadata.Entities) != 0 {
		t.Fatalf("expected no entities for empty content, got %v", n.Metadata.Entities)
	}
}

func TestGenerateEmbeddingsBatchFallsBackPerItem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 2
	calls := 0
	e := New(cfg, func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return []float32{1, 2}, nil
	}, nil)

	out := e.GenerateEmbeddingsBatch(context.Background(), []string{"a", "b", "c"})
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if calls != 3 {
		t.Fatalf("expected per-item fallback to call embed 3 times, got %d", calls)
	}
}
