package knowledge

import (
	"context"

	"github.com/biemlabs/biem/internal/biem/storage/l3/badgerkv"
	"github.com/biemlabs/biem/internal/biemerr"
)

// VectorEmbedFunc is the external embedding capability used to turn a
// triple or a free-text query into a vector in the triple namespace.
type VectorEmbedFunc func(ctx context.Context, text string) ([]float32, error)

// VectorStoreConfig tunes the default search shape.
type VectorStoreConfig struct {
	DefaultTopK      int
	DefaultExpansionK int
	MinScore         float64
}

// DefaultVectorStoreConfig mirrors the source KnowledgeVectorConfig defaults.
func DefaultVectorStoreConfig() VectorStoreConfig {
	return VectorStoreConfig{DefaultTopK: 10, DefaultExpansionK: 5, MinScore: 0.5}
}

// VectorStore is the triple-namespace vector index: a separate keyspace
// from the memory-node vector store, keyed by triple_id with fields
// {user_id (contributor), vector, subject, predicate}. Grounded on the
// source triple vector store (memory/knowledge/vector_store.py) and
// backed by the BadgerDB brute-force cosine scan in badgerkv.
type VectorStore struct {
	cfg   VectorStoreConfig
	store *badgerkv.Store
	embed VectorEmbedFunc
}

// NewVectorStore constructs a VectorStore over an already-opened badgerkv
// backend. embed may be nil: Store and Search then no-op/return empty.
func NewVectorStore(cfg VectorStoreConfig, store *badgerkv.Store, embed VectorEmbedFunc) *VectorStore {
	return &VectorStore{cfg: cfg, store: store, embed: embed}
}

// SetEmbedFunc installs the embedding capability.
func (v *VectorStore) SetEmbedFunc(f VectorEmbedFunc) { v.embed = f }

// IsAvailable reports whether the store is usable.
func (v *VectorStore) IsAvailable() bool { return v.store != nil && v.embed != nil }

// Store embeds and indexes a triple under the triple-namespace vector
// index, keyed by the triple's own id.
func (v *VectorStore) Store(ctx context.Context, t *Triple) error {
	if !v.IsAvailable() {
		return biemerr.New(biemerr.NotReady, "knowledge.VectorStore.Store", nil)
	}
	vec, err := v.embed(ctx, t.ToText())
	if err != nil {
		return biemerr.New(biemerr.EncodingFailure, "knowledge.VectorStore.Store", err)
	}
	return v.store.Put(ctx, badgerkv.Record{
		TripleID:  t.ID,
		UserID:    t.UserID,
		Subject:   t.Subject,
		Predicate: t.Predicate,
		Vector:    vec,
	})
}

// ScoredTripleID pairs a triple id with its relevance score.
type ScoredTripleID struct {
	TripleID string
	Score    float64
}

// Search embeds the query and returns the top-k triple ids by cosine
// similarity, each at or above minScore.
func (v *VectorStore) Search(ctx context.Context, query string, k int, minScore float64) ([]ScoredTripleID, error) {
	if !v.IsAvailable() {
		return nil, nil
	}
	vec, err := v.embed(ctx, query)
	if err != nil {
		return nil, biemerr.New(biemerr.EncodingFailure, "knowledge.VectorStore.Search", err)
	}
	scored, err := v.store.Search(ctx, vec, k, minScore)
	if err != nil {
		return nil, err
	}
	return toScoredIDs(scored), nil
}

// SearchWithClusterExpansion performs the two-stage search (initial
// search capped at topK, per-hit neighbour expansion scored
// initial*related*0.7 and floored at minScore/2, deduplicated keeping max
// score) described by the knowledge pipeline's vector store contract.
func (v *VectorStore) SearchWithClusterExpansion(ctx context.Context, query string, topK, expansionK int, minScore float64) ([]ScoredTripleID, error) {
	if !v.IsAvailable() {
		return nil, nil
	}
	vec, err := v.embed(ctx, query)
	if err != nil {
		return nil, biemerr.New(biemerr.EncodingFailure, "knowledge.VectorStore.SearchWithClusterExpansion", err)
	}
	scored, err := v.store.SearchWithClusterExpansion(ctx, vec, topK, expansionK, minScore)
	if err != nil {
		return nil, err
	}
	return toScoredIDs(scored), nil
}

func toScoredIDs(scored []badgerkv.Scored) []ScoredTripleID {
	out := make([]ScoredTripleID, len(scored))
	for i, s := range scored {
		out[i] = ScoredTripleID{TripleID: s.Record.TripleID, Score: s.Score}
	}
	return out
}
