// Package badgerkv implements the knowledge triple vector namespace: a
// separate embedding index from the memory-node vector store in
// l2vector, keyed by triple_id rather than node id. It is grounded on
// the teacher's BadgerDB-backed procedural store
// (internal/memory/procedural.go) — same Open/Update/View/prefix-iterator
// shape — adapted from workflow-pattern JSON blobs to triple embedding
// records, plus a brute-force cosine scan since Badger has no native
// approximate nearest-neighbour index.
package badgerkv

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/biemlabs/biem/internal/biemerr"
)

const keyPrefix = "triple:vector:"

// Config points at the Badger data directory.
type Config struct {
	Path string
}

// DefaultConfig mirrors the teacher's procedural-store default layout.
func DefaultConfig() Config {
	return Config{Path: "~/.biem/triple_vectors"}
}

// Record is one triple's embedding entry in this namespace.
type Record struct {
	TripleID  string    `json:"triple_id"`
	UserID    string    `json:"user_id"` // contributor, not a partition key
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Vector    []float32 `json:"vector"`
}

// Store is the BadgerDB-backed triple vector namespace.
type Store struct {
	db *badger.DB
}

// New opens (or creates) the Badger database at cfg.Path.
func New(cfg Config) (*Store, error) {
	path := expandPath(cfg.Path)
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "badgerkv.New", err)
	}
	return &Store{db: db}, nil
}

// Close releases the Badger database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DropAll removes every record in the triple-vector namespace, for the
// operational reset CLI's "drop vector collection biem_knowledge" step.
func (s *Store) DropAll(ctx context.Context) error {
	if err := s.db.DropPrefix([]byte(keyPrefix)); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "badgerkv.DropAll", err)
	}
	return nil
}

func key(tripleID string) []byte {
	return []byte(keyPrefix + tripleID)
}

// Put upserts a triple's embedding record.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.TripleID == "" {
		return biemerr.New(biemerr.ValidationFailure, "badgerkv.Put", fmt.Errorf("triple_id required"))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return biemerr.New(biemerr.ValidationFailure, "badgerkv.Put", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.TripleID), data)
	})
	if err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "badgerkv.Put", err)
	}
	return nil
}

// Get retrieves a triple's embedding record, returning nil if absent.
func (s *Store) Get(ctx context.Context, tripleID string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(tripleID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "badgerkv.Get", err)
	}
	return &rec, nil
}

// Delete removes a triple's embedding record.
func (s *Store) Delete(ctx context.Context, tripleID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(tripleID))
	})
	if err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "badgerkv.Delete", err)
	}
	return nil
}

func (s *Store) scanAll() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return nil
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				continue
			}
		}
		return nil
	})
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "badgerkv.scanAll", err)
	}
	return out, nil
}

// Scored pairs a Record with a similarity score.
type Scored struct {
	Record Record
	Score  float64
}

// Search returns up to k records whose cosine similarity to query is at
// least minScore, sorted by descending score — a brute-force scan, since
// this namespace has no ANN index.
func (s *Store) Search(ctx context.Context, query []float32, k int, minScore float64) ([]Scored, error) {
	all, err := s.scanAll()
	if err != nil {
		return nil, err
	}
	var out []Scored
	for _, rec := range all {
		score := cosineSimilarity(query, rec.Vector)
		if score >= minScore {
			out = append(out, Scored{Record: rec, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SearchWithClusterExpansion runs an initial search capped at topK, then
// for each hit expands to up to expansionK neighbours of that triple's own
// vector. Expanded hits score as initial*related*0.7 and survive only
// above minScore/2. Results are deduplicated by triple_id, keeping the
// max score seen for each.
func (s *Store) SearchWithClusterExpansion(ctx context.Context, query []float32, topK, expansionK int, minScore float64) ([]Scored, error) {
	initial, err := s.Search(ctx, query, topK, minScore)
	if err != nil {
		return nil, err
	}

	all, err := s.scanAll()
	if err != nil {
		return nil, err
	}

	best := make(map[string]Scored, len(initial))
	for _, hit := range initial {
		if cur, ok := best[hit.Record.TripleID]; !ok || hit.Score > cur.Score {
			best[hit.Record.TripleID] = hit
		}
	}

	expandedFloor := minScore / 2
	for _, hit := range initial {
		var related []Scored
		for _, rec := range all {
			if rec.TripleID == hit.Record.TripleID {
				continue
			}
			related = append(related, Scored{Record: rec, Score: cosineSimilarity(hit.Record.Vector, rec.Vector)})
		}
		sort.Slice(related, func(i, j int) bool { return related[i].Score > related[j].Score })
		if len(related) > expansionK {
			related = related[:expansionK]
		}
		for _, r := range related {
			expanded := hit.Score * r.Score * 0.7
			if expanded < expandedFloor {
				continue
			}
			if cur, ok := best[r.Record.TripleID]; !ok || expanded > cur.Score {
				best[r.Record.TripleID] = Scored{Record: r.Record, Score: expanded}
			}
		}
	}

	out := make([]Scored, 0, len(best))
	for _, v := range best {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
