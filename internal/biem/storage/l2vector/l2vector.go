// Package l2vector implements the L2 Vector Store: the authoritative copy
// of every memory node, searchable by embedding similarity with scalar
// filters. It follows the teacher's Redis-backed episodic store
// (internal/memory/episodic.go), generalized from a single KNN index to
// the full node schema, scalar filter grammar, and per-user scoping the
// specification requires.
package l2vector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biemerr"
)

// Config tunes the Redis connection and index.
type Config struct {
	Addr       string
	Password   string
	DB         int
	IndexName  string
	KeyPrefix  string
	VectorDim  int
}

// DefaultConfig mirrors the source's MilvusConfig defaults, adapted to
// the Redis backend the teacher already depends on.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		IndexName: "biem:memories:idx",
		KeyPrefix: "biem:memory:",
		VectorDim: 1024,
	}
}

// Store is the Redis-backed vector store.
type Store struct {
	cfg    Config
	client *redis.Client
}

// New constructs a Store. Connect must be called before use.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Connect dials Redis and ensures the vector search index exists.
func (s *Store) Connect(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l2vector.Connect", err)
	}

	if err := s.ensureIndex(ctx); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l2vector.Connect", err)
	}
	return nil
}

func (s *Store) ensureIndex(ctx context.Context) error {
	if _, err := s.client.Do(ctx, "FT.INFO", s.cfg.IndexName).Result(); err == nil {
		return nil
	}

	args := []interface{}{
		"FT.CREATE", s.cfg.IndexName,
		"ON", "HASH",
		"PREFIX", "1", s.cfg.KeyPrefix,
		"SCHEMA",
		"content", "TEXT",
		"vector", "VECTOR", "FLAT", "6",
		"DIM", s.cfg.VectorDim,
		"DISTANCE_METRIC", "COSINE",
		"TYPE", "FLOAT32",
		"energy", "NUMERIC", "SORTABLE",
		"timestamp", "NUMERIC", "SORTABLE",
		"last_accessed", "NUMERIC", "SORTABLE",
		"created_at", "NUMERIC", "SORTABLE",
		"tier", "TAG",
		"sentiment", "NUMERIC",
		"user_id", "TAG",
	}
	if err := s.client.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	return nil
}

// Disconnect closes the Redis connection.
func (s *Store) Disconnect() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// DropCollection drops the vector index along with every document it
// indexes (FT.DROPINDEX DD) and recreates an empty index with the current
// schema, for the operational reset CLI.
func (s *Store) DropCollection(ctx context.Context) error {
	if err := s.client.Do(ctx, "FT.DROPINDEX", s.cfg.IndexName, "DD").Err(); err != nil {
		if !strings.Contains(err.Error(), "Unknown index") {
			return biemerr.New(biemerr.BackendUnavailable, "l2vector.DropCollection", err)
		}
	}
	if err := s.ensureIndex(ctx); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l2vector.DropCollection", err)
	}
	return nil
}

func (s *Store) key(id string) string { return s.cfg.KeyPrefix + id }

// Put upserts a node. The node must carry a non-empty vector.
func (s *Store) Put(ctx context.Context, n *models.Node) error {
	if len(n.Vector) == 0 {
		return biemerr.New(biemerr.ValidationFailure, "l2vector.Put", fmt.Errorf("node %s has no vector embedding", n.ID))
	}

	vecBytes := encodeVector(n.Vector)
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return biemerr.New(biemerr.ValidationFailure, "l2vector.Put", err)
	}
	entities, _ := json.Marshal(n.Metadata.Entities)

	fields := map[string]interface{}{
		"content":        n.Content,
		"vector":         vecBytes,
		"energy":         n.Energy,
		"initial_energy": n.InitialEnergy,
		"timestamp":      n.Metadata.Timestamp.Unix(),
		"last_accessed":  n.LastAccessed.Unix(),
		"created_at":     n.CreatedAt.Unix(),
		"tier":           string(n.Tier),
		"sentiment":      n.Metadata.Sentiment,
		"user_id":        n.UserID,
		"source":         n.Metadata.Source,
		"metadata":       metaJSON,
		"entities":       entities,
	}

	if err := s.client.HSet(ctx, s.key(n.ID), fields).Err(); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l2vector.Put", err)
	}
	return nil
}

// Get retrieves a node by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Node, error) {
	vals, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l2vector.Get", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return hashToNode(id, vals), nil
}

// Exists reports whether a node is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l2vector.Exists", err)
	}
	return n > 0, nil
}

// Delete removes a node, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l2vector.Delete", err)
	}
	return n > 0, nil
}

// Count returns the total number of resident nodes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	iter := s.client.Scan(ctx, 0, s.cfg.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, biemerr.New(biemerr.BackendUnavailable, "l2vector.Count", err)
	}
	return count, nil
}

// ScoredNode pairs a node with its similarity score.
type ScoredNode struct {
	Node  *models.Node
	Score float64
}

// Filter describes a scalar-field constraint: $gte/$lte/$gt/$lt/$eq/$ne.
type Filter struct {
	GTE, LTE, GT, LT *float64
	EQ, NE           interface{}
}

// SearchByVector performs KNN search with optional scalar filters and
// user scoping, mirroring the filter grammar of the source vector store.
func (s *Store) SearchByVector(ctx context.Context, vector []float32, topK int, filters map[string]Filter, userID string) ([]ScoredNode, error) {
	if topK <= 0 {
		return nil, nil
	}
	filterExpr := s.buildFilterExpr(filters, userID)

	args := []interface{}{
		"FT.SEARCH", s.cfg.IndexName,
		fmt.Sprintf("%s=>[KNN %d @vector $vec AS score]", filterExpr, topK),
		"PARAMS", "2", "vec", encodeVector(vector),
		"SORTBY", "score",
		"DIALECT", "2",
		"LIMIT", "0", strconv.Itoa(topK),
	}

	raw, err := s.client.Do(ctx, args...).Result()
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l2vector.SearchByVector", err)
	}
	return parseSearchResults(raw)
}

func (s *Store) buildFilterExpr(filters map[string]Filter, userID string) string {
	var parts []string
	for field, f := range filters {
		switch {
		case f.GTE != nil && f.LTE != nil:
			parts = append(parts, fmt.Sprintf("@%s:[%v %v]", field, *f.GTE, *f.LTE))
		case f.GTE != nil:
			parts = append(parts, fmt.Sprintf("@%s:[%v +inf]", field, *f.GTE))
		case f.LTE != nil:
			parts = append(parts, fmt.Sprintf("@%s:[-inf %v]", field, *f.LTE))
		case f.GT != nil:
			parts = append(parts, fmt.Sprintf("@%s:[(%v +inf]", field, *f.GT))
		case f.LT != nil:
			parts = append(parts, fmt.Sprintf("@%s:[-inf (%v]", field, *f.LT))
		case f.EQ != nil:
			parts = append(parts, fmt.Sprintf("@%s:{%v}", field, f.EQ))
		case f.NE != nil:
			parts = append(parts, fmt.Sprintf("-@%s:{%v}", field, f.NE))
		}
	}
	if userID != "" {
		parts = append(parts, fmt.Sprintf("@user_id:{%s}", escapeTag(userID)))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

func escapeTag(v string) string {
	r := strings.NewReplacer("-", "\\-", " ", "\\ ", ".", "\\.")
	return r.Replace(v)
}

// SearchByEnergyRange returns nodes whose energy falls in [min, max].
func (s *Store) SearchByEnergyRange(ctx context.Context, min, max float64, limit int, userID string) ([]*models.Node, error) {
	filterExpr := fmt.Sprintf("@energy:[%v %v]", min, max)
	if userID != "" {
		filterExpr += fmt.Sprintf(" @user_id:{%s}", escapeTag(userID))
	}
	args := []interface{}{
		"FT.SEARCH", s.cfg.IndexName, filterExpr,
		"LIMIT", "0", strconv.Itoa(limit),
		"DIALECT", "2",
	}
	raw, err := s.client.Do(ctx, args...).Result()
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l2vector.SearchByEnergyRange", err)
	}
	scored, err := parseSearchResults(raw)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Node, len(scored))
	for i, sc := range scored {
		out[i] = sc.Node
	}
	return out, nil
}

// UpdateVector replaces a node's embedding vector.
func (s *Store) UpdateVector(ctx context.Context, id string, vector []float32) (bool, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if n == nil {
		return false, nil
	}
	n.Vector = vector
	if err := s.Put(ctx, n); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateEnergy updates a single node's energy scalar.
func (s *Store) UpdateEnergy(ctx context.Context, id string, energy float64) (bool, error) {
	exists, err := s.Exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}
	if err := s.client.HSet(ctx, s.key(id), "energy", energy).Err(); err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l2vector.UpdateEnergy", err)
	}
	return true, nil
}

// BatchUpdateEnergy applies many energy updates, returning the count
// successfully applied.
func (s *Store) BatchUpdateEnergy(ctx context.Context, updates map[string]float64) (int, error) {
	updated := 0
	for id, e := range updates {
		ok, err := s.UpdateEnergy(ctx, id, e)
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	return updated, nil
}

// ListRecent returns up to limit nodes sorted by created_at descending.
func (s *Store) ListRecent(ctx context.Context, limit int, userID string) ([]*models.Node, error) {
	filterExpr := "*"
	if userID != "" {
		filterExpr = fmt.Sprintf("@user_id:{%s}", escapeTag(userID))
	}
	args := []interface{}{
		"FT.SEARCH", s.cfg.IndexName, filterExpr,
		"SORTBY", "created_at", "DESC",
		"LIMIT", "0", strconv.Itoa(limit),
		"DIALECT", "2",
	}
	raw, err := s.client.Do(ctx, args...).Result()
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l2vector.ListRecent", err)
	}
	scored, err := parseSearchResults(raw)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Node, len(scored))
	for i, sc := range scored {
		out[i] = sc.Node
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Stats summarizes index occupancy.
type Stats struct {
	RowCount  int64
	IndexName string
	VectorDim int
}

// GetStats reports collection-level statistics.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{RowCount: count, IndexName: s.cfg.IndexName, VectorDim: s.cfg.VectorDim}, nil
}

// cosineSimilarityFromDistance converts the raw KNN "score" RediSearch
// returns for a COSINE-metric index — a distance in [0,2], 0 meaning
// identical — into a cosine similarity in [0,1], the convention the rest
// of the package (and its callers) expect.
func cosineSimilarityFromDistance(distance float64) float64 {
	return 1 - distance/2
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func hashToNode(id string, vals map[string]string) *models.Node {
	n := &models.Node{ID: id}
	n.Content = vals["content"]
	if v, ok := vals["vector"]; ok {
		n.Vector = decodeVector([]byte(v))
	}
	n.Energy = parseFloat(vals["energy"], 1.0)
	n.InitialEnergy = parseFloat(vals["initial_energy"], 1.0)
	n.LastAccessed = parseUnix(vals["last_accessed"])
	n.CreatedAt = parseUnix(vals["created_at"])
	n.Tier = models.Tier(vals["tier"])
	n.UserID = vals["user_id"]

	var entities []string
	if v, ok := vals["entities"]; ok {
		_ = json.Unmarshal([]byte(v), &entities)
	}
	n.Metadata = models.Metadata{
		Timestamp: parseUnix(vals["timestamp"]),
		Entities:  entities,
		Sentiment: parseFloat(vals["sentiment"], 0),
		Source:    vals["source"],
	}
	return n
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseUnix(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(n, 0)
}

// parseSearchResults parses a RediSearch FT.SEARCH reply: [total, id, fields, id, fields, ...].
func parseSearchResults(raw interface{}) ([]ScoredNode, error) {
	results, ok := raw.([]interface{})
	if !ok || len(results) < 2 {
		return nil, nil
	}

	var out []ScoredNode
	for i := 1; i+1 < len(results); i += 2 {
		id, _ := results[i].(string)
		fields, ok := results[i+1].([]interface{})
		if !ok {
			continue
		}

		vals := make(map[string]string, len(fields)/2)
		var distance float64
		for j := 0; j+1 < len(fields); j += 2 {
			k := fmt.Sprint(fields[j])
			v := fmt.Sprint(fields[j+1])
			if k == "score" {
				distance, _ = strconv.ParseFloat(v, 64)
				continue
			}
			vals[k] = v
		}
		idStr := strings.TrimPrefix(id, "biem:memory:")
		out = append(out, ScoredNode{Node: hashToNode(idStr, vals), Score: cosineSimilarityFromDistance(distance)})
	}
	return out, nil
}
