// Package router implements the AssociationRouter: it establishes
// temporal, semantic, and causal links between memory nodes as they are
// ingested, and exposes Hebbian-style path strengthening and multi-hop
// association lookups. Grounded on the source router
// (memory/operators/router.py), adapted to the in-process graph store in
// storage/l2graph and the durable link mirror in storage/l3.
package router

import (
	"context"
	"math"
	"sort"

	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biem/storage/l2graph"
	"github.com/biemlabs/biem/internal/biem/storage/l3"
	"github.com/biemlabs/biem/internal/biemlog"
)

// Strategy controls when a link category is created automatically.
type Strategy string

const (
	StrategyAuto     Strategy = "auto"
	StrategyDeferred Strategy = "deferred"
	StrategyDisabled Strategy = "disabled"
)

// Config tunes the router's linking thresholds and strategies.
type Config struct {
	TemporalStrategy Strategy
	SemanticStrategy Strategy
	CausalStrategy   Strategy

	TemporalWindowSeconds float64
	MaxTemporalLinks      int

	SemanticThreshold float64
	MaxSemanticLinks  int

	CausalConfidenceThreshold float64

	MaxRecentNodes int
}

// DefaultConfig mirrors the source RouterConfig defaults.
func DefaultConfig() Config {
	return Config{
		TemporalStrategy:          StrategyAuto,
		SemanticStrategy:          StrategyAuto,
		CausalStrategy:            StrategyDeferred,
		TemporalWindowSeconds:     300.0,
		MaxTemporalLinks:          5,
		SemanticThreshold:         0.7,
		MaxSemanticLinks:          10,
		CausalConfidenceThreshold: 0.8,
		MaxRecentNodes:            50,
	}
}

// CausalInferFunc is the external capability used to estimate, from two
// pieces of content, the confidence that the first causes the second.
type CausalInferFunc func(ctx context.Context, contentA, contentB string) (float64, error)

type recentNode struct {
	id        string
	timestamp float64 // unix seconds
}

// Router establishes and maintains associative links between memory nodes.
type Router struct {
	cfg   Config
	graph *l2graph.Graph

	l3          *l3.Store
	l3Available bool

	recent []recentNode

	inferCausal CausalInferFunc
}

// New constructs a Router bound to the in-process graph store.
func New(cfg Config, graph *l2graph.Graph) *Router {
	return &Router{cfg: cfg, graph: graph}
}

// SetL3Storage wires the durable crystal store for link persistence.
// Persistence is best-effort: failures are logged, never propagated,
// because the in-process graph already holds the authoritative link.
func (r *Router) SetL3Storage(store *l3.Store, available bool) {
	r.l3 = store
	r.l3Available = available
}

// SetCausalInferenceCallback installs the LLM-backed causal inference
// capability used by InferCausalLinks.
func (r *Router) SetCausalInferenceCallback(f CausalInferFunc) {
	r.inferCausal = f
}

// RouteNewNode establishes temporal and (if context nodes are supplied)
// semantic links for a newly ingested node, then records it as recent.
func (r *Router) RouteNewNode(ctx context.Context, node *models.Node, contextNodes []*models.Node) []models.Link {
	var created []models.Link

	if r.cfg.TemporalStrategy == StrategyAuto {
		created = append(created, r.createTemporalLinks(ctx, node)...)
	}
	if r.cfg.SemanticStrategy == StrategyAuto && len(contextNodes) > 0 {
		created = append(created, r.createSemanticLinks(ctx, node, contextNodes)...)
	}

	r.updateRecentNodes(node.ID, float64(node.CreatedAt.Unix()))
	return created
}

func (r *Router) createTemporalLinks(ctx context.Context, node *models.Node) []models.Link {
	currentTime := float64(node.CreatedAt.Unix())
	cutoff := currentTime - r.cfg.TemporalWindowSeconds

	type candidate struct {
		id string
		ts float64
	}
	var inWindow []candidate
	for _, rn := range r.recent {
		if rn.ts >= cutoff && rn.id != node.ID {
			inWindow = append(inWindow, candidate{rn.id, rn.ts})
		}
	}
	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i].ts > inWindow[j].ts })
	if len(inWindow) > r.cfg.MaxTemporalLinks {
		inWindow = inWindow[:r.cfg.MaxTemporalLinks]
	}

	var links []models.Link
	for _, c := range inWindow {
		link := models.Link{
			SourceID:  node.ID,
			TargetID:  c.id,
			Type:      models.LinkTemporal,
			Weight:    r.temporalWeight(currentTime, c.ts),
			CreatedAt: node.CreatedAt,
		}
		r.persistLink(ctx, link, node.UserID)
		links = append(links, link)
	}
	return links
}

func (r *Router) temporalWeight(timeA, timeB float64) float64 {
	delta := math.Abs(timeA - timeB)
	maxDelta := r.cfg.TemporalWindowSeconds
	if maxDelta <= 0 {
		return 0.1
	}
	weight := 1.0 - (delta / maxDelta)
	if weight < 0.1 {
		return 0.1
	}
	return weight
}

func (r *Router) createSemanticLinks(ctx context.Context, node *models.Node, candidates []*models.Node) []models.Link {
	if len(node.Vector) == 0 {
		return nil
	}

	type scored struct {
		id    string
		score float64
	}
	var sims []scored
	for _, c := range candidates {
		if c.ID == node.ID || len(c.Vector) == 0 {
			continue
		}
		sim := cosineSimilarity(node.Vector, c.Vector)
		if sim >= r.cfg.SemanticThreshold {
			sims = append(sims, scored{c.ID, sim})
		}
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].score > sims[j].score })
	if len(sims) > r.cfg.MaxSemanticLinks {
		sims = sims[:r.cfg.MaxSemanticLinks]
	}

	var links []models.Link
	for _, s := range sims {
		link := models.Link{
			SourceID:  node.ID,
			TargetID:  s.id,
			Type:      models.LinkSemantic,
			Weight:    s.score,
			CreatedAt: node.CreatedAt,
		}
		r.persistLink(ctx, link, node.UserID)
		links = append(links, link)
	}
	return links
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

// persistLink adds the link to the authoritative in-process graph, then
// best-effort mirrors it to the durable L3 store.
func (r *Router) persistLink(ctx context.Context, link models.Link, userID string) {
	if err := r.graph.AddLink(link, userID); err != nil {
		biemlog.Printf("Router", "add link to graph failed: %v", err)
		return
	}
	if r.l3Available && r.l3 != nil {
		if _, err := r.l3.StoreLink(ctx, link); err != nil {
			biemlog.Printf("Router", "failed to persist link to L3: %v", err)
		}
	}
}

// CreateCausalLink explicitly records a causal relationship if confidence
// meets the configured threshold, returning nil otherwise.
func (r *Router) CreateCausalLink(ctx context.Context, causeID, effectID string, confidence float64, userID string) *models.Link {
	if confidence < r.cfg.CausalConfidenceThreshold {
		return nil
	}
	link := models.Link{
		SourceID: causeID,
		TargetID: effectID,
		Type:     models.LinkCausal,
		Weight:   confidence,
	}
	r.persistLink(ctx, link, userID)
	return &link
}

// InferCausalLinks uses the installed causal-inference capability to test
// node against every candidate, creating a causal link wherever confidence
// clears the threshold. A nil callback or a disabled strategy yields no
// links.
func (r *Router) InferCausalLinks(ctx context.Context, node *models.Node, candidates []*models.Node) []models.Link {
	if r.cfg.CausalStrategy == StrategyDisabled || r.inferCausal == nil {
		return nil
	}

	var links []models.Link
	for _, c := range candidates {
		if c.ID == node.ID {
			continue
		}
		confidence, err := r.inferCausal(ctx, node.Content, c.Content)
		if err != nil {
			continue
		}
		if confidence >= r.cfg.CausalConfidenceThreshold {
			if link := r.CreateCausalLink(ctx, node.ID, c.ID, confidence, node.UserID); link != nil {
				links = append(links, *link)
			}
		}
	}
	return links
}

// StrengthenPath applies Hebbian-style reinforcement along a sequence of
// co-activated nodes, boosting each consecutive link's weight.
func (r *Router) StrengthenPath(nodeIDs []string, boost float64) {
	for i := 0; i < len(nodeIDs)-1; i++ {
		r.graph.StrengthenLink(nodeIDs[i], nodeIDs[i+1], boost)
	}
}

// GetAssociatedNodes returns nodes associated with nodeID. With maxHops==1
// it reads direct neighbours; for more hops it delegates to spreading
// activation.
func (r *Router) GetAssociatedNodes(nodeID string, linkTypes []models.LinkType, maxHops int, userID string) map[string]float64 {
	if maxHops <= 1 {
		neighbors := r.graph.GetNeighbors(nodeID, nil, l2graph.DirBoth)
		result := make(map[string]float64)
		for _, n := range neighbors {
			if len(linkTypes) > 0 && !containsType(linkTypes, n.Link.Type) {
				continue
			}
			result[n.NodeID] = n.Link.Weight
		}
		return result
	}
	return r.graph.SpreadActivation([]string{nodeID}, maxHops, 0.5, userID)
}

func containsType(types []models.LinkType, t models.LinkType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (r *Router) updateRecentNodes(nodeID string, timestamp float64) {
	r.recent = append(r.recent, recentNode{nodeID, timestamp})
	if len(r.recent) > r.cfg.MaxRecentNodes {
		sort.Slice(r.recent, func(i, j int) bool { return r.recent[i].timestamp > r.recent[j].timestamp })
		r.recent = r.recent[:r.cfg.MaxRecentNodes]
	}
}

// RemoveNodeLinks removes every link incident to nodeID, returning the
// count removed, and drops it from the recent-nodes buffer.
func (r *Router) RemoveNodeLinks(nodeID string) int {
	links := r.graph.GetLinks(nodeID)
	count := 0
	for _, link := range links {
		if r.graph.RemoveLink(link.SourceID, link.TargetID, link.Type) {
			count++
		}
	}
	for _, n := range r.graph.GetNeighbors(nodeID, nil, l2graph.DirIn) {
		if r.graph.RemoveLink(n.Link.SourceID, n.Link.TargetID, n.Link.Type) {
			count++
		}
	}

	var kept []recentNode
	for _, rn := range r.recent {
		if rn.id != nodeID {
			kept = append(kept, rn)
		}
	}
	r.recent = kept

	return count
}
