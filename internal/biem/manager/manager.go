// Package manager implements the public façade over the BIEM memory
// system: it wires the Encoder, Energy Controller, Tier Manager,
// Association Router and Conflict Checker into one surface and enforces
// per-user scoping on every operation. Grounded on the source memory
// manager (memory/memory_manager.py).
package manager

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biemlabs/biem/internal/biem/conflict"
	"github.com/biemlabs/biem/internal/biem/encoder"
	"github.com/biemlabs/biem/internal/biem/energy"
	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biem/router"
	"github.com/biemlabs/biem/internal/biem/storage/l2graph"
	"github.com/biemlabs/biem/internal/biem/storage/l2vector"
	"github.com/biemlabs/biem/internal/biem/storage/l3"
	"github.com/biemlabs/biem/internal/biem/tiermanager"
	"github.com/biemlabs/biem/internal/biemerr"
)

// Config tunes the recall fusion and startup behavior.
type Config struct {
	DefaultRecallLimit      int
	SpreadingActivationHops int
	SpreadingDecayFactor    float64
	AutoStartTasks          bool
}

// DefaultConfig mirrors the source MemoryConfig defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRecallLimit:      10,
		SpreadingActivationHops: 2,
		SpreadingDecayFactor:    0.5,
		AutoStartTasks:          true,
	}
}

// Manager is the public entry point for the BIEM memory system.
type Manager struct {
	cfg Config

	encoder  *encoder.Encoder
	energy   *energy.Controller
	tier     *tiermanager.Manager
	router   *router.Router
	conflict *conflict.Checker
	graph    *l2graph.Graph
	l3       *l3.Store

	mu          sync.Mutex
	userID      string
	initialized bool
	pending     []models.DissonanceSignal
}

// New wires a Manager over its component dependencies. graph and l3Store
// must be the same instances wired into tier and router.
func New(cfg Config, enc *encoder.Encoder, energyCtl *energy.Controller, tier *tiermanager.Manager, rtr *router.Router, conflictChecker *conflict.Checker, graph *l2graph.Graph, l3Store *l3.Store) *Manager {
	return &Manager{cfg: cfg, encoder: enc, energy: energyCtl, tier: tier, router: rtr, conflict: conflictChecker, graph: graph, l3: l3Store}
}

// SetUserID scopes every subsequent operation to the given user.
func (m *Manager) SetUserID(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = userID
}

func (m *Manager) currentUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Initialize connects every storage backend and, if configured, starts
// the Tier Manager's background maintenance loops. Safe to call more than
// once.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.tier.ConnectAll(ctx); err != nil {
		return err
	}
	m.encoder.ProbeDimension(ctx)

	if m.cfg.AutoStartTasks {
		m.tier.StartBackgroundTasks(ctx)
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Shutdown gracefully disconnects every backend and stops background
// tasks.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.tier.DisconnectAll(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

func (m *Manager) ensureInitialized(ctx context.Context) error {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if initialized {
		return nil
	}
	return m.Initialize(ctx)
}

// ==================== Core API ====================

// Ingest encodes content into a node, estimates its initial energy,
// checks it against similar existing nodes for conflicts, stores it, and
// establishes links to related nodes.
func (m *Manager) Ingest(ctx context.Context, content, source string, importance *float64, metadata map[string]any) (*models.Node, []models.DissonanceSignal, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, nil, err
	}
	if source == "" {
		source = "user"
	}

	var location string
	var tags []string
	if metadata != nil {
		if l, ok := metadata["location"].(string); ok {
			location = l
		}
		if t, ok := metadata["tags"].([]string); ok {
			tags = t
		}
	}

	node := m.encoder.Encode(ctx, content, source, location, tags)
	node.UserID = m.currentUserID()
	node.Energy = m.energy.EstimateInitialEnergy(ctx, content, importance)
	node.InitialEnergy = node.Energy

	existingSimilar, err := m.findSimilarNodes(ctx, node.Vector, 10)
	if err != nil {
		return nil, nil, err
	}
	existingNodes := make([]*models.Node, len(existingSimilar))
	for i, s := range existingSimilar {
		existingNodes[i] = s.Node
	}

	signals := m.conflict.CheckConflicts(ctx, node, existingNodes)
	m.mu.Lock()
	m.pending = append(m.pending, signals...)
	m.mu.Unlock()

	if _, err := m.tier.Store(ctx, node); err != nil {
		return nil, nil, err
	}

	m.router.RouteNewNode(ctx, node, existingNodes)

	return node, signals, nil
}

func (m *Manager) findSimilarNodes(ctx context.Context, vector []float32, limit int) ([]l2vector.ScoredNode, error) {
	return m.tier.Search(ctx, vector, limit, false, nil, m.currentUserID())
}

const (
	vectorWeight         = 0.7
	activationWeight     = 0.3
	activationOnlyWeight = 0.5
	activationOnlyFloor  = 0.1
)

// fuseRecallScores combines each initial vector hit's similarity score with
// its spreading-activation score. Nodes absent from initialResults are left
// for the caller to consider as activation-only hits.
func fuseRecallScores(initialResults []l2vector.ScoredNode, activationScores map[string]float64) map[string]float64 {
	combined := make(map[string]float64, len(initialResults))
	for _, r := range initialResults {
		combined[r.Node.ID] = vectorWeight*r.Score + activationWeight*activationScores[r.Node.ID]
	}
	return combined
}

// Recall retrieves the top-k most relevant memories for a query using
// two-stage retrieval: an initial vector search, optionally refined by
// graph spreading activation.
func (m *Manager) Recall(ctx context.Context, query string, topK int, useSpreading bool, filters map[string]l2vector.Filter) ([]*models.Node, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	k := topK
	if k <= 0 {
		k = m.cfg.DefaultRecallLimit
	}
	userID := m.currentUserID()

	queryVector := m.encoder.GenerateEmbedding(ctx, query)
	if isZeroVector(queryVector) {
		return m.tier.GetWorkingContext(k, userID), nil
	}

	initialResults, err := m.tier.Search(ctx, queryVector, k*2, false, filters, userID)
	if err != nil {
		return nil, err
	}
	if len(initialResults) == 0 {
		return m.tier.GetWorkingContext(k, userID), nil
	}

	if !useSpreading {
		if len(initialResults) > k {
			initialResults = initialResults[:k]
		}
		nodes := make([]*models.Node, len(initialResults))
		for i, r := range initialResults {
			nodes[i] = r.Node
		}
		return nodes, nil
	}

	seedCount := 5
	if seedCount > len(initialResults) {
		seedCount = len(initialResults)
	}
	seedIDs := make([]string, seedCount)
	for i := 0; i < seedCount; i++ {
		seedIDs[i] = initialResults[i].Node.ID
	}

	activationScores := m.graph.SpreadActivation(seedIDs, m.cfg.SpreadingActivationHops, m.cfg.SpreadingDecayFactor, userID)
	combined := fuseRecallScores(initialResults, activationScores)

	for nodeID, activation := range activationScores {
		if _, ok := combined[nodeID]; ok || activation <= activationOnlyFloor {
			continue
		}
		if node, err := m.tier.Get(ctx, nodeID); err == nil && node != nil {
			combined[nodeID] = activation * activationOnlyWeight
		}
	}

	ids := make([]string, 0, len(combined))
	for id := range combined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return combined[ids[i]] > combined[ids[j]] })
	if len(ids) > k {
		ids = ids[:k]
	}

	results := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		node, err := m.tier.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if node != nil {
			results = append(results, node)
		}
	}
	return results, nil
}

func isZeroVector(v []float32) bool {
	if len(v) == 0 {
		return true
	}
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// GetContext formats the top `limit` recalled memories as an LLM-ready
// context block.
func (m *Manager) GetContext(ctx context.Context, currentInput string, limit int) (string, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return "", err
	}
	memories, err := m.Recall(ctx, currentInput, limit, true, nil)
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "", nil
	}

	return formatContextBlock(memories), nil
}

const (
	energyIndicatorHigh   = "●"
	energyIndicatorMedium = "○"
	energyIndicatorLow    = "◌"
	contextPreviewLength  = 200
	contextMaxEntities    = 5
)

// formatContextBlock renders recalled memories as an LLM-ready context
// block: an energy badge, truncated content preview, and a capped entity
// list per memory.
func formatContextBlock(memories []*models.Node) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant Memories")
	for i, node := range memories {
		indicator := energyIndicatorLow
		switch {
		case node.Energy > 0.7:
			indicator = energyIndicatorHigh
		case node.Energy > 0.3:
			indicator = energyIndicatorMedium
		}
		preview := node.Content
		if len(preview) > contextPreviewLength {
			preview = preview[:contextPreviewLength] + "..."
		}
		fmt.Fprintf(&b, "\n%d. [%s E=%.2f] %s", i+1, indicator, node.Energy, preview)
		if len(node.Metadata.Entities) > 0 {
			entities := node.Metadata.Entities
			if len(entities) > contextMaxEntities {
				entities = entities[:contextMaxEntities]
			}
			fmt.Fprintf(&b, "\n   Entities: %s", strings.Join(entities, ", "))
		}
	}
	return b.String()
}

// RecordEvent ingests an agent decision/event and, when feedback is
// nonzero, boosts every related node's energy by feedback*0.1. For positive
// feedback it asks the router for a causal link from each related node to
// the new event node, weighted |feedback|; the router creates the link only
// when that weight reaches its causal confidence threshold (0.8 by
// default), so weaker positive feedback creates no link.
func (m *Manager) RecordEvent(ctx context.Context, eventType, content string, feedback float64, relatedNodeIDs []string) (*models.Node, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	importance := computeEventImportance(feedback)
	node, _, err := m.Ingest(ctx, content, "agent", &importance, map[string]any{
		"event_type": eventType,
		"feedback":   feedback,
	})
	if err != nil {
		return nil, err
	}

	if len(relatedNodeIDs) > 0 && feedback != 0 {
		boost := feedback * 0.1
		for _, relatedID := range relatedNodeIDs {
			related, err := m.tier.Get(ctx, relatedID)
			if err != nil || related == nil {
				continue
			}
			m.energy.Boost(related, boost)
			if _, err := m.tier.UpdateEnergy(ctx, relatedID, related.Energy); err != nil {
				continue
			}
			if feedback > 0 {
				m.router.CreateCausalLink(ctx, related.ID, node.ID, math.Abs(feedback), m.currentUserID())
			}
		}
	}

	return node, nil
}

// computeEventImportance mirrors the source record_event formula: baseline
// 0.5, plus up to 0.5 more for strongly-signed feedback.
func computeEventImportance(feedback float64) float64 {
	return 0.5 + math.Abs(feedback)*0.5
}

// ==================== Conflict Management ====================

// GetPendingConflicts returns a copy of the queued dissonance signals.
func (m *Manager) GetPendingConflicts() []models.DissonanceSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DissonanceSignal, len(m.pending))
	copy(out, m.pending)
	return out
}

// ResolveConflict applies the caller's chosen action (keep_new, keep_old,
// merge, ignore) to a pending conflict and removes it from the queue.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID, action string) (bool, error) {
	m.mu.Lock()
	idx := -1
	for i, signal := range m.pending {
		if signal.Conflict.ID == conflictID {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return false, nil
	}
	signal := m.pending[idx]
	m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
	m.mu.Unlock()

	switch action {
	case "keep_new":
		if _, err := m.tier.Delete(ctx, signal.Conflict.NodeAID); err != nil {
			return false, err
		}
	case "keep_old":
		if _, err := m.tier.Delete(ctx, signal.Conflict.NodeBID); err != nil {
			return false, err
		}
	case "merge":
		m.citeSupersededNode(ctx, signal.Conflict.NodeBID, signal.Conflict.NodeAID)
	case "ignore":
		// keep both; nothing further to do here
	}

	conflict.ResolveConflict(signal.Conflict, action)
	return true, nil
}

// citeSupersededNode implements the merge resolution: the new node stays
// authoritative, but the old node remains reachable via a semantic link
// and a "superseded:<old_id>" tag rather than being discarded outright.
func (m *Manager) citeSupersededNode(ctx context.Context, newNodeID, oldNodeID string) {
	newNode, err := m.tier.Get(ctx, newNodeID)
	if err != nil || newNode == nil {
		return
	}
	link := tagSupersededCitation(newNode, oldNodeID)
	m.graph.AddLink(link, newNode.UserID)
}

// tagSupersededCitation appends the "superseded:<old_id>" tag to newNode
// and returns the semantic link that cites the superseded node.
func tagSupersededCitation(newNode *models.Node, oldNodeID string) models.Link {
	newNode.Metadata.Tags = append(newNode.Metadata.Tags, "superseded:"+oldNodeID)
	return models.Link{
		SourceID:  newNode.ID,
		TargetID:  oldNodeID,
		Type:      models.LinkSemantic,
		Weight:    1.0,
		CreatedAt: time.Now(),
	}
}

// ==================== Direct Access ====================

// GetNode retrieves a node by id.
func (m *Manager) GetNode(ctx context.Context, nodeID string) (*models.Node, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return m.tier.Get(ctx, nodeID)
}

// DeleteNode removes a node and its incident links.
func (m *Manager) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return false, err
	}
	m.router.RemoveNodeLinks(nodeID)
	return m.tier.Delete(ctx, nodeID)
}

// GetWorkingMemory returns the nodes currently held in L1.
func (m *Manager) GetWorkingMemory(ctx context.Context, limit int) ([]*models.Node, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return m.tier.GetWorkingContext(limit, m.currentUserID()), nil
}

// SearchFacts searches consolidated L3 facts by content.
func (m *Manager) SearchFacts(ctx context.Context, query string, limit int) ([]*models.CrystalFact, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	if m.l3 == nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "manager.SearchFacts", nil)
	}
	return m.l3.SearchFactsByContent(ctx, query, limit, 0)
}

// Stats aggregates manager-level statistics on top of per-tier stats.
type Stats struct {
	Tier             tiermanager.Stats
	PendingConflicts int
	Initialized      bool
}

// GetStats reports comprehensive statistics across every tier.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return Stats{}, err
	}
	tierStats, err := m.tier.GetStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	m.mu.Lock()
	pendingCount := len(m.pending)
	initialized := m.initialized
	m.mu.Unlock()
	return Stats{Tier: tierStats, PendingConflicts: pendingCount, Initialized: initialized}, nil
}

// ==================== Callback Setters ====================

// SetEmbeddingCallback installs the external embedding capability.
func (m *Manager) SetEmbeddingCallback(f encoder.EmbedFunc) { m.encoder.SetEmbedFunc(f) }

// SetImportanceCallback installs the LLM-backed importance evaluator.
func (m *Manager) SetImportanceCallback(f energy.ImportanceEvaluator) { m.energy.SetImportanceEvaluator(f) }

// SetConflictVerifyCallback installs the LLM-backed conflict verifier.
func (m *Manager) SetConflictVerifyCallback(f conflict.VerifyConflictFunc) { m.conflict.SetVerifyConflictCallback(f) }

// SetConsolidationCallback installs the LLM-backed consolidation capability.
func (m *Manager) SetConsolidationCallback(f tiermanager.ConsolidateFunc) { m.tier.SetConsolidateCallback(f) }
