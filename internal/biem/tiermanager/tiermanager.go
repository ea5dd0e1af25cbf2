// Package tiermanager orchestrates data flow between the three storage
// tiers: promoting nodes from L2 to L1 as they become relevant, demoting
// them back down as they decay, and consolidating frequently co-activated
// clusters into durable crystal facts. Grounded on the source tier
// manager (memory/tier_manager.py).
package tiermanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/biemlabs/biem/internal/biem/energy"
	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biem/storage/l1"
	"github.com/biemlabs/biem/internal/biem/storage/l2graph"
	"github.com/biemlabs/biem/internal/biem/storage/l2vector"
	"github.com/biemlabs/biem/internal/biem/storage/l3"
	"github.com/biemlabs/biem/internal/biemerr"
	"github.com/biemlabs/biem/internal/biemlog"
)

// Config tunes promotion/demotion thresholds, consolidation, and the
// cadence of the two background maintenance loops.
type Config struct {
	L1EnergyThreshold float64
	L2ToL1Threshold   float64

	L1ToL2Threshold float64
	L2StaleDays     int

	ConsolidationThreshold  int
	ConsolidationSimilarity float64

	CleanupInterval       time.Duration
	ConsolidationInterval time.Duration
}

// DefaultConfig mirrors the source TierConfig defaults.
func DefaultConfig() Config {
	return Config{
		L1EnergyThreshold:       0.5,
		L2ToL1Threshold:         0.7,
		L1ToL2Threshold:         0.3,
		L2StaleDays:             30,
		ConsolidationThreshold:  5,
		ConsolidationSimilarity: 0.85,
		CleanupInterval:         300 * time.Second,
		ConsolidationInterval:   3600 * time.Second,
	}
}

// ConsolidateFunc is the external LLM-backed capability that synthesizes
// several memory contents into one consolidated fact.
type ConsolidateFunc func(ctx context.Context, contents []string) (string, error)

// Manager coordinates the L1/L2/L3 tiers and the energy controller.
type Manager struct {
	cfg Config

	l1     *l1.Store
	l2v    *l2vector.Store
	l2g    *l2graph.Graph
	l3     *l3.Store
	energy *energy.Controller

	l3Available bool

	consolidate ConsolidateFunc

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager bound to the four storage components and the
// energy controller.
func New(cfg Config, l1Store *l1.Store, l2Vector *l2vector.Store, l2Graph *l2graph.Graph, l3Store *l3.Store, energyCtl *energy.Controller) *Manager {
	return &Manager{cfg: cfg, l1: l1Store, l2v: l2Vector, l2g: l2Graph, l3: l3Store, energy: energyCtl}
}

// SetConsolidateCallback installs the LLM-based consolidation capability.
func (m *Manager) SetConsolidateCallback(f ConsolidateFunc) {
	m.consolidate = f
}

// ConnectAll connects every storage backend. L3 is optional: a connection
// failure is logged and the manager continues without durable persistence
// for this process's lifetime.
func (m *Manager) ConnectAll(ctx context.Context) error {
	// L1 is an in-process map; it has no connection step.
	if err := m.l2v.Connect(ctx); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "tiermanager.ConnectAll", fmt.Errorf("l2 vector: %w", err))
	}
	if err := m.l2g.Connect(ctx); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "tiermanager.ConnectAll", fmt.Errorf("l2 graph: %w", err))
	}

	if err := m.l3.Connect(ctx); err != nil {
		biemlog.Printf("Memory", "L3 not available: %v", err)
		biemlog.Printf("Memory", "continuing without L3 storage...")
		m.l3Available = false
	} else {
		m.l3Available = true
		m.restoreGraphFromL3(ctx)
	}
	return nil
}

func (m *Manager) restoreGraphFromL3(ctx context.Context) {
	if !m.l3Available {
		return
	}
	links, err := m.l3.GetAllLinks(ctx, 10000)
	if err != nil {
		biemlog.Printf("Memory", "failed to restore graph links: %v", err)
		return
	}
	restored := 0
	for _, link := range links {
		if err := m.l2g.AddLink(link, ""); err == nil {
			restored++
		}
	}
	if restored > 0 {
		biemlog.Printf("Memory", "restored %d links from L3 to graph", restored)
	}
}

// DisconnectAll stops background tasks and disconnects every backend.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	m.StopBackgroundTasks()
	if err := m.l2v.Disconnect(); err != nil {
		biemlog.Printf("Memory", "l2 vector disconnect: %v", err)
	}
	if err := m.l2g.Disconnect(ctx); err != nil {
		biemlog.Printf("Memory", "l2 graph disconnect: %v", err)
	}
	if m.l3Available {
		if err := m.l3.Disconnect(); err != nil {
			biemlog.Printf("Memory", "l3 disconnect: %v", err)
		}
	}
	return nil
}

// ==================== Node Operations ====================

// Store places a new node in the appropriate tier by its initial energy,
// always indexing it in L2 vector storage and registering it in the graph.
func (m *Manager) Store(ctx context.Context, node *models.Node) (string, error) {
	if len(node.Vector) == 0 {
		return "", biemerr.New(biemerr.ValidationFailure, "tiermanager.Store", fmt.Errorf("node must have a vector embedding"))
	}

	if node.Energy >= m.cfg.L1EnergyThreshold {
		node.Tier = models.TierL1
		m.l1.Put(node)
	} else {
		node.Tier = models.TierL2
	}

	if err := m.l2v.Put(ctx, node); err != nil {
		return "", err
	}
	m.l2g.AddNode(node.ID, node.UserID)

	return node.ID, nil
}

// Get retrieves a node, checking L1 first, then L2, boosting energy on
// each hit and promoting frequently accessed L2 nodes back to L1.
func (m *Manager) Get(ctx context.Context, nodeID string) (*models.Node, error) {
	if node, ok := m.l1.Get(nodeID); ok {
		m.energy.BoostDefault(node)
		return node, nil
	}

	node, err := m.l2v.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}

	m.energy.BoostDefault(node)
	if node.Energy >= m.cfg.L2ToL1Threshold {
		if err := m.promoteToL1(ctx, node); err != nil {
			biemlog.Printf("Memory", "promote to L1 failed: %v", err)
		}
	}
	return node, nil
}

// Delete removes a node from every tier's live index.
func (m *Manager) Delete(ctx context.Context, nodeID string) (bool, error) {
	m.l1.Delete(nodeID)
	if _, err := m.l2v.Delete(ctx, nodeID); err != nil {
		return false, err
	}
	m.l2g.RemoveNode(nodeID)
	return true, nil
}

// UpdateEnergy updates a node's energy in whichever tier holds it and
// triggers a tier transition if the new value crosses a threshold.
func (m *Manager) UpdateEnergy(ctx context.Context, nodeID string, energyValue float64) (bool, error) {
	l1Updated := m.l1.UpdateEnergy(nodeID, energyValue)
	l2Updated, err := m.l2v.UpdateEnergy(ctx, nodeID, energyValue)
	if err != nil {
		return false, err
	}

	if !l1Updated && !l2Updated {
		return false, nil
	}

	if l1Updated && energyValue < m.cfg.L1ToL2Threshold {
		if err := m.demoteFromL1(ctx, nodeID); err != nil {
			biemlog.Printf("Memory", "demote from L1 failed: %v", err)
		}
	} else if !l1Updated && energyValue >= m.cfg.L2ToL1Threshold {
		node, err := m.l2v.Get(ctx, nodeID)
		if err == nil && node != nil {
			if err := m.promoteToL1(ctx, node); err != nil {
				biemlog.Printf("Memory", "promote to L1 failed: %v", err)
			}
		}
	}

	return true, nil
}

// ==================== Tier Transitions ====================

func (m *Manager) promoteToL1(ctx context.Context, node *models.Node) error {
	if node.Tier == models.TierL1 {
		return nil
	}
	node.Tier = models.TierL1
	m.l1.Put(node)
	return m.l2v.Put(ctx, node)
}

func (m *Manager) demoteFromL1(ctx context.Context, nodeID string) error {
	node, ok := m.l1.Get(nodeID)
	if !ok {
		return nil
	}
	node.Tier = models.TierL2
	m.l1.Delete(nodeID)
	return m.l2v.Put(ctx, node)
}

// ArchiveToL3 consolidates a cluster of co-activated nodes into a crystal
// fact and persists it to L3 (if available). Returns nil if the cluster
// is below the configured consolidation threshold.
func (m *Manager) ArchiveToL3(ctx context.Context, nodes []*models.Node) (*models.CrystalFact, error) {
	if len(nodes) < m.cfg.ConsolidationThreshold {
		return nil, nil
	}

	contents := make([]string, len(nodes))
	for i, n := range nodes {
		contents[i] = n.Content
	}

	consolidated := ""
	if m.consolidate != nil {
		var err error
		consolidated, err = m.consolidate(ctx, contents)
		if err != nil {
			consolidated = simpleConsolidate(contents)
		}
	} else {
		consolidated = simpleConsolidate(contents)
	}

	fact := models.NewCrystalFact()
	fact.Content = consolidated
	fact.SourceNodeIDs = make([]string, len(nodes))
	var energySum float64
	for i, n := range nodes {
		fact.SourceNodeIDs[i] = n.ID
		energySum += n.Energy
	}
	fact.Confidence = energySum / float64(len(nodes))
	fact.Metadata["node_count"] = len(nodes)

	if m.l3Available {
		if _, err := m.l3.StoreFact(ctx, fact); err != nil {
			return nil, err
		}
	}

	return fact, nil
}

func simpleConsolidate(contents []string) string {
	if len(contents) == 0 {
		return ""
	}
	if len(contents) == 1 {
		return contents[0]
	}
	return fmt.Sprintf("[Consolidated from %d memories]\n%s", len(contents), contents[0])
}

// ==================== Search Operations ====================

// Search runs a vector search over L2, optionally boosting nodes that are
// also present in L1 (the working set), and returns the top_k results.
func (m *Manager) Search(ctx context.Context, queryVector []float32, topK int, includeL1 bool, filters map[string]l2vector.Filter, userID string) ([]l2vector.ScoredNode, error) {
	results, err := m.l2v.SearchByVector(ctx, queryVector, topK*2, filters, userID)
	if err != nil {
		return nil, err
	}

	if includeL1 {
		l1Nodes := m.l1.ListAll(userID)
		l1IDs := make(map[string]struct{}, len(l1Nodes))
		for _, n := range l1Nodes {
			l1IDs[n.ID] = struct{}{}
		}
		for i := range results {
			if _, ok := l1IDs[results[i].Node.ID]; ok {
				boosted := results[i].Score + 0.1
				if boosted > 1.0 {
					boosted = 1.0
				}
				results[i].Score = boosted
			}
		}
	}

	sortScoredDesc(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func sortScoredDesc(results []l2vector.ScoredNode) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// GetWorkingContext returns the most relevant nodes currently held in L1.
func (m *Manager) GetWorkingContext(limit int, userID string) []*models.Node {
	return m.l1.TopK(limit, userID)
}

// ==================== Background Tasks ====================

// StartBackgroundTasks launches the cleanup and consolidation loops. Both
// are cancellable via StopBackgroundTasks, which waits for any in-flight
// iteration to finish before returning.
func (m *Manager) StartBackgroundTasks(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(2)
	go m.cleanupLoop(ctx)
	go m.consolidationLoop(ctx)
}

// StopBackgroundTasks signals both loops to stop and waits for them to
// drain their current iteration.
func (m *Manager) StopBackgroundTasks() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		if err := m.runCleanup(ctx); err != nil {
			biemlog.Printf("Memory", "cleanup error: %v", err)
		}
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCleanup executes one cleanup pass: evicts stale and low-energy L1
// nodes down to L2, then applies decay to the remaining L1 nodes and
// demotes any that fall below threshold.
func (m *Manager) runCleanup(ctx context.Context) error {
	for _, node := range m.l1.CleanupStale() {
		node.Tier = models.TierL2
		if err := m.l2v.Put(ctx, node); err != nil {
			return err
		}
	}
	for _, node := range m.l1.CleanupLowEnergy() {
		node.Tier = models.TierL2
		if err := m.l2v.Put(ctx, node); err != nil {
			return err
		}
	}

	l1Nodes := m.l1.ListAll("")
	if len(l1Nodes) == 0 {
		return nil
	}
	updates := m.energy.ApplyDecayBatch(l1Nodes)
	for nodeID, e := range updates {
		if e < m.cfg.L1ToL2Threshold {
			if err := m.demoteFromL1(ctx, nodeID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) consolidationLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ConsolidationInterval)
	defer ticker.Stop()

	for {
		m.runConsolidation(ctx)
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runConsolidation does nothing: no component in this module selects
// clusters of co-activated nodes, so crystal facts are produced only when
// a caller passes a cluster to ArchiveToL3.
func (m *Manager) runConsolidation(ctx context.Context) {}

// ==================== Statistics ====================

// Stats aggregates the per-tier statistics exposed by each backend.
type Stats struct {
	L1      l1.Stats
	L2Vector l2vector.Stats
	L2Graph l2graph.Stats
	L3      *l3.Stats
}

// GetStats collects statistics from every tier. L3 stats are nil if L3 is
// unavailable.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		L1:      m.l1.GetStats(),
		L2Graph: m.l2g.GetStats(),
	}

	l2vStats, err := m.l2v.GetStats(ctx)
	if err != nil {
		return stats, err
	}
	stats.L2Vector = l2vStats

	if m.l3Available {
		l3Stats, err := m.l3.GetStats(ctx)
		if err != nil {
			return stats, err
		}
		stats.L3 = &l3Stats
	}

	return stats, nil
}
