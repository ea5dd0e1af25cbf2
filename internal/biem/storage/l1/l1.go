// Package l1 implements the L1 Working Store: an in-process, capacity- and
// TTL-bounded hot cache of high-energy memory nodes, partitioned by user.
// The locking shape (a single sync.RWMutex guarding a map) follows the
// teacher's routing cache (internal/agent/routing_cache.go). The store runs
// no goroutine of its own: stale and low-energy entries are removed when a
// caller invokes CleanupStale or CleanupLowEnergy.
package l1

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/biemlabs/biem/internal/biem/models"
)

// Config tunes the working store.
type Config struct {
	MaxNodes   int
	TTL        time.Duration
	MinEnergy  float64
}

// DefaultConfig mirrors the original's L1Config defaults.
func DefaultConfig() Config {
	return Config{
		MaxNodes:  100,
		TTL:       time.Hour,
		MinEnergy: 0.1,
	}
}

// Store is the in-memory working set, bounded by Config.MaxNodes.
type Store struct {
	cfg   Config
	mu    sync.RWMutex
	nodes map[string]*models.Node
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg, nodes: make(map[string]*models.Node)}
}

func (s *Store) filterByUser(userID string) []*models.Node {
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if userID == "" || n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// Put inserts or overwrites a node, sets its tier to L1, and evicts the
// lowest-energy entries if the store now exceeds capacity. Evicted nodes
// are returned so the caller (Tier Manager) can demote them to L2.
func (s *Store) Put(n *models.Node) []*models.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	n.Tier = models.TierL1
	s.nodes[n.ID] = n

	if len(s.nodes) <= s.cfg.MaxNodes {
		return nil
	}
	return s.evictLowestEnergyLocked(len(s.nodes) - s.cfg.MaxNodes)
}

// evictLowestEnergyLocked removes exactly `count` of the lowest-energy
// nodes and returns them. Caller must hold the write lock.
func (s *Store) evictLowestEnergyLocked(count int) []*models.Node {
	all := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		all = append(all, n)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Energy < all[j].Energy })

	if count > len(all) {
		count = len(all)
	}
	evicted := all[:count]
	for _, n := range evicted {
		delete(s.nodes, n.ID)
	}
	return evicted
}

// Get returns the node (touching it) if present.
func (s *Store) Get(id string) (*models.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if ok {
		n.Touch()
	}
	return n, ok
}

// Exists reports presence without touching the node.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Delete removes a node by ID, reporting whether it was present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return false
	}
	delete(s.nodes, id)
	return true
}

// Count returns the total number of resident nodes (all users).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Clear removes all nodes.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*models.Node)
}

// ListAll returns every resident node for userID (or all users if empty),
// sorted by descending energy.
func (s *Store) ListAll(userID string) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterByUser(userID)
	sort.Slice(out, func(i, j int) bool { return out[i].Energy > out[j].Energy })
	return out
}

// nodeHeap is a min-heap by Energy, used for an O(n log k) top-k selection.
type nodeHeap []*models.Node

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].Energy < h[j].Energy }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(*models.Node)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TopK returns the k highest-energy nodes for userID, descending.
func (s *Store) TopK(k int, userID string) []*models.Node {
	if k <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := &nodeHeap{}
	heap.Init(h)
	for _, n := range s.nodes {
		if userID != "" && n.UserID != userID {
			continue
		}
		heap.Push(h, n)
		if h.Len() > k {
			heap.Pop(h)
		}
	}

	out := make([]*models.Node, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(*models.Node)
	}
	return out
}

// ByEnergyThreshold returns nodes whose energy >= min, for userID.
func (s *Store) ByEnergyThreshold(min float64, userID string) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Node
	for _, n := range s.filterByUser(userID) {
		if n.Energy >= min {
			out = append(out, n)
		}
	}
	return out
}

// GetRecent returns up to limit nodes for userID sorted by most recently
// accessed first.
func (s *Store) GetRecent(limit int, userID string) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterByUser(userID)
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessed.After(out[j].LastAccessed) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// UpdateEnergy sets a node's energy directly, clamped to [0, 1].
func (s *Store) UpdateEnergy(id string, e float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	if e < 0 {
		e = 0
	}
	if e > 1 {
		e = 1
	}
	n.Energy = e
	return true
}

// BoostEnergy increases a node's energy by boost, capped at 1.0, and
// touches it.
func (s *Store) BoostEnergy(id string, boost float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return 0, false
	}
	n.Energy += boost
	if n.Energy > 1.0 {
		n.Energy = 1.0
	}
	n.Touch()
	return n.Energy, true
}

// CleanupStale removes and returns entries whose LastAccessed predates
// now-TTL.
func (s *Store) CleanupStale() []*models.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.cfg.TTL)
	var removed []*models.Node
	for id, n := range s.nodes {
		if n.LastAccessed.Before(cutoff) {
			removed = append(removed, n)
			delete(s.nodes, id)
		}
	}
	return removed
}

// CleanupLowEnergy removes and returns entries below MinEnergy.
func (s *Store) CleanupLowEnergy() []*models.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*models.Node
	for id, n := range s.nodes {
		if n.Energy < s.cfg.MinEnergy {
			removed = append(removed, n)
			delete(s.nodes, id)
		}
	}
	return removed
}

// Stats summarizes the current state of the store.
type Stats struct {
	Count        int
	Capacity     int
	UsagePercent float64
	AvgEnergy    float64
	MinEnergy    float64
	MaxEnergy    float64
}

// GetStats computes aggregate statistics over all resident nodes.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Count: len(s.nodes), Capacity: s.cfg.MaxNodes}
	if len(s.nodes) == 0 {
		return stats
	}
	stats.UsagePercent = 100 * float64(len(s.nodes)) / float64(s.cfg.MaxNodes)

	first := true
	var sum float64
	for _, n := range s.nodes {
		sum += n.Energy
		if first {
			stats.MinEnergy, stats.MaxEnergy = n.Energy, n.Energy
			first = false
			continue
		}
		if n.Energy < stats.MinEnergy {
			stats.MinEnergy = n.Energy
		}
		if n.Energy > stats.MaxEnergy {
			stats.MaxEnergy = n.Energy
		}
	}
	stats.AvgEnergy = sum / float64(len(s.nodes))
	return stats
}
