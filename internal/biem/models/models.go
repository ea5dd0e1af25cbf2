// Package models defines the core data types of the BIEM memory system:
// memory nodes, the typed links between them, conflict/dissonance records,
// and consolidated crystal facts.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LinkType is the type of relationship between two memory nodes.
type LinkType string

const (
	LinkTemporal LinkType = "temporal"
	LinkSemantic LinkType = "semantic"
	LinkCausal   LinkType = "causal"
)

// Link is a directed, typed, weighted edge between two memory nodes.
// Uniqueness key is (SourceID, TargetID, Type); re-insertion upserts weight.
type Link struct {
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Type      LinkType  `json:"link_type"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the identity tuple used for equality/dedup/upsert.
func (l Link) Key() (string, string, LinkType) {
	return l.SourceID, l.TargetID, l.Type
}

// Metadata carries contextual information about a MemoryNode.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
	Entities  []string  `json:"entities"`
	Sentiment float64   `json:"sentiment"` // [-1, 1]
	Source    string    `json:"source"`
	Tags      []string  `json:"tags"`
}

const (
	MaxEnergy = 1.0
	MinEnergy = 0.01
)

// Tier identifies which storage tier currently holds a node.
type Tier string

const (
	TierL1 Tier = "L1"
	TierL2 Tier = "L2"
	TierL3 Tier = "L3"
)

// Node is a single unit of episodic memory: content, embedding, metadata,
// and energy state. Energy decays over time per the formula
// E(t) = max(min_energy, E_last * exp(-lambda * delta_t)).
type Node struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Vector        []float32 `json:"vector"`
	Metadata      Metadata  `json:"metadata"`
	Energy        float64   `json:"energy"`
	InitialEnergy float64   `json:"initial_energy"`
	LastAccessed  time.Time `json:"last_accessed"`
	CreatedAt     time.Time `json:"created_at"`
	Tier          Tier      `json:"tier"`
	UserID        string    `json:"user_id"`
	Links         []Link    `json:"links"` // cached outbound edges; graph store is authoritative
}

// NewNode constructs a node with generated ID and sane defaults. Callers
// still need to set Content/Vector/Energy/UserID.
func NewNode() *Node {
	now := time.Now()
	return &Node{
		ID:            uuid.NewString(),
		Energy:        MaxEnergy,
		InitialEnergy: MaxEnergy,
		LastAccessed:  now,
		CreatedAt:     now,
		Tier:          TierL1,
	}
}

// Touch refreshes LastAccessed to the current time.
func (n *Node) Touch() {
	n.LastAccessed = time.Now()
}

// AddLink appends a link if an equivalent one (by Key) is not already
// present in the node's cached link list.
func (n *Node) AddLink(l Link) {
	sid, tid, lt := l.Key()
	for _, existing := range n.Links {
		if esid, etid, elt := existing.Key(); esid == sid && etid == tid && elt == lt {
			return
		}
	}
	n.Links = append(n.Links, l)
}

// LinksByType filters the node's cached links by type.
func (n *Node) LinksByType(t LinkType) []Link {
	var out []Link
	for _, l := range n.Links {
		if l.Type == t {
			out = append(out, l)
		}
	}
	return out
}

// Summarize renders a short display string, e.g. "[E=0.82] some content...".
func (n *Node) Summarize(maxLen int) string {
	content := n.Content
	truncated := false
	if len(content) > maxLen {
		content = content[:maxLen]
		truncated = true
	}
	if truncated {
		content += "..."
	}
	return fmt.Sprintf("[E=%.2f] %s", n.Energy, content)
}

// ConflictNode records a detected contradiction between two memory nodes.
type ConflictNode struct {
	ID           string    `json:"id"`
	NodeAID      string    `json:"node_a_id"` // existing memory
	NodeBID      string    `json:"node_b_id"` // new conflicting memory
	Similarity   float64   `json:"similarity"`
	ConflictType string    `json:"conflict_type"`
	Description  string    `json:"description"`
	Resolved     bool      `json:"resolved"`
	Resolution   string    `json:"resolution"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewConflictNode constructs a ConflictNode with a generated ID.
func NewConflictNode() *ConflictNode {
	return &ConflictNode{ID: uuid.NewString(), CreatedAt: time.Now()}
}

// ActionRequired enumerates the response a DissonanceSignal asks for.
type ActionRequired string

const (
	ActionConfirm     ActionRequired = "confirm"
	ActionRestructure ActionRequired = "restructure"
	ActionIgnore      ActionRequired = "ignore"
)

// DissonanceSignal is emitted when cognitive dissonance is detected between
// two memory nodes, prompting a confirmation or restructuring action.
type DissonanceSignal struct {
	Conflict       *ConflictNode  `json:"conflict"`
	ActionRequired ActionRequired `json:"action_required"`
	Priority       float64        `json:"priority"` // 0-1, higher = more urgent
	Context        string         `json:"context"`
}

// CrystalFact is a consolidated, durable summary synthesized from several
// co-activated memory nodes.
type CrystalFact struct {
	ID             string                 `json:"id"`
	Content        string                 `json:"content"`
	SourceNodeIDs  []string               `json:"source_node_ids"`
	Confidence     float64                `json:"confidence"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Metadata       map[string]interface{} `json:"metadata"`
	UserID         string                 `json:"user_id"`
}

// NewCrystalFact constructs a CrystalFact with a generated ID and current
// timestamps.
func NewCrystalFact() *CrystalFact {
	now := time.Now()
	return &CrystalFact{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now, Metadata: map[string]interface{}{}}
}
