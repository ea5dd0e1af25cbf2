// Package energy implements the biologically-inspired energy decay model:
// E(t) = E_last * exp(-lambda * delta_t), clamped to a configured floor,
// plus activation boosts and an initial-importance heuristic.
package energy

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biemlog"
)

// Config tunes decay behavior.
type Config struct {
	DecayLambda              float64       // decay coefficient; higher = faster decay
	MinEnergy                float64       // floor before a node is considered dead
	ActivationBoost           float64      // default boost on access
	MaxEnergy                float64       // cap
	DecayInterval             time.Duration // interval between background decay cycles
	HighImportanceThreshold   float64       // above this, refine heuristic with LLM
	LowImportanceThreshold    float64       // below this, node is a demotion candidate
}

// DefaultConfig mirrors the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		DecayLambda:             0.001,
		MinEnergy:               models.MinEnergy,
		ActivationBoost:         0.1,
		MaxEnergy:               models.MaxEnergy,
		DecayInterval:           60 * time.Second,
		HighImportanceThreshold: 0.7,
		LowImportanceThreshold:  0.3,
	}
}

// ImportanceEvaluator is the optional LLM capability used to refine the
// heuristic initial-importance estimate for high-value content.
type ImportanceEvaluator func(ctx context.Context, content string) (float64, error)

// Controller computes decay, applies boosts, and estimates initial energy.
type Controller struct {
	cfg      Config
	evaluate ImportanceEvaluator // may be nil
}

// New constructs a Controller. evaluate may be nil to disable LLM blending.
func New(cfg Config, evaluate ImportanceEvaluator) *Controller {
	return &Controller{cfg: cfg, evaluate: evaluate}
}

// SetImportanceEvaluator installs (or clears, with nil) the LLM capability.
func (c *Controller) SetImportanceEvaluator(eval ImportanceEvaluator) {
	c.evaluate = eval
}

// CalculateDecay returns the node's energy after decay to `now`, without
// mutating the node.
func (c *Controller) CalculateDecay(n *models.Node, now time.Time) float64 {
	deltaT := now.Sub(n.LastAccessed).Seconds()
	if deltaT <= 0 {
		return n.Energy
	}
	decayed := n.Energy * math.Exp(-c.cfg.DecayLambda*deltaT)
	if decayed < c.cfg.MinEnergy {
		return c.cfg.MinEnergy
	}
	return decayed
}

// ApplyDecay mutates n.Energy in place and returns the new value.
func (c *Controller) ApplyDecay(n *models.Node, now time.Time) float64 {
	n.Energy = c.CalculateDecay(n, now)
	return n.Energy
}

// ApplyDecayBatch applies decay to every node using a single "now" for
// the whole batch, returning the new energy per node ID.
func (c *Controller) ApplyDecayBatch(nodes []*models.Node) map[string]float64 {
	now := time.Now()
	results := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		results[n.ID] = c.ApplyDecay(n, now)
	}
	return results
}

// Boost adds boost to the node's energy, capped at MaxEnergy, and touches
// the node. A negative boost lowers the energy by that amount. BoostDefault
// boosts by the configured ActivationBoost.
func (c *Controller) Boost(n *models.Node, boost float64) float64 {
	n.Energy = math.Min(c.cfg.MaxEnergy, n.Energy+boost)
	n.Touch()
	return n.Energy
}

// BoostDefault boosts by the configured ActivationBoost.
func (c *Controller) BoostDefault(n *models.Node) float64 {
	return c.Boost(n, c.cfg.ActivationBoost)
}

// EstimateInitialEnergy estimates the starting energy for new content.
// Priority: explicit importance (if non-nil) > heuristic, optionally
// blended with an LLM score for high-scoring content.
func (c *Controller) EstimateInitialEnergy(ctx context.Context, content string, explicit *float64) float64 {
	if explicit != nil {
		v := *explicit
		if v < 0.1 {
			v = 0.1
		}
		if v > 1.0 {
			v = 1.0
		}
		return v
	}

	heuristic := c.heuristicImportance(content)

	if heuristic > c.cfg.HighImportanceThreshold && c.evaluate != nil {
		llmScore, err := c.evaluate(ctx, content)
		if err != nil {
			biemlog.Printf("Energy", "LLM importance evaluation failed, falling back to heuristic: %v", err)
			return heuristic
		}
		return 0.4*heuristic + 0.6*llmScore
	}

	return heuristic
}

var importanceMarkers = []string{"important", "remember", "key", "critical", "must", "always", "never"}

// heuristicImportance scores content in [0.1, 1.0] using length, entity
// density, digit presence, and explicit importance markers.
func (c *Controller) heuristicImportance(content string) float64 {
	score := 0.5

	length := len(content)
	switch {
	case length >= 50 && length <= 500:
		score += 0.1
	case length < 20:
		score -= 0.2
	case length > 2000:
		score -= 0.1
	}

	words := strings.Fields(content)
	if len(words) > 0 {
		capitalized := 0
		for _, w := range words {
			r := []rune(w)
			if len(r) > 0 && unicode.IsUpper(r[0]) {
				capitalized++
			}
		}
		ratio := float64(capitalized) / float64(len(words))
		if ratio > 0.1 {
			bonus := ratio
			if bonus > 0.2 {
				bonus = 0.2
			}
			score += bonus
		}
	}

	for _, r := range content {
		if unicode.IsDigit(r) {
			score += 0.1
			break
		}
	}

	lower := strings.ToLower(content)
	for _, marker := range importanceMarkers {
		if strings.Contains(lower, marker) {
			score += 0.15
			break
		}
	}

	if score < 0.1 {
		score = 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// IsAlive reports whether a node has enough energy to remain active.
func (c *Controller) IsAlive(n *models.Node) bool {
	return n.Energy >= c.cfg.MinEnergy
}

// NeedsDemotion reports whether a node should be considered for demotion.
func (c *Controller) NeedsDemotion(n *models.Node) bool {
	return n.Energy < c.cfg.LowImportanceThreshold
}

// DecayInfo is a diagnostic snapshot of a node's decay trajectory.
type DecayInfo struct {
	CurrentEnergy    float64
	ProjectedEnergy  float64
	TimeSinceAccess  time.Duration
	TimeToMinimum    time.Duration
	IsAlive          bool
	NeedsDemotion    bool
}

// GetDecayInfo computes diagnostic decay information for a node.
func (c *Controller) GetDecayInfo(n *models.Node) DecayInfo {
	now := time.Now()
	projected := c.CalculateDecay(n, now)

	var timeToMin time.Duration
	if n.Energy > c.cfg.MinEnergy {
		seconds := -math.Log(c.cfg.MinEnergy/n.Energy) / c.cfg.DecayLambda
		timeToMin = time.Duration(seconds * float64(time.Second))
	}

	return DecayInfo{
		CurrentEnergy:   n.Energy,
		ProjectedEnergy: projected,
		TimeSinceAccess: now.Sub(n.LastAccessed),
		TimeToMinimum:   timeToMin,
		IsAlive:         c.IsAlive(n),
		NeedsDemotion:   c.NeedsDemotion(n),
	}
}

// GetNodesFunc fetches the current candidate set for a decay cycle.
type GetNodesFunc func(ctx context.Context) ([]*models.Node, error)

// UpdateEnergiesFunc persists a batch of new energy values.
type UpdateEnergiesFunc func(ctx context.Context, updates map[string]float64) error

// RunDecayLoop runs fetch -> decay -> persist on cfg.DecayInterval until ctx
// is cancelled. Callback errors are logged and the loop continues.
func (c *Controller) RunDecayLoop(ctx context.Context, getNodes GetNodesFunc, update UpdateEnergiesFunc) {
	ticker := time.NewTicker(c.cfg.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nodes, err := getNodes(ctx)
			if err != nil {
				biemlog.Printf("Energy", "decay loop: get nodes failed: %v", err)
				continue
			}
			if len(nodes) == 0 {
				continue
			}
			updates := c.ApplyDecayBatch(nodes)
			if err := update(ctx, updates); err != nil {
				biemlog.Printf("Energy", "decay loop: persist failed: %v", err)
			}
		}
	}
}
