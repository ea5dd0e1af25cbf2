// Plugin below is grounded on the source knowledge learning plugin
// (memory/knowledge/integration.py).
package knowledge

import (
	"context"

	"github.com/biemlabs/biem/internal/biem/storage/l3"
)

// PluginConfig tunes the knowledge learning plugin as a whole.
type PluginConfig struct {
	AutoStore         bool
	ExtractFromAgent  bool
	MaxContextItems   int
	EnableVectorSearch bool
}

// DefaultPluginConfig mirrors the source KnowledgePluginConfig defaults.
func DefaultPluginConfig() PluginConfig {
	return PluginConfig{AutoStore: true, ExtractFromAgent: false, MaxContextItems: 10, EnableVectorSearch: true}
}

// ProcessResult is the outcome of processing one message for knowledge.
type ProcessResult struct {
	Action              string // "none" | "stored" | "conflict"
	TriplesStored       []*Triple
	Conflicts           []ConflictResult
	ConfirmationPrompts []string
	PendingKeys         []string
}

// HasPendingConfirmation reports whether the result produced any pending
// confirmation keys.
func (r ProcessResult) HasPendingConfirmation() bool { return len(r.PendingKeys) > 0 }

// Plugin is the main integration point for knowledge learning: it wires
// the Extractor, the L3 relational store, the triple vector namespace,
// the ConflictDetector and ConfirmationManager into one message-processing
// surface.
type Plugin struct {
	cfg PluginConfig

	store      *l3.Store
	vectors    *VectorStore
	extractor  *Extractor
	conflicts  *ConflictDetector
	confirmations *ConfirmationManager

	storeAvailable bool
}

// NewPlugin wires a Plugin over an L3 store, an (optional) triple vector
// store, and an extractor.
func NewPlugin(cfg PluginConfig, store *l3.Store, vectors *VectorStore, extractor *Extractor, conflictCfg ConflictConfig) *Plugin {
	return &Plugin{
		cfg:           cfg,
		store:         store,
		vectors:       vectors,
		extractor:     extractor,
		conflicts:     NewConflictDetector(conflictCfg, store),
		confirmations: NewConfirmationManager(store),
	}
}

// Connect opens the L3 backend. A failure disables the plugin for this
// process's lifetime rather than propagating.
func (p *Plugin) Connect(ctx context.Context) error {
	if err := p.store.Connect(ctx); err != nil {
		p.storeAvailable = false
		return err
	}
	p.storeAvailable = true
	return nil
}

// IsAvailable reports whether the plugin is ready to process messages.
func (p *Plugin) IsAvailable() bool { return p.storeAvailable }

// ProcessMessage extracts knowledge from a message and, for each triple,
// either auto-stores it (no conflict, or an agent-sourced higher-
// confidence auto-update) or queues a PendingUpdate awaiting confirmation.
func (p *Plugin) ProcessMessage(ctx context.Context, message, sessionID, userID, role string) (ProcessResult, error) {
	if !p.IsAvailable() {
		return ProcessResult{Action: "none"}, nil
	}
	if role == "assistant" && !p.cfg.ExtractFromAgent {
		return ProcessResult{Action: "none"}, nil
	}

	extraction := p.extractor.Extract(ctx, message, sessionID, userID, role)
	if !extraction.IsFactual || len(extraction.Triples) == 0 {
		return ProcessResult{Action: "none"}, nil
	}

	var stored []*Triple
	var conflictResults []ConflictResult
	var prompts []string
	var pendingKeys []string

	for _, t := range extraction.Triples {
		conflict, err := p.conflicts.Check(ctx, t)
		if err != nil {
			return ProcessResult{}, err
		}

		switch {
		case conflict.HasConflict && isAgentAutoUpdate(conflict):
			if _, err := p.store.StoreTriple(ctx, t); err != nil {
				return ProcessResult{}, err
			}
			if p.vectors != nil {
				_ = p.vectors.Store(ctx, t)
			}
			stored = append(stored, t)
		case conflict.HasConflict:
			key := p.confirmations.AddPending(t, conflict.ExistingTriple)
			prompt := GenerateConfirmationPrompt(conflict)
			conflictResults = append(conflictResults, conflict)
			prompts = append(prompts, prompt)
			pendingKeys = append(pendingKeys, key)
		case p.cfg.AutoStore:
			if _, err := p.store.StoreTriple(ctx, t); err != nil {
				return ProcessResult{}, err
			}
			if p.vectors != nil {
				_ = p.vectors.Store(ctx, t)
			}
			stored = append(stored, t)
		}
	}

	action := "none"
	switch {
	case len(conflictResults) > 0:
		action = "conflict"
	case len(stored) > 0:
		action = "stored"
	}

	return ProcessResult{
		Action:              action,
		TriplesStored:       stored,
		Conflicts:           conflictResults,
		ConfirmationPrompts: prompts,
		PendingKeys:         pendingKeys,
	}, nil
}

// ProcessConfirmationResponse classifies a free-text response against the
// closed positive/negative vocabulary and, if recognized, confirms or
// rejects every pending update.
func (p *Plugin) ProcessConfirmationResponse(ctx context.Context, message, sessionID string) (handled bool, response string, err error) {
	if !p.confirmations.HasPending() {
		return false, "", nil
	}

	positive, recognized := ClassifyResponse(message)
	if !recognized {
		return false, "", nil
	}

	keys := p.confirmations.AllPendingKeys()
	if positive {
		for _, key := range keys {
			if _, err := p.confirmations.Confirm(ctx, key); err != nil {
				return true, "", err
			}
		}
		return true, "Knowledge updated.", nil
	}
	for _, key := range keys {
		p.confirmations.Reject(key)
	}
	return true, "Keeping the existing record.", nil
}

// ConfirmUpdate explicitly confirms or rejects a pending update by key.
func (p *Plugin) ConfirmUpdate(ctx context.Context, key string, confirmed bool) (bool, error) {
	if confirmed {
		return p.confirmations.Confirm(ctx, key)
	}
	return p.confirmations.Reject(key), nil
}

// GetContextForQuery returns a formatted block of knowledge relevant to a
// query, preferring vector search and falling back to full-text search.
func (p *Plugin) GetContextForQuery(ctx context.Context, query string, maxItems int) (string, error) {
	if !p.IsAvailable() {
		return "", nil
	}
	if maxItems <= 0 {
		maxItems = p.cfg.MaxContextItems
	}

	var triples []*Triple
	if p.vectors != nil && p.vectors.IsAvailable() {
		scored, err := p.vectors.Search(ctx, query, maxItems, 0)
		if err == nil {
			for _, s := range scored {
				t, err := p.store.GetTripleByID(ctx, s.TripleID)
				if err == nil && t != nil {
					triples = append(triples, t)
				}
			}
		}
	}

	if len(triples) == 0 {
		results, err := p.store.Search(ctx, query, maxItems)
		if err != nil {
			return "", err
		}
		triples = results
	}

	if len(triples) == 0 {
		return "", nil
	}

	return formatKnowledgeContext(triples), nil
}

func formatKnowledgeContext(triples []*Triple) string {
	lines := []string{"## Learned Knowledge"}
	for _, t := range triples {
		sourceTag := "[verified]"
		if t.Confidence < 1.0 {
			sourceTag = "[" + string(t.Source) + "]"
		}
		lines = append(lines, "- "+t.Display()+" "+sourceTag)
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}

// GetAllKnowledge returns every stored triple, up to limit.
func (p *Plugin) GetAllKnowledge(ctx context.Context, limit int) ([]*Triple, error) {
	if !p.IsAvailable() {
		return nil, nil
	}
	return p.store.GetAllTriples(ctx, limit)
}

// GetKnowledgeAbout returns every triple about a subject.
func (p *Plugin) GetKnowledgeAbout(ctx context.Context, subject string) ([]*Triple, error) {
	if !p.IsAvailable() {
		return nil, nil
	}
	return p.store.QueryBySubject(ctx, subject)
}

// Stats summarizes knowledge pipeline state.
type Stats struct {
	TriplesCount        int
	PendingConfirmations int
	VectorStoreEnabled  bool
}

// GetStats reports pipeline occupancy.
func (p *Plugin) GetStats(ctx context.Context) (Stats, error) {
	if !p.IsAvailable() {
		return Stats{}, nil
	}
	l3Stats, err := p.store.GetStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TriplesCount:         l3Stats.TriplesCount,
		PendingConfirmations: len(p.confirmations.AllPendingKeys()),
		VectorStoreEnabled:   p.vectors != nil && p.vectors.IsAvailable(),
	}, nil
}
