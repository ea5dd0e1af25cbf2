// Package knowledge implements the global knowledge-triple pipeline:
// extraction from conversational messages, a relational store with version
// history, a separate vector namespace for semantic triple search, and a
// conflict/confirmation workflow.
package knowledge

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Intent classifies the purpose behind a knowledge-bearing statement.
type Intent string

const (
	IntentStatement  Intent = "statement"
	IntentCorrection Intent = "correction"
	IntentQuestion   Intent = "question"
	IntentOpinion    Intent = "opinion"
)

// Source records provenance/confidence context for a triple.
type Source string

const (
	SourceConversation   Source = "conversation"
	SourceUserStated     Source = "user_stated"
	SourceUserCorrection Source = "user_correction"
	SourceUserVerified   Source = "user_verified"
	SourceAgentInferred  Source = "agent_inferred"
	SourceAgentSearch    Source = "agent_search"
	SourceAgentSummary   Source = "agent_summary"
)

// Triple is a globally unique (subject, predicate) -> object fact.
// Uniqueness is global on (lower(Subject), lower(Predicate)); UserID is
// contributor attribution only and has no bearing on identity or retrieval.
type Triple struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Predicate string `json:"predicate"`
	Object  string `json:"object"`

	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`

	Version         int      `json:"version"`
	PreviousValues  []string `json:"previous_values"`

	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Vector []float32 `json:"vector,omitempty"`
}

// NewTriple builds a Triple with a generated ID, version 1, and current
// timestamps.
func NewTriple(subject, predicate, object string) *Triple {
	now := time.Now()
	return &Triple{
		ID:         uuid.NewString(),
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Confidence: 0.8,
		Source:     SourceConversation,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IdentityKey returns the case-insensitive uniqueness key.
func (t *Triple) IdentityKey() (string, string) {
	return strings.ToLower(t.Subject), strings.ToLower(t.Predicate)
}

// ToText renders the triple as a short sentence for embedding.
func (t *Triple) ToText() string {
	return t.Subject + " " + t.Predicate + " " + t.Object
}

// Display renders a human-readable "(subject, predicate, object)" form.
func (t *Triple) Display() string {
	return "(" + t.Subject + ", " + t.Predicate + ", " + t.Object + ")"
}

// ExtractionResult is the outcome of running the Extractor over one message.
type ExtractionResult struct {
	IsFactual  bool     `json:"is_factual"`
	Intent     Intent   `json:"intent"`
	Triples    []*Triple `json:"triples"`
	Confidence float64  `json:"confidence"`
	RawMessage string   `json:"raw_message"`
}

// ConflictResult is the outcome of comparing a new triple against the store.
type ConflictResult struct {
	HasConflict    bool    `json:"has_conflict"`
	ExistingTriple *Triple `json:"existing_triple,omitempty"`
	NewTriple      *Triple `json:"new_triple,omitempty"`
	ConflictType   string  `json:"conflict_type"` // "value_change" | "contradiction"
	Suggestion     string  `json:"suggestion"`
}

// UpdateEvent is an append-only audit record of a triple value change.
type UpdateEvent struct {
	ID          string    `json:"id"`
	TripleID    string    `json:"triple_id"`
	OldValue    string    `json:"old_value"`
	NewValue    string    `json:"new_value"`
	Reason      string    `json:"reason"`
	Confirmed   bool      `json:"confirmed"`
	SessionID   string    `json:"session_id"`
	ContributorID string  `json:"contributor_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// PendingUpdate awaits explicit user confirmation before a triple is
// overwritten with conflicting information.
type PendingUpdate struct {
	ID                   string    `json:"id"`
	NewTriple            *Triple   `json:"new_triple"`
	ExistingTriple       *Triple   `json:"existing_triple,omitempty"`
	ConfirmationMessage  string    `json:"confirmation_message"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// IsExpired reports whether the pending update's timeout has elapsed.
func (p *PendingUpdate) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}

// NewPendingUpdate builds a PendingUpdate with a 5-minute default timeout.
func NewPendingUpdate(newTriple, existing *Triple, message string) *PendingUpdate {
	now := time.Now()
	return &PendingUpdate{
		ID:                  uuid.NewString(),
		NewTriple:           newTriple,
		ExistingTriple:      existing,
		ConfirmationMessage: message,
		CreatedAt:           now,
		ExpiresAt:           now.Add(5 * time.Minute),
	}
}
