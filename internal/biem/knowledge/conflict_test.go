package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/biemlabs/biem/internal/biem/storage/l3"
)

func newTestL3(t *testing.T) *l3.Store {
	t.Helper()
	s := l3.New(l3.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestConflictDetectorCheckNoExistingTripleReturnsNoConflict(t *testing.T) {
	store := newTestL3(t)
	d := NewConflictDetector(DefaultConflictConfig(), store)

	result, err := d.Check(context.Background(), NewTriple("GPT-4", "context_window", "32k"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.HasConflict {
		t.Fatalf("expected no conflict against an empty store")
	}
}

func TestConflictDetectorCheckDirectValueConflict(t *testing.T) {
	store := newTestL3(t)
	ctx := context.Background()
	store.StoreTriple(ctx, NewTriple("GPT-4", "context_window", "32k"))

	d := NewConflictDetector(DefaultConflictConfig(), store)
	result, err := d.Check(ctx, NewTriple("GPT-4", "context_window", "128k"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.HasConflict || result.ConflictType != "value_change" {
		t.Fatalf("expected a value_change conflict, got %+v", result)
	}
	if result.ExistingTriple.Object != "32k" {
		t.Fatalf("expected existing object 32k, got %s", result.ExistingTriple.Object)
	}
}

func TestConflictDetectorCheckSameObjectIsNotAConflict(t *testing.T) {
	store := newTestL3(t)
	ctx := context.Background()
	store.StoreTriple(ctx, NewTriple("GPT-4", "context_window", "32k"))

	d := NewConflictDetector(DefaultConflictConfig(), store)
	result, err := d.Check(ctx, NewTriple("GPT-4", "context_window", "32k"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.HasConflict {
		t.Fatalf("expected identical object to not be a conflict")
	}
}

func TestIsAgentAutoUpdateRequiresAgentSourceAndHigherConfidence(t *testing.T) {
	existing := NewTriple("X", "y", "old")
	existing.Confidence = 0.7
	newer := NewTriple("X", "y", "new")
	newer.Confidence = 0.9
	newer.Source = SourceAgentSearch

	conflict := ConflictResult{HasConflict: true, ExistingTriple: existing, NewTriple: newer}
	if !isAgentAutoUpdate(conflict) {
		t.Fatalf("expected agent-sourced higher-confidence triple to auto-update")
	}

	newer.Source = SourceUserStated
	if isAgentAutoUpdate(conflict) {
		t.Fatalf("expected user-sourced triple to not auto-update")
	}
}

func TestConfirmationManagerConfirmStoresAndClearsPending(t *testing.T) {
	store := newTestL3(t)
	ctx := context.Background()
	existing := NewTriple("GPT-4", "context_window", "32k")
	store.StoreTriple(ctx, existing)

	cm := NewConfirmationManager(store)
	newT := NewTriple("GPT-4", "context_window", "128k")
	key := cm.AddPending(newT, existing)

	if !cm.HasPending() {
		t.Fatalf("expected a pending update after AddPending")
	}

	ok, err := cm.Confirm(ctx, key)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ok {
		t.Fatalf("expected confirm to succeed")
	}
	if cm.HasPending() {
		t.Fatalf("expected pending queue empty after confirm")
	}

	stored, err := store.GetTripleByIdentity(ctx, "GPT-4", "context_window")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Object != "128k" || stored.Version != 2 {
		t.Fatalf("expected updated triple at version 2, got %+v", stored)
	}
	if len(stored.PreviousValues) != 1 || stored.PreviousValues[0] != "32k" {
		t.Fatalf("expected previous_values to record 32k, got %v", stored.PreviousValues)
	}
}

func TestConfirmationManagerRejectDropsPendingWithoutStoring(t *testing.T) {
	store := newTestL3(t)
	cm := NewConfirmationManager(store)
	key := cm.AddPending(NewTriple("X", "y", "z"), nil)

	if !cm.Reject(key) {
		t.Fatalf("expected reject to report the pending entry existed")
	}
	if cm.HasPending() {
		t.Fatalf("expected no pending entries after reject")
	}
}

func TestClassifyResponseRecognizesPositiveAndNegative(t *testing.T) {
	if positive, recognized := ClassifyResponse("Yes, please update"); !recognized || !positive {
		t.Fatalf("expected recognized positive response")
	}
	if positive, recognized := ClassifyResponse("no, leave it"); !recognized || positive {
		t.Fatalf("expected recognized negative response")
	}
	if _, recognized := ClassifyResponse("what do you mean"); recognized {
		t.Fatalf("expected unrecognized response to report unhandled")
	}
}
