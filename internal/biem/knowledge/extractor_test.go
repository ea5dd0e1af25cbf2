package knowledge

import (
	"context"
	"testing"
)

func completingWith(response string) ExtractFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		return response, nil
	}
}

func TestExtractNoCapabilityInstalledReturnsNonFactual(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig(), nil)
	result := e.Extract(context.Background(), "Python was created by Guido van Rossum", "", "", "user")
	if result.IsFactual {
		t.Fatalf("expected non-factual result with no completion capability")
	}
}

func TestExtractSkipsShortMessages(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig(), completingWith(`{"is_factual": true, "confidence": 0.9, "triples": [{"subject":"X","predicate":"y","object":"z"}]}`))
	result := e.Extract(context.Background(), "hi", "", "", "user")
	if result.IsFactual {
		t.Fatalf("expected short message to be skipped")
	}
}

func TestExtractSkipsAgentMessagesWhenDisabled(t *testing.T) {
	cfg := DefaultExtractorConfig()
	cfg.ExtractFromAgent = false
	e := NewExtractor(cfg, completingWith(`{"is_factual": true, "confidence": 0.9, "triples": [{"subject":"X","predicate":"y","object":"z"}]}`))
	result := e.Extract(context.Background(), "This is a long enough assistant message", "", "", "assistant")
	if result.IsFactual {
		t.Fatalf("expected assistant message to be skipped when extract_from_agent is false")
	}
}

func TestExtractParsesFencedJSONAndNormalizesPredicate(t *testing.T) {
	response := "```json\n" +
		`{"is_factual": true, "intent": "statement", "confidence": 0.95, ` +
		`"triples": [{"subject": "Python", "predicate": "Created By", "object": "Guido van Rossum"}]}` +
		"\n```"
	e := NewExtractor(DefaultExtractorConfig(), completingWith(response))

	result := e.Extract(context.Background(), "Python was created by Guido van Rossum in 1991", "s1", "u1", "user")
	if !result.IsFactual || len(result.Triples) != 1 {
		t.Fatalf("expected one factual triple, got %+v", result)
	}
	tr := result.Triples[0]
	if tr.Predicate != "created_by" {
		t.Fatalf("expected normalized predicate created_by, got %q", tr.Predicate)
	}
	if tr.Source != SourceUserStated {
		t.Fatalf("expected user_stated source, got %s", tr.Source)
	}
	if tr.SessionID != "s1" || tr.UserID != "u1" {
		t.Fatalf("expected session/user attribution propagated, got %+v", tr)
	}
}

func TestExtractStrictModeFiltersUserSubjectAndDenylistedPredicates(t *testing.T) {
	response := `{"is_factual": true, "confidence": 0.9, "triples": [` +
		`{"subject": "user", "predicate": "likes", "object": "coffee"}, ` +
		`{"subject": "Alice", "predicate": "favorite", "object": "tea"}, ` +
		`{"subject": "Docker", "predicate": "requires", "object": "a kernel with cgroups"}]}`
	e := NewExtractor(DefaultExtractorConfig(), completingWith(response))

	result := e.Extract(context.Background(), "some long enough input message here", "", "", "user")
	if len(result.Triples) != 1 {
		t.Fatalf("expected only the non-personal triple to survive filtering, got %d", len(result.Triples))
	}
	if result.Triples[0].Subject != "Docker" {
		t.Fatalf("expected surviving triple to be about Docker, got %+v", result.Triples[0])
	}
}

func TestExtractBelowMinConfidenceYieldsNonFactual(t *testing.T) {
	cfg := DefaultExtractorConfig()
	cfg.MinConfidence = 0.8
	response := `{"is_factual": true, "confidence": 0.5, "triples": [{"subject":"X","predicate":"y","object":"z"}]}`
	e := NewExtractor(cfg, completingWith(response))

	result := e.Extract(context.Background(), "a message that is long enough to pass", "", "", "user")
	if result.IsFactual {
		t.Fatalf("expected low-confidence extraction to be rejected")
	}
}

func TestExtractAgentSearchMarkerTagsAgentSearchSource(t *testing.T) {
	response := `{"is_factual": true, "confidence": 0.9, "triples": [{"subject":"GPT-4","predicate":"context_window","object":"128k"}]}`
	e := NewExtractor(DefaultExtractorConfig(), completingWith(response))

	result := e.Extract(context.Background(), "According to the official documentation, GPT-4 supports 128k context", "", "", "assistant")
	if len(result.Triples) != 1 || result.Triples[0].Source != SourceAgentSearch {
		t.Fatalf("expected agent_search source, got %+v", result.Triples)
	}
}

func TestExtractUnparseableJSONYieldsNonFactual(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig(), completingWith("not json at all"))
	result := e.Extract(context.Background(), "a message that is long enough to pass filters", "", "", "user")
	if result.IsFactual {
		t.Fatalf("expected unparseable response to yield non-factual result")
	}
}

func TestNormalizePredicateLowercasesAndStripsPunctuation(t *testing.T) {
	if got := normalizePredicate("Context Window!"); got != "context_window" {
		t.Fatalf("unexpected normalized predicate: %q", got)
	}
}
