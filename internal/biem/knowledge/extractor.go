package knowledge

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// ExtractorConfig tunes the LLM-driven extraction pipeline.
type ExtractorConfig struct {
	MinConfidence      float64
	ExtractFromAgent   bool
	MaxTriplesPerMessage int
	StrictMode         bool
}

// DefaultExtractorConfig mirrors the source ExtractorConfig defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MinConfidence:        0.7,
		ExtractFromAgent:     true,
		MaxTriplesPerMessage: 5,
		StrictMode:           true,
	}
}

// userSpecificPredicates is the closed deny-list of predicates that
// indicate personal, non-generalizable information.
var userSpecificPredicates = map[string]struct{}{
	"name": {}, "age": {}, "birthday": {}, "birth_date": {}, "location": {}, "address": {},
	"city": {}, "country": {}, "email": {}, "phone": {}, "phone_number": {}, "job": {},
	"workplace": {}, "employer": {}, "occupation": {}, "preference": {}, "ui_preference": {},
	"editor": {}, "favorite": {}, "likes": {}, "dislikes": {}, "hobby": {}, "hobbies": {},
	"interest": {}, "interests": {}, "goal": {}, "goals": {}, "project": {}, "current_project": {},
	"working_on": {},
}

var searchIndicators = []string{
	"根据搜索", "搜索结果", "查询结果", "search result",
	"according to", "based on my search", "i found that",
	"官方文档", "documentation", "wikipedia", "官网",
	"来源:", "source:", "参考:", "reference:",
}

// rawExtraction is the wire-exact LLM JSON contract for knowledge
// extraction (see the external interfaces for the schema).
type rawExtraction struct {
	IsFactual bool `json:"is_factual"`
	Intent    string `json:"intent"`
	Triples   []struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
	} `json:"triples"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ExtractFunc is the external LLM completion capability: given a prompt,
// returns the raw completion text.
type ExtractFunc func(ctx context.Context, prompt string) (string, error)

// Extractor pulls structured knowledge triples out of conversational
// messages. Grounded on the source knowledge extractor
// (memory/knowledge/extractor.py).
type Extractor struct {
	cfg     ExtractorConfig
	complete ExtractFunc
}

// NewExtractor constructs an Extractor. complete may be nil: extraction
// is then unavailable and Extract always returns a non-factual result.
func NewExtractor(cfg ExtractorConfig, complete ExtractFunc) *Extractor {
	return &Extractor{cfg: cfg, complete: complete}
}

// SetCompleteFunc installs the LLM completion capability.
func (e *Extractor) SetCompleteFunc(f ExtractFunc) { e.complete = f }

// IsAvailable reports whether a completion capability is installed.
func (e *Extractor) IsAvailable() bool { return e.complete != nil }

// Extract runs extraction over a single message. role is "user" or
// "assistant"; it determines source tagging and the extract_from_agent
// gate.
func (e *Extractor) Extract(ctx context.Context, message, sessionID, userID, role string) ExtractionResult {
	if !e.IsAvailable() {
		return ExtractionResult{RawMessage: message}
	}
	if len(strings.TrimSpace(message)) < 10 {
		return ExtractionResult{RawMessage: message}
	}
	if role == "assistant" && !e.cfg.ExtractFromAgent {
		return ExtractionResult{RawMessage: message}
	}

	response, err := e.complete(ctx, buildExtractionPrompt(message))
	if err != nil || strings.TrimSpace(response) == "" {
		return ExtractionResult{RawMessage: message}
	}

	result := e.parseResponse(response, message)
	if !result.IsFactual && len(result.Triples) == 0 {
		return result
	}

	for _, t := range result.Triples {
		t.SessionID = sessionID
		t.UserID = userID

		switch {
		case role == "assistant":
			if isSearchResult(message) {
				t.Source = SourceAgentSearch
			} else {
				t.Source = SourceAgentSummary
			}
		case result.Intent == IntentCorrection:
			t.Source = SourceUserCorrection
		default:
			t.Source = SourceUserStated
		}
	}

	return result
}

func isSearchResult(message string) bool {
	lower := strings.ToLower(message)
	for _, ind := range searchIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func (e *Extractor) parseResponse(response, originalMessage string) ExtractionResult {
	jsonStr := response
	if m := fencedJSON.FindStringSubmatch(response); m != nil {
		jsonStr = m[1]
	} else {
		jsonStr = strings.TrimSpace(jsonStr)
	}

	var data rawExtraction
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return ExtractionResult{RawMessage: originalMessage}
	}

	intent := IntentStatement
	switch Intent(strings.ToLower(data.Intent)) {
	case IntentStatement, IntentCorrection, IntentQuestion, IntentOpinion:
		intent = Intent(strings.ToLower(data.Intent))
	}

	max := e.cfg.MaxTriplesPerMessage
	var triples []*Triple
	for i, rt := range data.Triples {
		if max > 0 && i >= max {
			break
		}
		if rt.Subject == "" || rt.Predicate == "" || rt.Object == "" {
			continue
		}
		subject := strings.TrimSpace(rt.Subject)
		predicate := normalizePredicate(rt.Predicate)
		object := strings.TrimSpace(rt.Object)

		if e.cfg.StrictMode {
			if strings.EqualFold(subject, "user") {
				continue
			}
			if _, denied := userSpecificPredicates[predicate]; denied {
				continue
			}
		}

		t := NewTriple(subject, predicate, object)
		t.Confidence = data.Confidence
		if t.Confidence == 0 {
			t.Confidence = 0.8
		}
		triples = append(triples, t)
	}

	if data.Confidence < e.cfg.MinConfidence {
		return ExtractionResult{RawMessage: originalMessage}
	}
	if len(triples) == 0 {
		return ExtractionResult{RawMessage: originalMessage}
	}

	return ExtractionResult{
		IsFactual:  data.IsFactual,
		Intent:     intent,
		Triples:    triples,
		Confidence: data.Confidence,
		RawMessage: originalMessage,
	}
}

var predicateCleanup = regexp.MustCompile(`[\s-]+`)
var predicateDisallowed = regexp.MustCompile(`[^a-z0-9_]`)

func normalizePredicate(predicate string) string {
	p := strings.ToLower(strings.TrimSpace(predicate))
	p = predicateCleanup.ReplaceAllString(p, "_")
	p = predicateDisallowed.ReplaceAllString(p, "")
	return p
}

func buildExtractionPrompt(message string) string {
	var b strings.Builder
	b.WriteString("You are a knowledge extraction system. Extract ONLY objective, generalizable knowledge ")
	b.WriteString("(technical facts, processes, domain knowledge) as (subject, predicate, object) triples. ")
	b.WriteString("Do NOT extract user-specific information (name, age, location, preferences, opinions). ")
	b.WriteString("Subject must never be \"user\". Predicate must be snake_case.\n\n")
	b.WriteString("Message: ")
	b.WriteString(message)
	b.WriteString("\n\nRespond with ONLY valid JSON matching: ")
	b.WriteString(`{"is_factual": bool, "intent": "statement|correction|question|opinion", "triples": [{"subject": str, "predicate": str, "object": str}], "confidence": float}`)
	return b.String()
}

// BatchExtract runs Extract over each message in order.
func (e *Extractor) BatchExtract(ctx context.Context, messages []string, sessionID, userID, role string) []ExtractionResult {
	results := make([]ExtractionResult, len(messages))
	for i, msg := range messages {
		results[i] = e.Extract(ctx, msg, sessionID, userID, role)
	}
	return results
}
