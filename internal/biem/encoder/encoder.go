// Package encoder turns raw text into memory nodes: it generates an
// embedding vector, extracts entity anchors, and scores sentiment. The
// embedding function itself is an external capability supplied by the
// caller; this package supplies regex-based entity extraction and
// lexicon-based sentiment as always-available local fallbacks, following
// the same division of labor as the source encoder (NLP/embedding backend
// vs. always-on regex/lexicon heuristics).
package encoder

import (
	"context"
	"regexp"
	"strings"

	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biemlog"
)

// Config tunes the encoder.
type Config struct {
	EmbeddingDim     int
	MaxContentLength int
}

// DefaultConfig mirrors the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		EmbeddingDim:     1024,
		MaxContentLength: 8000,
	}
}

// EmbedFunc is the external embedding capability: embed(text) -> vector.
// On failure the Encoder recovers locally with an all-zero vector rather
// than failing the ingest.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// BatchEmbedFunc embeds many texts in a single backend call.
type BatchEmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Encoder produces memory nodes from raw content.
type Encoder struct {
	cfg        Config
	embed      EmbedFunc      // may be nil
	batchEmbed BatchEmbedFunc // may be nil
}

// New constructs an Encoder. embed/batchEmbed may be nil, in which case
// GenerateEmbedding returns a zero vector (dimension probing is skipped
// until a real Capability is wired).
func New(cfg Config, embed EmbedFunc, batchEmbed BatchEmbedFunc) *Encoder {
	return &Encoder{cfg: cfg, embed: embed, batchEmbed: batchEmbed}
}

// SetEmbedFunc installs (or clears) the embedding capability.
func (e *Encoder) SetEmbedFunc(f EmbedFunc) { e.embed = f }

// ProbeDimension sends one probe embedding and adopts its length as the
// configured dimension if it differs, per §4.2's dimension-discovery rule.
func (e *Encoder) ProbeDimension(ctx context.Context) {
	if e.embed == nil {
		return
	}
	v, err := e.embed(ctx, "test")
	if err != nil {
		biemlog.Printf("Encoder", "dimension probe failed, keeping configured dim %d: %v", e.cfg.EmbeddingDim, err)
		return
	}
	if len(v) > 0 && len(v) != e.cfg.EmbeddingDim {
		biemlog.Printf("Encoder", "updating embedding_dim: %d -> %d", e.cfg.EmbeddingDim, len(v))
		e.cfg.EmbeddingDim = len(v)
	}
}

// Dim returns the currently configured embedding dimension.
func (e *Encoder) Dim() int { return e.cfg.EmbeddingDim }

// Encode builds a fully-populated Node (energy/tier left at NewNode's
// defaults of 1.0 and L1; the Energy Controller sets the real initial energy).
func (e *Encoder) Encode(ctx context.Context, content, source, location string, tags []string) *models.Node {
	entities := e.ExtractEntities(content)
	sentiment := e.AnalyzeSentiment(content)
	vector := e.GenerateEmbedding(ctx, content)

	n := models.NewNode()
	n.Content = content
	n.Vector = vector
	n.Metadata = models.Metadata{
		Location:  location,
		Entities:  entities,
		Sentiment: sentiment,
		Source:    source,
		Tags:      tags,
	}
	return n
}

// GenerateEmbedding truncates content to MaxContentLength and embeds it.
// On any failure (or no capability installed) it returns an all-zero
// vector of the configured dimension rather than propagating an error.
func (e *Encoder) GenerateEmbedding(ctx context.Context, content string) []float32 {
	truncated := truncate(content, e.cfg.MaxContentLength)

	if e.embed == nil {
		return make([]float32, e.cfg.EmbeddingDim)
	}
	v, err := e.embed(ctx, truncated)
	if err != nil || len(v) == 0 {
		if err != nil {
			biemlog.Printf("Encoder", "embedding failed, using zero vector: %v", err)
		}
		return make([]float32, e.cfg.EmbeddingDim)
	}
	return v
}

// GenerateEmbeddingsBatch embeds many texts with a single backend call
// when available, falling back to per-text calls otherwise.
func (e *Encoder) GenerateEmbeddingsBatch(ctx context.Context, contents []string) [][]float32 {
	if len(contents) == 0 {
		return nil
	}
	truncated := make([]string, len(contents))
	for i, c := range contents {
		truncated[i] = truncate(c, e.cfg.MaxContentLength)
	}

	if e.batchEmbed != nil {
		vs, err := e.batchEmbed(ctx, truncated)
		if err == nil && len(vs) == len(truncated) {
			return vs
		}
		if err != nil {
			biemlog.Printf("Encoder", "batch embedding failed, falling back to per-item calls: %v", err)
		}
	}

	out := make([][]float32, len(truncated))
	for i, c := range truncated {
		out[i] = e.GenerateEmbedding(ctx, c)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var (
	capitalizedPhraseRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)
	emailRe             = regexp.MustCompile(`\b[\w.-]+@[\w.-]+\.\w+\b`)
	urlRe               = regexp.MustCompile(`https?://\S+`)
	dateRe              = regexp.MustCompile(`(?i)\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b|\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{1,2},?\s*\d{4}\b`)
)

// ExtractEntities returns at most 20 deduplicated entity strings in
// insertion order, using regex heuristics (capitalized phrases, emails,
// URLs, short date patterns).
func (e *Encoder) ExtractEntities(content string) []string {
	var candidates []string
	candidates = append(candidates, capLimit(capitalizedPhraseRe.FindAllString(content, -1), 10)...)
	candidates = append(candidates, capLimit(emailRe.FindAllString(content, -1), 3)...)
	candidates = append(candidates, capLimit(urlRe.FindAllString(content, -1), 3)...)
	candidates = append(candidates, capLimit(dateRe.FindAllString(content, -1), 5)...)

	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, c := range candidates {
		key := strings.ToLower(c)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
		if len(out) == 20 {
			break
		}
	}
	return out
}

func capLimit(matches []string, n int) []string {
	if len(matches) > n {
		return matches[:n]
	}
	return matches
}

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "excellent": {}, "amazing": {}, "wonderful": {}, "fantastic": {},
	"happy": {}, "love": {}, "best": {}, "perfect": {}, "success": {}, "win": {}, "positive": {},
	"helpful": {}, "useful": {}, "effective": {}, "efficient": {}, "improve": {}, "solved": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "terrible": {}, "awful": {}, "horrible": {}, "worst": {}, "fail": {}, "error": {},
	"problem": {}, "issue": {}, "bug": {}, "crash": {}, "broken": {}, "wrong": {}, "negative": {},
	"difficult": {}, "hard": {}, "confusing": {}, "slow": {}, "frustrated": {}, "angry": {},
}

// AnalyzeSentiment scores content in [-1, 1] using a fixed lexicon.
func (e *Encoder) AnalyzeSentiment(content string) float64 {
	words := strings.Fields(strings.ToLower(content))
	if len(words) == 0 {
		return 0.0
	}
	pos, neg := 0, 0
	for _, w := range words {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0.0
	}
	score := float64(pos-neg) / float64(total)
	if score < -1.0 {
		return -1.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
