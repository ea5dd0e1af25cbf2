// Package inference is the Ollama-style HTTP completion/embedding client
// that backs BIEM's external capabilities (embed, complete, summarize,
// verify-conflict, infer-causal). Grounded on the source inference client,
// generalized from a single-purpose chat client into an adapter that
// produces the small function-typed capabilities the biem packages accept.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/biemlabs/biem/internal/biem/conflict"
)

// Message is a single turn in a chat-style completion request.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Config holds the inference client configuration.
type Config struct {
	OllamaURL      string  // Default: http://localhost:11434
	Model          string  // Default model for completion calls
	EmbeddingModel string  // Default model for embedding calls
	ContextSize    int     // Default: 32768
	Temperature    float64 // Default: 0.7
	Timeout        time.Duration

	RequestsPerSecond float64 // rate limit applied to every outbound call
	Burst             int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		OllamaURL:         "http://localhost:11434",
		Model:             "qwen2.5-coder:7b",
		EmbeddingModel:    "nomic-embed-text",
		ContextSize:       32768,
		Temperature:       0.7,
		Timeout:           15 * time.Minute, // local models can be slow
		RequestsPerSecond: 4,
		Burst:             4,
	}
}

// Client is the inference client for an Ollama-compatible server. Every
// outbound call passes through a shared rate limiter so a burst of
// concurrent capability calls (embed + complete + verify-conflict) never
// overwhelms a local model server.
type Client struct {
	config     *Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new inference client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	limit := rate.Limit(config.RequestsPerSecond)
	burst := config.Burst
	if config.RequestsPerSecond <= 0 {
		limit = rate.Inf
		burst = 1
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// GenerateRequest represents a request to Ollama's generate/chat endpoints.
type GenerateRequest struct {
	Model       string                 `json:"model"`
	Prompt      string                 `json:"prompt,omitempty"`
	Messages    []Message              `json:"messages,omitempty"`
	Stream      bool                   `json:"stream"`
	Temperature float64                `json:"temperature,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// GenerateResponse represents a response from Ollama's /api/generate.
type GenerateResponse struct {
	Model              string    `json:"model"`
	CreatedAt          time.Time `json:"created_at"`
	Response           string    `json:"response"`
	Done               bool      `json:"done"`
	Context            []int     `json:"context,omitempty"`
	TotalDuration      int64     `json:"total_duration,omitempty"`
	LoadDuration       int64     `json:"load_duration,omitempty"`
	PromptEvalCount    int       `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64     `json:"prompt_eval_duration,omitempty"`
	EvalCount          int       `json:"eval_count,omitempty"`
	EvalDuration       int64     `json:"eval_duration,omitempty"`
}

// InferenceResult holds the final result of an inference call.
type InferenceResult struct {
	Response     string
	TokensPerSec float64
	Latency      time.Duration
	Error        error
}

// Generate generates a streamed response for a raw prompt.
func (c *Client) Generate(ctx context.Context, prompt string, streaming bool) (<-chan string, error) {
	req := GenerateRequest{
		Model:       c.config.Model,
		Prompt:      prompt,
		Stream:      streaming,
		Temperature: c.config.Temperature,
		Options: map[string]interface{}{
			"num_ctx": c.config.ContextSize,
		},
	}

	return c.generate(ctx, req)
}

// GenerateWithMessages generates a streamed response using the chat API
// with message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []Message, streaming bool) (<-chan string, error) {
	req := GenerateRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Stream:      streaming,
		Temperature: c.config.Temperature,
		Options: map[string]interface{}{
			"num_ctx": c.config.ContextSize,
		},
	}

	return c.generateChat(ctx, req)
}

// generate makes a request to Ollama's /api/generate endpoint.
func (c *Client) generate(ctx context.Context, req GenerateRequest) (<-chan string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.OllamaURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	responseChan := make(chan string, 100)

	go func() {
		defer close(responseChan)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var genResp GenerateResponse
			if err := json.Unmarshal(scanner.Bytes(), &genResp); err != nil {
				continue
			}

			if genResp.Response != "" {
				select {
				case responseChan <- genResp.Response:
				case <-ctx.Done():
					return
				}
			}

			if genResp.Done {
				return
			}
		}
	}()

	return responseChan, nil
}

// generateChat makes a request to Ollama's /api/chat endpoint.
func (c *Client) generateChat(ctx context.Context, req GenerateRequest) (<-chan string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.OllamaURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	responseChan := make(chan string, 100)

	go func() {
		defer close(responseChan)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var chatResp struct {
				Message struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"message"`
				Done bool `json:"done"`
			}

			if err := json.Unmarshal(scanner.Bytes(), &chatResp); err != nil {
				continue
			}

			if chatResp.Message.Content != "" {
				select {
				case responseChan <- chatResp.Message.Content:
				case <-ctx.Done():
					return
				}
			}

			if chatResp.Done {
				return
			}
		}
	}()

	return responseChan, nil
}

// GenerateSync performs a synchronous (non-streaming) generation.
func (c *Client) GenerateSync(ctx context.Context, prompt string) (*InferenceResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	startTime := time.Now()

	req := GenerateRequest{
		Model:       c.config.Model,
		Prompt:      prompt,
		Stream:      false,
		Temperature: c.config.Temperature,
		Options: map[string]interface{}{
			"num_ctx": c.config.ContextSize,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.OllamaURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	latency := time.Since(startTime)
	tokensPerSec := 0.0
	if genResp.EvalDuration > 0 && genResp.EvalCount > 0 {
		tokensPerSec = float64(genResp.EvalCount) / (float64(genResp.EvalDuration) / 1e9)
	}

	return &InferenceResult{
		Response:     genResp.Response,
		TokensPerSec: tokensPerSec,
		Latency:      latency,
	}, nil
}

// ListModels lists available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.config.OllamaURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}

	return names, nil
}

// PullModel pulls a model from the Ollama registry.
func (c *Client) PullModel(ctx context.Context, modelName string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req := map[string]string{"name": modelName}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.OllamaURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		_ = scanner.Text()
	}

	return scanner.Err()
}

// embeddingRequest/embeddingResponse model Ollama's /api/embeddings contract.
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements the embedding capability (encoder.EmbedFunc): it
// embeds a single piece of text via the configured embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(embeddingRequest{Model: c.config.EmbeddingModel, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.OllamaURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	vec := make([]float32, len(er.Embedding))
	for i, v := range er.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// BatchEmbed implements encoder.BatchEmbedFunc by embedding texts one at a
// time; Ollama's embeddings endpoint takes a single prompt per call.
func (c *Client) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Complete implements the plain-text completion capability used by the
// knowledge extractor (knowledge.ExtractFunc): given a prompt, return the
// model's raw text response.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.GenerateSync(ctx, prompt)
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

// Consolidate implements tiermanager.ConsolidateFunc: it asks the model to
// synthesize several memory contents into one consolidated fact.
func (c *Client) Consolidate(ctx context.Context, contents []string) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following related memories into a single consolidated fact, preserving all distinct details:\n\n")
	for i, content := range contents {
		fmt.Fprintf(&b, "%d. %s\n", i+1, content)
	}
	return c.Complete(ctx, b.String())
}

// fencedJSON strips a ```json ... ``` or ``` ... ``` wrapper, tolerating
// lenient trailing text around the fence, matching the wire contract's
// "must tolerate fenced-code-block wrappers" requirement.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func unwrapFence(response string) string {
	if m := fencedJSON.FindStringSubmatch(response); m != nil {
		return m[1]
	}
	return strings.TrimSpace(response)
}

// nodeConflictResponse is the wire-exact node-conflict verification JSON
// contract.
type nodeConflictResponse struct {
	IsConflict   bool    `json:"is_conflict"`
	ConflictType string  `json:"conflict_type"`
	Description  string  `json:"description"`
	Confidence   float64 `json:"confidence"`
}

// VerifyConflict implements conflict.VerifyConflictFunc: it asks the model
// whether two pieces of content are in cognitive dissonance, and parses its
// answer against the node-conflict verification contract.
func (c *Client) VerifyConflict(ctx context.Context, contentA, contentB string) (conflict.VerifyResult, error) {
	prompt := fmt.Sprintf(`Compare these two statements and determine if they conflict.

Statement A: %s
Statement B: %s

Respond with JSON only: {"is_conflict": bool, "conflict_type": "contradiction"|"update"|"refinement"|"none", "description": str, "confidence": float}`, contentA, contentB)

	raw, err := c.Complete(ctx, prompt)
	if err != nil {
		return conflict.VerifyResult{}, err
	}

	var parsed nodeConflictResponse
	if err := json.Unmarshal([]byte(unwrapFence(raw)), &parsed); err != nil {
		return conflict.VerifyResult{}, fmt.Errorf("parse conflict verification response: %w", err)
	}

	return conflict.VerifyResult{
		IsConflict:   parsed.IsConflict,
		ConflictType: parsed.ConflictType,
		Description:  parsed.Description,
		Confidence:   parsed.Confidence,
	}, nil
}

// InferCausal implements router.CausalInferFunc: it asks the model for its
// confidence that the first statement caused the second, expressed as a
// single float in [0, 1].
func (c *Client) InferCausal(ctx context.Context, contentA, contentB string) (float64, error) {
	prompt := fmt.Sprintf(`On a scale of 0.0 to 1.0, how confident are you that the first event caused the second?

Event A: %s
Event B: %s

Respond with only the number, nothing else.`, contentA, contentB)

	raw, err := c.Complete(ctx, prompt)
	if err != nil {
		return 0, err
	}

	return parseConfidence(raw)
}

// EvaluateImportance implements energy.ImportanceEvaluator: it asks the
// model to rate how important a memory is to retain, as a float in [0, 1].
func (c *Client) EvaluateImportance(ctx context.Context, content string) (float64, error) {
	prompt := fmt.Sprintf(`Rate how important this memory is to retain long-term, from 0.0 (trivial) to 1.0 (critical):

%s

Respond with only the number, nothing else.`, content)

	raw, err := c.Complete(ctx, prompt)
	if err != nil {
		return 0, err
	}

	return parseConfidence(raw)
}

// parseConfidence extracts the first float found in a model response,
// tolerating surrounding prose and fenced wrappers.
func parseConfidence(response string) (float64, error) {
	trimmed := strings.TrimSpace(unwrapFence(response))
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return clamp01(v), nil
	}

	match := firstFloat.FindString(trimmed)
	if match == "" {
		return 0, fmt.Errorf("no numeric confidence found in response: %q", response)
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse numeric confidence: %w", err)
	}
	return clamp01(v), nil
}

var firstFloat = regexp.MustCompile(`-?\d+(\.\d+)?`)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
