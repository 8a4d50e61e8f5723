// Package openai implements llm.Embedder and llm.Summarizer against any
// OpenAI-compatible API.
package openai

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/starford/strata/internal/llm"
	"github.com/starford/strata/internal/models"
)

const (
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultChatModel      = "gpt-4o-mini"
)

type settings struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	maxTokens  int
}

// Option configures a client.
type Option func(*settings)

// WithAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(key string) Option { return func(s *settings) { s.apiKey = key } }

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

// WithModel selects the model.
func WithModel(model string) Option { return func(s *settings) { s.model = model } }

// WithDimensions requests shortened embeddings from models that support it.
func WithDimensions(n int) Option { return func(s *settings) { s.dimensions = n } }

// WithMaxTokens caps summary length.
func WithMaxTokens(n int) Option { return func(s *settings) { s.maxTokens = n } }

func newClient(s *settings) (openai.Client, error) {
	if s.apiKey == "" {
		s.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if s.apiKey == "" {
		return openai.Client{}, fmt.Errorf("openai: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(s.apiKey),
		// Retries are handled by llm.ReliableEmbedder / llm.ReliableSummarizer.
		option.WithMaxRetries(0),
	}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}
	return openai.NewClient(opts...), nil
}

// Embedder calls the embeddings endpoint.
type Embedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewEmbedder creates an embedding client.
func NewEmbedder(opts ...Option) (*Embedder, error) {
	s := &settings{model: DefaultEmbeddingModel}
	for _, opt := range opts {
		opt(s)
	}
	client, err := newClient(s)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: s.model, dimensions: s.dimensions}, nil
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings: %w", err)
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai: embeddings: index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai: embeddings: missing vector %d", i)
		}
	}
	return out, nil
}

func (e *Embedder) ModelName() string { return e.model }

func (e *Embedder) Dimensions() int { return e.dimensions }

// Summarizer calls the chat completions endpoint.
type Summarizer struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewSummarizer creates a summarization client.
func NewSummarizer(opts ...Option) (*Summarizer, error) {
	s := &settings{model: DefaultChatModel, maxTokens: 256}
	for _, opt := range opts {
		opt(s)
	}
	client, err := newClient(s)
	if err != nil {
		return nil, err
	}
	return &Summarizer{client: client, model: s.model, maxTokens: s.maxTokens}, nil
}

func (s *Summarizer) Summarize(ctx context.Context, req llm.SummaryRequest) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(req.Kind)),
			openai.UserMessage(userPrompt(req.Texts)),
		},
		Model:     openai.ChatModel(s.model),
		MaxTokens: openai.Int(int64(s.maxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: chat: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func systemPrompt(kind models.SummaryKind) string {
	if kind == models.SummaryDocument {
		return "You condense section summaries of one document into a single faithful summary. " +
			"Keep names, claims and conclusions. Do not add information."
	}
	return "You condense consecutive passages of one document into a short faithful summary. " +
		"Keep names, claims and conclusions. Do not add information."
}

func userPrompt(texts []string) string {
	var b strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&b, "[%d]\n%s\n\n", i+1, t)
	}
	return b.String()
}
