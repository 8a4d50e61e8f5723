package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/strata/internal/hierarchy"
	"github.com/starford/strata/internal/llm"
)

// Provider names.
const (
	ProviderOpenAI     = "openai"
	ProviderHash       = "hash"
	ProviderExtractive = "extractive"
)

// Config represents the application configuration.
type Config struct {
	App         ApplicationConfig `yaml:"app"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	Media       MediaConfig       `yaml:"media"`
	Inbox       InboxConfig       `yaml:"inbox"`
	Splitter    SplitterConfig    `yaml:"splitter"`
	Hierarchy   HierarchyConfig   `yaml:"hierarchy"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Workers     WorkersConfig     `yaml:"workers"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"sqlite", &c.SQLite},
		{"media", &c.Media},
		{"inbox", &c.Inbox},
		{"splitter", &c.Splitter},
		{"hierarchy", &c.Hierarchy},
		{"embedding", &c.Embedding},
		{"summarizer", &c.Summarizer},
		{"workers", &c.Workers},
		{"vector_index", &c.VectorIndex},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// MediaConfig holds the directory media blobs are written to.
type MediaConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the media configuration.
func (c *MediaConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// InboxConfig configures drop-folder ingestion.
type InboxConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
}

// Validate validates the inbox configuration. Path and collection are only
// required when the inbox is enabled.
func (c *InboxConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.Collection, validation.When(c.Enabled, validation.Required)),
	)
}

// SplitterConfig selects the leaf granularity and tokenizer.
type SplitterConfig struct {
	Policy           string  `yaml:"policy"`
	TargetTokens     int     `yaml:"target_tokens"`
	Tolerance        float64 `yaml:"tolerance"`
	Tokenizer        string  `yaml:"tokenizer"`
	TiktokenEncoding string  `yaml:"tiktoken_encoding"`
}

// Validate validates the splitter configuration.
func (c *SplitterConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Policy, validation.In("paragraph", "sentence", "custom")),
		validation.Field(&c.TargetTokens, validation.Min(0), validation.When(c.Policy == "custom", validation.Required)),
		validation.Field(&c.Tolerance, validation.Min(0.0), validation.Max(4.0)),
		validation.Field(&c.Tokenizer, validation.In("words", "tiktoken")),
	)
}

// HierarchyConfig bounds section grouping.
type HierarchyConfig struct {
	MinGroup       int `yaml:"min_group"`
	MaxGroup       int `yaml:"max_group"`
	MaxGroupTokens int `yaml:"max_group_tokens"`
}

// Builder converts the section into the builder's config.
func (c *HierarchyConfig) Builder() hierarchy.Config {
	return hierarchy.Config{MinGroup: c.MinGroup, MaxGroup: c.MaxGroup, MaxGroupTokens: c.MaxGroupTokens}
}

// Validate validates the hierarchy configuration.
func (c *HierarchyConfig) Validate() error {
	cfg := c.Builder()
	return cfg.Validate()
}

// ExternalCallConfig is the reliability policy shared by external clients.
type ExternalCallConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	Backoff           time.Duration `yaml:"backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// Policy converts the section into an llm.Policy.
func (c *ExternalCallConfig) Policy() llm.Policy {
	return llm.Policy{
		Timeout:           c.Timeout,
		MaxRetries:        c.MaxRetries,
		Backoff:           c.Backoff,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

func (c *ExternalCallConfig) rules() []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.Backoff, validation.Min(time.Duration(0))),
		validation.Field(&c.RequestsPerSecond, validation.Min(0.0)),
	}
}

// EmbeddingConfig selects and tunes the embedding client.
type EmbeddingConfig struct {
	Provider           string `yaml:"provider"`
	Model              string `yaml:"model"`
	BaseURL            string `yaml:"base_url"`
	APIKeyEnv          string `yaml:"api_key_env"`
	Dimensions         int    `yaml:"dimensions"`
	CacheSize          int    `yaml:"cache_size"`
	ExternalCallConfig `yaml:",inline"`
}

// APIKey reads the key from the configured environment variable.
func (c *EmbeddingConfig) APIKey() string { return apiKey(c.APIKeyEnv) }

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	rules := append([]*validation.FieldRules{
		validation.Field(&c.Provider, validation.Required, validation.In(ProviderOpenAI, ProviderHash)),
		validation.Field(&c.Dimensions, validation.Min(0), validation.When(c.Provider == ProviderHash, validation.Required)),
		validation.Field(&c.CacheSize, validation.Min(0)),
	}, c.ExternalCallConfig.rules()...)
	if err := validation.ValidateStruct(c, rules...); err != nil {
		return err
	}
	if c.Provider == ProviderOpenAI && c.APIKey() == "" {
		return errors.New("openai provider needs an API key in $" + envOr(c.APIKeyEnv))
	}
	return nil
}

// SummarizerConfig selects and tunes the summarization client.
type SummarizerConfig struct {
	Provider           string `yaml:"provider"`
	Model              string `yaml:"model"`
	BaseURL            string `yaml:"base_url"`
	APIKeyEnv          string `yaml:"api_key_env"`
	MaxSentences       int    `yaml:"max_sentences"`
	MaxTokens          int    `yaml:"max_tokens"`
	ExternalCallConfig `yaml:",inline"`
}

// APIKey reads the key from the configured environment variable.
func (c *SummarizerConfig) APIKey() string { return apiKey(c.APIKeyEnv) }

// Validate validates the summarizer configuration.
func (c *SummarizerConfig) Validate() error {
	rules := append([]*validation.FieldRules{
		validation.Field(&c.Provider, validation.Required, validation.In(ProviderOpenAI, ProviderExtractive)),
		validation.Field(&c.MaxSentences, validation.Min(0)),
		validation.Field(&c.MaxTokens, validation.Min(0)),
	}, c.ExternalCallConfig.rules()...)
	if err := validation.ValidateStruct(c, rules...); err != nil {
		return err
	}
	if c.Provider == ProviderOpenAI && c.APIKey() == "" {
		return errors.New("openai provider needs an API key in $" + envOr(c.APIKeyEnv))
	}
	return nil
}

func apiKey(env string) string {
	return os.Getenv(envOr(env))
}

func envOr(env string) string {
	if env == "" {
		return "OPENAI_API_KEY"
	}
	return env
}

// WorkersConfig sizes the build pool and the pool for external calls.
type WorkersConfig struct {
	Size         int `yaml:"size"`
	Queue        int `yaml:"queue"`
	ExternalSize int `yaml:"external_size"`
}

// Validate validates the workers configuration.
func (c *WorkersConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Size, validation.Required, validation.Min(1), validation.Max(256)),
		validation.Field(&c.Queue, validation.Min(0)),
		validation.Field(&c.ExternalSize, validation.Required, validation.Min(1), validation.Max(256)),
	)
}

// VectorIndexConfig tunes the batching vector writer.
type VectorIndexConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Validate validates the vector index configuration.
func (c *VectorIndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BatchSize, validation.Min(0)),
		validation.Field(&c.FlushInterval, validation.Min(time.Duration(0))),
	)
}

// NewDefaultConfig returns a new Config with sensible default values. The
// defaults run fully offline.
func NewDefaultConfig() *Config {
	h := hierarchy.DefaultConfig()
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./strata.db",
		},
		Media: MediaConfig{
			Path: "./media",
		},
		Inbox: InboxConfig{
			Path:       "./inbox",
			Collection: "inbox",
		},
		Splitter: SplitterConfig{
			Policy:    "paragraph",
			Tokenizer: "words",
		},
		Hierarchy: HierarchyConfig{
			MinGroup:       h.MinGroup,
			MaxGroup:       h.MaxGroup,
			MaxGroupTokens: h.MaxGroupTokens,
		},
		Embedding: EmbeddingConfig{
			Provider:   ProviderHash,
			Dimensions: 256,
			CacheSize:  4096,
			ExternalCallConfig: ExternalCallConfig{
				Timeout:    30 * time.Second,
				MaxRetries: 3,
				Backoff:    500 * time.Millisecond,
			},
		},
		Summarizer: SummarizerConfig{
			Provider:     ProviderExtractive,
			MaxSentences: 3,
			ExternalCallConfig: ExternalCallConfig{
				Timeout:    60 * time.Second,
				MaxRetries: 3,
				Backoff:    time.Second,
			},
		},
		Workers: WorkersConfig{
			Size:         4,
			Queue:        64,
			ExternalSize: 8,
		},
		VectorIndex: VectorIndexConfig{
			BatchSize:     64,
			FlushInterval: 250 * time.Millisecond,
		},
	}
}
