package internal

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should pass: %v", err)
	}
	if cfg.Embedding.Provider != ProviderHash || cfg.Summarizer.Provider != ProviderExtractive {
		t.Errorf("defaults should run offline, got %s/%s", cfg.Embedding.Provider, cfg.Summarizer.Provider)
	}
}

func TestHTTPConfig_Address(t *testing.T) {
	cfg := HTTPConfig{Port: 9090}
	if got := cfg.Address(); got != ":9090" {
		t.Errorf("address = %q", got)
	}
}

func TestConfig_InvalidPort(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.App.HTTP.Port = 70000
	err := cfg.Validate()
	if err == nil {
		t.Fatal("port out of range should fail")
	}
	if !strings.HasPrefix(err.Error(), "app:") {
		t.Errorf("error should name the section: %v", err)
	}
}

func TestInboxConfig_RequiredOnlyWhenEnabled(t *testing.T) {
	cfg := InboxConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled inbox should pass: %v", err)
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("enabled inbox without path should fail")
	}
	cfg.Path, cfg.Collection = "./inbox", "inbox"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("enabled inbox with path should pass: %v", err)
	}
}

func TestSplitterConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  SplitterConfig
		ok   bool
	}{
		{"paragraph", SplitterConfig{Policy: "paragraph"}, true},
		{"sentence tiktoken", SplitterConfig{Policy: "sentence", Tokenizer: "tiktoken"}, true},
		{"custom needs target", SplitterConfig{Policy: "custom"}, false},
		{"custom", SplitterConfig{Policy: "custom", TargetTokens: 200, Tolerance: 0.3}, true},
		{"unknown policy", SplitterConfig{Policy: "chapter"}, false},
		{"unknown tokenizer", SplitterConfig{Tokenizer: "bytes"}, false},
		{"negative tolerance", SplitterConfig{Tolerance: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestHierarchyConfig_Bounds(t *testing.T) {
	cfg := HierarchyConfig{MinGroup: 4, MaxGroup: 2, MaxGroupTokens: 100}
	if err := cfg.Validate(); err == nil {
		t.Fatal("min above max should fail")
	}
	cfg.MaxGroup = 6
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid bounds: %v", err)
	}
	b := cfg.Builder()
	if b.MinGroup != 4 || b.MaxGroup != 6 || b.MaxGroupTokens != 100 {
		t.Errorf("builder config = %+v", b)
	}
}

func TestEmbeddingConfig_OpenAINeedsKey(t *testing.T) {
	t.Setenv("STRATA_TEST_KEY", "")
	cfg := NewDefaultConfig().Embedding
	cfg.Provider = ProviderOpenAI
	cfg.APIKeyEnv = "STRATA_TEST_KEY"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("openai without key should fail")
	}
	if !strings.Contains(err.Error(), "STRATA_TEST_KEY") {
		t.Errorf("error should name the variable: %v", err)
	}

	t.Setenv("STRATA_TEST_KEY", "sk-test")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("openai with key should pass: %v", err)
	}
	if cfg.APIKey() != "sk-test" {
		t.Errorf("api key = %q", cfg.APIKey())
	}
}

func TestEmbeddingConfig_UnknownProvider(t *testing.T) {
	cfg := NewDefaultConfig().Embedding
	cfg.Provider = "cohere"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown provider should fail")
	}
}

func TestSummarizerConfig_DefaultKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-default")
	cfg := NewDefaultConfig().Summarizer
	cfg.Provider = ProviderOpenAI
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default key env should be used: %v", err)
	}
}

func TestExternalCallConfig_Policy(t *testing.T) {
	cfg := ExternalCallConfig{Timeout: time.Second, MaxRetries: 11}
	emb := EmbeddingConfig{Provider: ProviderHash, Dimensions: 8, ExternalCallConfig: cfg}
	if err := emb.Validate(); err == nil {
		t.Fatal("max_retries above 10 should fail")
	}
	cfg.MaxRetries = 2
	cfg.RequestsPerSecond = 5
	p := cfg.Policy()
	if p.Timeout != time.Second || p.MaxRetries != 2 || p.RequestsPerSecond != 5 {
		t.Errorf("policy = %+v", p)
	}
}

func TestWorkersConfig(t *testing.T) {
	cfg := WorkersConfig{Size: 0, ExternalSize: 2}
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero workers should fail")
	}
	cfg.Size = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid workers: %v", err)
	}
}
