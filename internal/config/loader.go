package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"elevenlabs", "openai"},
	"embeddings": {"openai"},
	"stt":        {"openai", "deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MessageRate < 0 {
		errs = append(errs, fmt.Errorf("server.message_rate %g must not be negative", cfg.Server.MessageRate))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	ttsSeen := make(map[string]int, len(cfg.Providers.TTS))
	for i, entry := range cfg.Providers.TTS {
		prefix := fmt.Sprintf("providers.tts[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := ttsSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.tts[%d]", prefix, entry.Name, prev))
		}
		ttsSeen[entry.Name] = i
		validateProviderName("tts", entry.Name)
	}
	for i, entry := range cfg.Providers.LLMFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", entry.Name)
	}
	for i, entry := range cfg.Providers.STTFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", entry.Name)
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	cb := cfg.Providers.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; characters will not be able to generate responses")
	}
	if len(cfg.Providers.TTS) == 0 {
		slog.Warn("no TTS provider configured; replies will be text only")
	}

	// Database
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns %d must not be negative", cfg.Database.MaxConns))
	}
	if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must not be negative", cfg.Database.EmbeddingDimensions))
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; database characters, memory and retrieval will not be available")
	}

	// Catalog
	if cfg.Catalog.DefaultDir == "" && cfg.Catalog.CommunityDir == "" {
		errs = append(errs, errors.New("catalog: at least one of default_dir or community_dir is required"))
	}
	if cfg.Catalog.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("catalog.refresh_interval %s must not be negative", cfg.Catalog.RefreshInterval))
	}

	// Retrieval
	if cfg.Retrieval.TopK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must not be negative", cfg.Retrieval.TopK))
	}
	if cfg.Retrieval.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.chunk_size %d must be positive", cfg.Retrieval.ChunkSize))
	} else if cfg.Retrieval.ChunkOverlap < 0 || cfg.Retrieval.ChunkOverlap >= cfg.Retrieval.ChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunk_overlap %d must be in [0, chunk_size)", cfg.Retrieval.ChunkOverlap))
	}
	if cfg.Retrieval.Reindex && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("retrieval.reindex requires providers.embeddings"))
	}

	// Generation
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0, 2]", cfg.Generation.Temperature))
	}
	if cfg.Generation.HistoryTokenBudget < 0 {
		errs = append(errs, fmt.Errorf("generation.history_token_budget %d must not be negative", cfg.Generation.HistoryTokenBudget))
	}
	if cfg.Generation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("generation.max_tokens %d must not be negative", cfg.Generation.MaxTokens))
	}

	// Augment
	if cfg.Augment.Timeout < 0 {
		errs = append(errs, fmt.Errorf("augment.timeout %s must not be negative", cfg.Augment.Timeout))
	}
	if cfg.Augment.Memory.Enabled && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("augment.memory is enabled but providers.embeddings is not configured; memory lookups are disabled")
	}
	act := cfg.Augment.Action
	if act.Transport != "" && !act.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("augment.action.transport %q is invalid; valid values: stdio, streamable-http", act.Transport))
	}
	if act.Transport == ActionTransportStdio && act.Command == "" {
		errs = append(errs, errors.New("augment.action.command is required when transport is stdio"))
	}
	if act.Transport == ActionTransportStreamableHTTP && act.URL == "" {
		errs = append(errs, errors.New("augment.action.url is required when transport is streamable-http"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
