package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged is true when any per-turn tunable changed, such as the
	// generation temperature or retrieval top_k.
	TuningChanged bool
	Tuning        Tuning

	// RestartRequired lists settings that changed but only take effect after
	// a restart (providers, database, catalog directories).
	RestartRequired []string
}

// Tuning holds the per-turn knobs that may change while the server runs.
type Tuning struct {
	Temperature        float64
	MaxTokens          int
	HistoryTokenBudget int
	TopK               int
	AugmentTimeout     time.Duration
	MemoryTopK         int
}

// TuningOf extracts the hot-reloadable tunables from cfg.
func TuningOf(cfg *Config) Tuning {
	return Tuning{
		Temperature:        cfg.Generation.Temperature,
		MaxTokens:          cfg.Generation.MaxTokens,
		HistoryTokenBudget: cfg.Generation.HistoryTokenBudget,
		TopK:               cfg.Retrieval.TopK,
		AugmentTimeout:     cfg.Augment.Timeout,
		MemoryTopK:         cfg.Augment.Memory.TopK,
	}
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if oldT, newT := TuningOf(old), TuningOf(new); oldT != newT {
		d.TuningChanged = true
		d.Tuning = newT
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) || old.Server.MessageRate != new.Server.MessageRate {
		d.RestartRequired = append(d.RestartRequired, "server.websocket")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !sameEntries(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm_fallbacks")
	}
	if !sameEntries(old.Providers.TTS, new.Providers.TTS) {
		d.RestartRequired = append(d.RestartRequired, "providers.tts")
	}
	if !sameEntry(old.Providers.Embeddings, new.Providers.Embeddings) {
		d.RestartRequired = append(d.RestartRequired, "providers.embeddings")
	}
	if !sameEntry(old.Providers.STT, new.Providers.STT) || !sameEntries(old.Providers.STTFallbacks, new.Providers.STTFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers.stt")
	}
	if old.Providers.CircuitBreaker != new.Providers.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "providers.circuit_breaker")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Catalog != new.Catalog {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}

	return d
}

// sameEntry compares the identity fields of two provider entries. Options are
// not compared; a change there alone is not detected.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}
