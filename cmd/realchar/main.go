// Command realchar is the entry point for the realchar character
// conversation server.
//
// # Basic Usage
//
// Start the server:
//
//	realchar serve --config config.yaml
//
// Create the database schema, or rebuild the document index:
//
//	realchar migrate
//	realchar ingest
//
// List the bundled characters:
//
//	realchar characters
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/realchar/internal/app"
	"github.com/MrWong99/realchar/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() for testing.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "realchar",
		Short:        "realchar - real-time AI character conversation server",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildMigrateCmd(&configPath),
		buildIngestCmd(&configPath),
		buildCharactersCmd(&configPath),
		buildMemorizeCmd(&configPath),
	)
	return rootCmd
}

// loadConfig loads the config file and installs the default logger at its
// level. The returned LevelVar lets a config reload change the level.
func loadConfig(path string) (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, level, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers, characters int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        realchar - startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	for _, entry := range cfg.Providers.TTS {
		printProvider("TTS", entry.Name, entry.Model)
	}
	if len(cfg.Providers.TTS) == 0 {
		printProvider("TTS", "", "")
	}
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	if cfg.Database.PostgresDSN != "" {
		fmt.Printf("║  Database        : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Database        : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Characters      : %-19d ║\n", characters)
	if ps.DefaultTTS != "" {
		fmt.Printf("║  Default TTS     : %-19s ║\n", ps.DefaultTTS)
	}
	if cfg.Augment.Action.Transport != "" {
		fmt.Printf("║  Action server   : %-19s ║\n", cfg.Augment.Action.Transport)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
