package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/realchar/internal/app"
	"github.com/MrWong99/realchar/internal/catalog"
	"github.com/MrWong99/realchar/internal/config"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// newApp loads cfg's providers and builds the application.
func newApp(ctx context.Context, cfg *config.Config) (*app.App, *app.Providers, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return nil, nil, err
	}
	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		return nil, nil, err
	}
	return application, providers, nil
}

func buildServeCmd(configPath *string) *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation server",
		Long: `Load the character catalog, connect the providers and serve until
interrupted. Changes to the log level and the per-turn tuning in the config
file are applied without a restart.`,
		Example: `  realchar serve --config config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath, pollInterval)
		},
	}
	cmd.Flags().DurationVar(&pollInterval, "watch-interval", 5*time.Second, "how often the config file is checked for changes")
	return cmd
}

func runServe(parent context.Context, configPath string, pollInterval time.Duration) error {
	cfg, level, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.Info("realchar starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, providers, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}
	printStartupSummary(cfg, providers, application.Registry().Len())

	watcher, err := config.NewWatcher(configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		if d.TuningChanged {
			application.Reconfigure(d.Tuning)
		}
	}, config.WithInterval(pollInterval))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return err
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping...")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	slog.Info("goodbye")
	return nil
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and exit",
		Long: `Create every table the server uses (characters, interactions, documents
and memories) in the configured database. All statements are idempotent.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.PostgresDSN == "" {
				return errors.New("database.postgres_dsn is not set")
			}
			return withApp(cmd.Context(), cfg, func(context.Context, *app.App) error {
				slog.Info("database schema is up to date")
				return nil
			})
		},
	}
}

func buildIngestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Rebuild the character document index and exit",
		Long: `Clear the document store and re-ingest every character's data directory.
Any read or embedding failure aborts the command.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Providers.Embeddings.Name == "" {
				return errors.New("providers.embeddings is not configured")
			}
			cfg.Retrieval.Reindex = true
			return withApp(cmd.Context(), cfg, func(context.Context, *app.App) error { return nil })
		},
	}
}

func buildCharactersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "characters",
		Short: "List the characters bundled in the catalog directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defs, err := catalog.LoadRepo(cfg.Catalog.DefaultDir, cfg.Catalog.CommunityDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSOURCE\tTTS\tVOICE")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Source, d.TTS, d.VoiceID)
			}
			return tw.Flush()
		},
	}
}

func buildMemorizeCmd(configPath *string) *cobra.Command {
	var userID, sessionID string

	cmd := &cobra.Command{
		Use:   "memorize",
		Short: "Extract long-term memories about a user from a stored session",
		Example: `  realchar memorize --user 42 --session 8f3c`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
				n, err := a.MemorizeSession(ctx, userID, sessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d facts\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the memories belong to")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to read")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// withApp builds the application, runs fn and shuts it down again. It is used
// by the one-shot subcommands, which never start the HTTP server.
func withApp(parent context.Context, cfg *config.Config, fn func(context.Context, *app.App) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Server.ListenAddr = ""
	application, _, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, application)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
	return runErr
}
