// Command hybridrec is the entry point for the hybrid retrieval service.
//
//	hybridrec serve --config config.yaml   # HTTP API
//	hybridrec sync  --config config.yaml   # one ETL run over sync.data_dir
//	hybridrec generate --out data          # synthetic batch files
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/hybridrec/internal/app"
	"github.com/MrWong99/hybridrec/internal/config"
	"github.com/MrWong99/hybridrec/internal/etl"
	"github.com/MrWong99/hybridrec/internal/observe"
	"github.com/MrWong99/hybridrec/pkg/provider/embeddings"
	geminiembed "github.com/MrWong99/hybridrec/pkg/provider/embeddings/gemini"
	ollamaembed "github.com/MrWong99/hybridrec/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/hybridrec/pkg/provider/embeddings/openai"
)

var version = "dev"

// defaultDocumentTitle is sent with Gemini RETRIEVAL_DOCUMENT requests.
const defaultDocumentTitle = "Marketing Chat"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "hybridrec",
	Short:         "Hybrid retrieval recommendation service",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the recommendation API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load the JSON batch files and synchronise all stores",
	Long: `Load users.json, campaigns.json and interactions.json from the data
directory and write them to the document, graph, vector and analytics stores.

Examples:
  hybridrec sync --config config.yaml
  hybridrec sync --config config.yaml --data-dir ./fixtures --reset-vectors`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		reset, _ := cmd.Flags().GetBool("reset-vectors")
		return syncOnce(cmd.Context(), dataDir, reset)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write synthetic users.json, campaigns.json and interactions.json",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, _ := cmd.Flags().GetString("out")
		opts := etl.DefaultGenerateOptions
		opts.Users, _ = cmd.Flags().GetInt("users")
		opts.Campaigns, _ = cmd.Flags().GetInt("campaigns")
		opts.Interactions, _ = cmd.Flags().GetInt("interactions")
		opts.Seed, _ = cmd.Flags().GetUint64("seed")

		b, err := etl.Generate(opts)
		if err != nil {
			return err
		}
		if err := etl.WriteDir(out, b); err != nil {
			return err
		}
		fmt.Printf("generated %d users, %d campaigns, %d interactions in %s\n",
			len(b.Users), len(b.Campaigns), len(b.Interactions), out)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	syncCmd.Flags().String("data-dir", "", "override sync.data_dir")
	syncCmd.Flags().Bool("reset-vectors", false, "truncate the vector store before the run")
	generateCmd.Flags().String("out", "data", "output directory")
	generateCmd.Flags().Int("users", etl.DefaultGenerateOptions.Users, "number of users")
	generateCmd.Flags().Int("campaigns", etl.DefaultGenerateOptions.Campaigns, "number of campaigns")
	generateCmd.Flags().Int("interactions", etl.DefaultGenerateOptions.Interactions, "number of interactions")
	generateCmd.Flags().Uint64("seed", etl.DefaultGenerateOptions.Seed, "random seed")
	rootCmd.AddCommand(serveCmd, syncCmd, generateCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hybridrec: %v\n", err)
		return 1
	}
	return 0
}

// ── Commands ──────────────────────────────────────────────────────────────────

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer flush(shutdownOTel)

	application, err := buildApp(ctx, cfg, app.WithMetricsHandler(promhttp.Handler()))
	if err != nil {
		return err
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return runErr
}

func syncOnce(ctx context.Context, dataDir string, reset bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Sync.DataDir = dataDir
	}
	if reset {
		cfg.Sync.ResetVectors = true
	}

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer flush(shutdownOTel)

	application, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	rep, err := application.Sync(ctx, etl.DirSource{Dir: cfg.Sync.DataDir})
	if err != nil {
		return err
	}
	fmt.Printf("sync %s: %d users, %d campaigns, %d interactions, %d vectors (%d fallback, %d not embedded) in %s\n",
		rep.RunID, rep.Users, rep.Campaigns, rep.Interactions, rep.Vectors, rep.Fallbacks, rep.Warnings, rep.Duration.Round(time.Millisecond))
	return nil
}

// loadConfig reads the config file and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found — copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("hybridrec starting",
		"version", version,
		"config", configPath,
		"log_level", cfg.Server.LogLevel,
	)
	return cfg, nil
}

func buildApp(ctx context.Context, cfg *config.Config, opts ...app.Option) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Embedding.Dimensions)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise application: %w", err)
	}
	return application, nil
}

func flush(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in embeddings backends into reg.
// dims is requested from backends that can shorten their output.
func registerBuiltinProviders(reg *config.Registry, dims int) {
	reg.RegisterEmbeddings("gemini", func(entry config.ProviderEntry, purpose embeddings.Purpose) (embeddings.Provider, error) {
		opts := []geminiembed.Option{geminiembed.WithDimensions(dims)}
		if entry.BaseURL != "" {
			opts = append(opts, geminiembed.WithBaseURL(entry.BaseURL))
		}
		if purpose == embeddings.PurposeDocument {
			title := optString(entry.Options, "title")
			if title == "" {
				title = defaultDocumentTitle
			}
			opts = append(opts, geminiembed.WithTitle(title))
		}
		return geminiembed.New(context.Background(), entry.APIKey, entry.Model, purpose, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry, _ embeddings.Purpose) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		if p.Dimensions() == dims {
			return p, nil
		}
		// text-embedding-3 models can shorten their output.
		return oaembed.New(entry.APIKey, entry.Model, append(opts, oaembed.WithDimensions(dims))...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry, _ embeddings.Purpose) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model, ollamaembed.WithDimensions(dims))
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "embeddings", "name", name)
	}
}

// buildProviders instantiates the document and query backends named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	entry := cfg.Embedding.Provider
	doc, err := reg.CreateEmbeddings(entry, embeddings.PurposeDocument)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q (document): %w", entry.Name, err)
	}
	query, err := reg.CreateEmbeddings(entry, embeddings.PurposeQuery)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q (query): %w", entry.Name, err)
	}
	if got := doc.Dimensions(); got != cfg.Embedding.Dimensions {
		return nil, fmt.Errorf("embeddings provider %q produces %d dimensions, config expects %d", entry.Name, got, cfg.Embedding.Dimensions)
	}
	slog.Info("embeddings provider ready", "name", entry.Name, "model", doc.ModelID(), "dimensions", doc.Dimensions())
	return &app.Providers{Document: doc, Query: query}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fallback := "enabled"
	if !cfg.Embedding.Fallback.IsEnabled() {
		fallback = "disabled"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       hybridrec — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Embeddings", summarise(cfg.Embedding.Provider.Name, cfg.Embedding.Provider.Model))
	printRow("Dimensions", fmt.Sprint(cfg.Embedding.Dimensions))
	printRow("Fallback", fallback)
	printRow("Top K", fmt.Sprint(cfg.Recommend.TopK))
	printRow("Analytics", cfg.Stores.AnalyticsPath)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summarise(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(label, value string) {
	fmt.Printf("║  %-12s    : %-19s ║\n", label, truncate(value, 19))
}

// truncate shortens s to at most width runes, marking the cut with an
// ellipsis.
func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
