package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in embedding backends.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini", "openai", "ollama"}

// envRef matches ${VAR} references. Bare $VAR is left alone so that values
// such as passwords may contain '$'.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader expands ${VAR} references from the environment, decodes the
// YAML, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
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

// ApplyDefaults fills zero values with the built-in defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8000")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ReadTimeout, 10*time.Second)
	setDefault(&cfg.Server.WriteTimeout, 60*time.Second)

	e := &cfg.Embedding
	setDefault(&e.Provider.Name, "gemini")
	setDefault(&e.Dimensions, 768)
	setDefault(&e.RateLimit.Burst, 1)
	setDefault(&e.AttemptTimeout, 30*time.Second)
	setDefault(&e.Fallback.Range, 0.1)
	setDefault(&e.Breaker.MaxFailures, 5)
	setDefault(&e.Breaker.ResetTimeout, 30*time.Second)
	setDefault(&e.SyncPolicy.MaxAttempts, 1)
	setDefault(&e.SyncPolicy.Backoff, 10*time.Second)
	setDefault(&e.QueryPolicy.MaxAttempts, 2)
	setDefault(&e.QueryPolicy.Backoff, 2*time.Second)

	setDefault(&cfg.Stores.AnalyticsPath, "analytics.db")

	setDefault(&cfg.Sync.DataDir, "data")
	setDefault(&cfg.Sync.Workers, 1)
	setDefault(&cfg.Sync.ProgressEvery, 20)

	setDefault(&cfg.Recommend.TopK, 5)
	setDefault(&cfg.Recommend.StoreTimeout, 5*time.Second)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Embedding
	e := cfg.Embedding
	if e.Provider.Name == "" {
		errs = append(errs, errors.New("embedding.provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, e.Provider.Name) {
		slog.Warn("unknown embedding provider name, may be a typo or third-party provider",
			"name", e.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if e.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", e.Dimensions))
	}
	if e.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("embedding.rate_limit.requests_per_second must not be negative, got %v", e.RateLimit.RequestsPerSecond))
	}
	if e.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("embedding.rate_limit.burst must not be negative, got %d", e.RateLimit.Burst))
	}
	if e.Fallback.Range <= 0 {
		errs = append(errs, fmt.Errorf("embedding.fallback.range must be positive, got %v", e.Fallback.Range))
	}
	errs = append(errs, validatePolicy("embedding.sync_policy", e.SyncPolicy)...)
	errs = append(errs, validatePolicy("embedding.query_policy", e.QueryPolicy)...)

	// Stores
	if cfg.Stores.DocumentsDSN == "" {
		errs = append(errs, errors.New("stores.documents_dsn is required"))
	}
	if cfg.Stores.GraphDSN == "" {
		errs = append(errs, errors.New("stores.graph_dsn is required"))
	}
	if cfg.Stores.VectorsDSN == "" {
		errs = append(errs, errors.New("stores.vectors_dsn is required"))
	}

	// Sync / recommend
	if cfg.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers must be at least 1, got %d", cfg.Sync.Workers))
	}
	if cfg.Recommend.TopK < 1 {
		errs = append(errs, fmt.Errorf("recommend.top_k must be at least 1, got %d", cfg.Recommend.TopK))
	}
	if cfg.Recommend.StoreTimeout < 0 {
		errs = append(errs, fmt.Errorf("recommend.store_timeout must not be negative, got %v", cfg.Recommend.StoreTimeout))
	}

	if !e.Fallback.IsEnabled() {
		slog.Warn("embedding.fallback.enabled is false; provider outages will fail sync runs and queries")
	}

	return errors.Join(errs...)
}

func validatePolicy(prefix string, p RetryPolicy) []error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s.max_attempts must be at least 1, got %d", prefix, p.MaxAttempts))
	}
	if p.Backoff < 0 {
		errs = append(errs, fmt.Errorf("%s.backoff must not be negative, got %v", prefix, p.Backoff))
	}
	return errs
}
