package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Defaults returns the built-in configuration. Every field can be overridden
// by perimeter.yaml or the environment.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            4000,
			RefreshInterval: 2,
		},
		Upstream: UpstreamConfig{
			ProviderType:          "openai",
			BaseURL:               "https://api.openai.com",
			RequestTimeoutSeconds: 120,
		},
		Store: StoreConfig{
			StorageMode:      "sqlite",
			DBPath:           "./trace_data/live_trace.db",
			MaxEvents:        10000,
			RetentionMinutes: 30,
		},
		Resolver: ResolverConfig{
			MaxSessions:       10000,
			SessionTTLSeconds: 3600,
		},
		Monitor: MonitorConfig{
			CompletionTimeoutSeconds: 30,
			CheckIntervalSeconds:     5,
		},
		Analysis: AnalysisConfig{
			MinSessionsForRiskAnalysis: 5,
		},
		Pricing: PricingConfig{
			URL:       "https://raw.githubusercontent.com/cylestio/ai-model-pricing/main/latest.json",
			CachePath: "./trace_data/model_pricing.json",
		},
	}
}

// ExpandEnv expands environment variables in YAML content using shell-style
// ${VAR} and $VAR syntax. Missing variables expand to empty string;
// validation catches required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// Load reads the configuration file at path (optional), merges it over the
// defaults, applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("No configuration file found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			var fileCfg Config
			if err := yaml.Unmarshal(ExpandEnv(data), &fileCfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge config: %w", err)
			}
			slog.Info("Loaded configuration", "path", path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the well-known environment variables on top of
// file configuration. Environment wins over file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("UPSTREAM_PROVIDER"); v != "" {
		cfg.Upstream.ProviderType = v
	}
	if v := os.Getenv("STORAGE_MODE"); v != "" {
		cfg.Store.StorageMode = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resolver.SessionTTLSeconds = n
		}
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resolver.MaxSessions = n
		}
	}
	if v := os.Getenv("SESSION_COMPLETION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.CompletionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MIN_SESSIONS_FOR_RISK_ANALYSIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.MinSessionsForRiskAnalysis = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Store.StorageMode {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage_mode %q: must be sqlite or memory", c.Store.StorageMode)
	}
	switch c.Upstream.ProviderType {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid provider_type %q: must be openai or anthropic", c.Upstream.ProviderType)
	}
	if c.Store.StorageMode == "sqlite" && c.Store.DBPath == "" {
		return fmt.Errorf("db_path is required when storage_mode is sqlite")
	}
	if c.Resolver.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.Resolver.MaxSessions)
	}
	if c.Monitor.CompletionTimeoutSeconds <= 0 {
		return fmt.Errorf("session_completion_timeout_seconds must be positive, got %d", c.Monitor.CompletionTimeoutSeconds)
	}
	return nil
}
