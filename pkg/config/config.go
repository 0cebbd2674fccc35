// Package config loads and validates the perimeter configuration from YAML
// and the environment.
package config

import "time"

// Config is the umbrella configuration object returned by Load() and used
// throughout the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Store    StoreConfig    `yaml:"store"`
	Resolver ResolverConfig `yaml:"resolver"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Pricing  PricingConfig  `yaml:"pricing"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	AutoOpenBrowser bool   `yaml:"auto_open_browser"`
	RefreshInterval int    `yaml:"refresh_interval"` // dashboard poll hint, seconds
}

// UpstreamConfig identifies the proxied LLM provider.
type UpstreamConfig struct {
	// ProviderType selects the default adapter for replay ("openai" or
	// "anthropic"). Live traffic is matched per-request by path.
	ProviderType string `yaml:"provider_type"`
	BaseURL      string `yaml:"base_url"`
	// APIKey is used only for replay requests; live traffic passes the
	// client's own credentials through untouched.
	APIKey                string `yaml:"api_key"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// StoreConfig holds trace-store settings.
type StoreConfig struct {
	StorageMode      string `yaml:"storage_mode"` // "sqlite" or "memory"
	DBPath           string `yaml:"db_path"`
	MaxEvents        int    `yaml:"max_events"`        // global event ring cap
	RetentionMinutes int    `yaml:"retention_minutes"` // incomplete-session cleanup horizon
}

// ResolverConfig holds session-identity resolver settings.
type ResolverConfig struct {
	MaxSessions       int `yaml:"max_sessions"`
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
}

// MonitorConfig holds session completion settings.
type MonitorConfig struct {
	CompletionTimeoutSeconds int `yaml:"session_completion_timeout_seconds"`
	CheckIntervalSeconds     int `yaml:"check_interval_seconds"`
}

// AnalysisConfig holds analysis scheduling settings.
type AnalysisConfig struct {
	MinSessionsForRiskAnalysis int `yaml:"min_sessions_for_risk_analysis"`
}

// PricingConfig holds model pricing cache settings.
type PricingConfig struct {
	URL       string `yaml:"url"`
	CachePath string `yaml:"cache_path"`
}

// SessionTTL returns the resolver TTL as a duration.
func (c *ResolverConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// CompletionTimeout returns the inactivity horizon as a duration.
func (c *MonitorConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}

// CheckInterval returns the scan period as a duration.
func (c *MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// RequestTimeout returns the upstream hard timeout as a duration.
func (c *UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
