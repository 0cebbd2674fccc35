// Package pricing maintains the model pricing table used for replay cost
// estimates: embedded defaults, a disk cache, and an at-most-daily refresh
// from a configured URL.
package pricing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// fetchTimeout bounds the live pricing fetch.
const fetchTimeout = 10 * time.Second

// refreshAfter is the cache staleness horizon.
const refreshAfter = 24 * time.Hour

// ModelPrice is the cost per million tokens.
type ModelPrice struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// table is the wire/cache format of the pricing data.
type table struct {
	LastUpdated string                           `json:"last_updated"`
	Providers   map[string]map[string]ModelPrice `json:"providers"`
}

// defaultTable is the embedded fallback used when neither the cache nor the
// live fetch is available.
var defaultTable = table{
	LastUpdated: "2026-06-01",
	Providers: map[string]map[string]ModelPrice{
		"openai": {
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			"gpt-4.1":     {Input: 2.00, Output: 8.00},
			"o3":          {Input: 2.00, Output: 8.00},
			"o4-mini":     {Input: 1.10, Output: 4.40},
		},
		"anthropic": {
			"claude-opus-4":   {Input: 15.00, Output: 75.00},
			"claude-sonnet-4": {Input: 3.00, Output: 15.00},
			"claude-haiku-3-5": {Input: 0.80, Output: 4.00},
		},
	},
}

// Service caches the pricing table and answers per-model lookups.
type Service struct {
	url       string
	cachePath string
	client    *http.Client

	mu        sync.Mutex
	flat      map[string]ModelPrice
	updatedAt string
	fetchedAt time.Time
}

// NewService creates a pricing service. The cache file is loaded lazily on
// first lookup.
func NewService(url, cachePath string) *Service {
	return &Service{
		url:       url,
		cachePath: cachePath,
		client:    &http.Client{Timeout: fetchTimeout},
	}
}

// ModelPricing returns the (input, output) price per million tokens for a
// model. Lookup is by exact name first, then by longest prefix match (model
// names carry date suffixes). Unknown models cost zero.
func (s *Service) ModelPricing(model string) ModelPrice {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	if price, ok := s.flat[model]; ok {
		return price
	}
	bestLen := 0
	var best ModelPrice
	for name, price := range s.flat {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			bestLen = len(name)
			best = price
		}
	}
	return best
}

// Cost computes the dollar cost for a token count split.
func (s *Service) Cost(model string, promptTokens, completionTokens int) (input, output, total float64) {
	price := s.ModelPricing(model)
	input = float64(promptTokens) / 1e6 * price.Input
	output = float64(completionTokens) / 1e6 * price.Output
	return input, output, input + output
}

// Models returns the known model names, sorted.
func (s *Service) Models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	out := make([]string, 0, len(s.flat))
	for name := range s.flat {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LastUpdated reports the table's data timestamp.
func (s *Service) LastUpdated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.updatedAt
}

// ensureLoaded populates the flat table, refreshing at most daily:
// cache file → live fetch → embedded defaults. Assumes the lock is held.
func (s *Service) ensureLoaded() {
	if s.flat != nil && time.Since(s.fetchedAt) < refreshAfter {
		return
	}
	s.fetchedAt = time.Now()

	if cached := s.loadCache(); cached != nil && !stale(cached.LastUpdated) {
		s.apply(cached)
		return
	}

	if live := s.fetchLive(); live != nil {
		s.apply(live)
		s.saveCache(live)
		return
	}

	if cached := s.loadCache(); cached != nil {
		slog.Warn("Using stale pricing cache; live fetch failed")
		s.apply(cached)
		return
	}

	slog.Info("Using embedded default pricing data")
	s.apply(&defaultTable)
}

func (s *Service) apply(t *table) {
	flat := make(map[string]ModelPrice)
	for _, models := range t.Providers {
		for name, price := range models {
			flat[name] = price
		}
	}
	s.flat = flat
	s.updatedAt = t.LastUpdated
}

func (s *Service) loadCache() *table {
	if s.cachePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil
	}
	var t table
	if err := json.Unmarshal(data, &t); err != nil {
		slog.Warn("Failed to parse pricing cache", "path", s.cachePath, "error", err)
		return nil
	}
	return &t
}

func (s *Service) saveCache(t *table) {
	if s.cachePath == "" {
		return
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o755); err != nil {
		slog.Warn("Failed to create pricing cache directory", "error", err)
		return
	}
	if err := os.WriteFile(s.cachePath, data, 0o644); err != nil {
		slog.Warn("Failed to write pricing cache", "path", s.cachePath, "error", err)
	}
}

func (s *Service) fetchLive() *table {
	if s.url == "" {
		return nil
	}
	resp, err := s.client.Get(s.url)
	if err != nil {
		slog.Warn("Pricing fetch failed", "url", s.url, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("Pricing fetch returned non-200", "status", resp.StatusCode)
		return nil
	}
	var t table
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		slog.Warn("Failed to decode live pricing", "error", err)
		return nil
	}
	if len(t.Providers) == 0 {
		return nil
	}
	slog.Info("Fetched live pricing data", "last_updated", t.LastUpdated)
	return &t
}

// stale reports whether a cache timestamp is older than the refresh horizon.
func stale(lastUpdated string) bool {
	t, err := time.Parse("2006-01-02", lastUpdated)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, lastUpdated); err != nil {
			return true
		}
	}
	return time.Since(t) > refreshAfter
}

// Info summarizes the pricing source for the config endpoint.
func (s *Service) Info() map[string]any {
	return map[string]any{
		"source":       s.url,
		"cache_path":   s.cachePath,
		"last_updated": s.LastUpdated(),
		"model_count":  len(s.Models()),
	}
}

// FormatPrice renders a dollar amount for display.
func FormatPrice(price float64) string {
	return fmt.Sprintf("$%.2f", price)
}
