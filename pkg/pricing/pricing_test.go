package pricing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelPricing_EmbeddedDefaults(t *testing.T) {
	s := NewService("", "")

	price := s.ModelPricing("gpt-4o")
	assert.Equal(t, 2.50, price.Input)
	assert.Equal(t, 10.00, price.Output)

	// Dated model names resolve by longest prefix.
	price = s.ModelPricing("claude-sonnet-4-20250514")
	assert.Equal(t, 3.00, price.Input)

	// Unknown models cost zero.
	assert.Equal(t, ModelPrice{}, s.ModelPricing("some-local-model"))
}

func TestCost(t *testing.T) {
	s := NewService("", "")
	input, output, total := s.Cost("gpt-4o", 1_000_000, 100_000)
	assert.InDelta(t, 2.50, input, 1e-9)
	assert.InDelta(t, 1.00, output, 1e-9)
	assert.InDelta(t, 3.50, total, 1e-9)
}

func TestLiveFetchAndCache(t *testing.T) {
	fresh := time.Now().UTC().Format("2006-01-02")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"last_updated": fresh,
			"providers": map[string]any{
				"openai": map[string]any{
					"gpt-test": map[string]any{"input": 1.0, "output": 2.0},
				},
			},
		})
	}))
	defer server.Close()

	cachePath := filepath.Join(t.TempDir(), "pricing.json")
	s := NewService(server.URL, cachePath)

	price := s.ModelPricing("gpt-test")
	assert.Equal(t, 1.0, price.Input)

	// The fetch result was cached to disk.
	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gpt-test")

	// A fresh service with a dead URL serves the cache.
	s2 := NewService("http://127.0.0.1:1", cachePath)
	assert.Equal(t, 2.0, s2.ModelPricing("gpt-test").Output)
}

func TestFetchFailureFallsBackToDefaults(t *testing.T) {
	s := NewService("http://127.0.0.1:1", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 2.50, s.ModelPricing("gpt-4o").Input)
	assert.NotEmpty(t, s.Models())
}
