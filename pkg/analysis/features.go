package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// ExtractFeatures computes the behavioral fingerprint of a session from its
// event buffer and counters.
func ExtractFeatures(session *models.Session) *models.SessionFeatures {
	features := &models.SessionFeatures{
		SessionID:       session.SessionID,
		AgentID:         session.SystemPromptID,
		LLMRequestCount: session.MessageCount,
		EventCount:      session.TotalEvents,
		TotalTokens:     session.TotalTokens,
		TotalToolCalls:  session.ToolUses,
		SessionDuration: session.LastActivity.Sub(session.CreatedAt).Seconds(),
	}

	toolsUsed := make(map[string]struct{})
	modelsSeen := make(map[string]struct{})
	var tokenIn, tokenOut []float64

	for _, event := range session.Events {
		switch event.Name {
		case events.ToolExecution:
			tool := event.StringAttr(events.AttrToolName, "unknown")
			toolsUsed[tool] = struct{}{}
			features.ToolSequences = append(features.ToolSequences, tool)
		case events.LLMCallStart:
			if model := event.StringAttr(events.AttrModel, ""); model != "" {
				modelsSeen[model] = struct{}{}
			}
		case events.LLMCallFinish:
			if model := event.StringAttr(events.AttrModel, ""); model != "" {
				modelsSeen[model] = struct{}{}
			}
			tokenIn = append(tokenIn, event.Float64Attr(events.AttrInputTokens))
			tokenOut = append(tokenOut, event.Float64Attr(events.AttrOutputTokens))
			features.ToolExecutionTimes = append(features.ToolExecutionTimes, event.Float64Attr(events.AttrDurationMS))
		}
	}

	// The event buffer is a bounded ring; fall back to the tool usage map so
	// tools whose events rotated out still participate.
	for tool := range session.ToolUsageDetails {
		toolsUsed[tool] = struct{}{}
	}

	features.ToolsUsed = sortedStrings(toolsUsed)
	features.LLMModels = sortedStrings(modelsSeen)
	features.TokenInStats = statSummary(tokenIn)
	features.TokenOutStats = statSummary(tokenOut)

	if features.EventCount > 1 {
		features.AvgEventInterval = features.SessionDuration / float64(features.EventCount-1)
	}
	return features
}

// CollapseSequence deduplicates consecutive repeats: [a a b a] → [a b a].
// Collapsed sequences are the authoritative form for typicality comparisons.
func CollapseSequence(sequence []string) []string {
	var out []string
	for _, tool := range sequence {
		if len(out) == 0 || out[len(out)-1] != tool {
			out = append(out, tool)
		}
	}
	return out
}

// Shingles converts features into the string token set hashed by MinHash.
// Bucketing uses the agent's frozen percentiles so shingle construction is
// deterministic across the agent's lifetime; absolute fallback buckets apply
// before percentiles are frozen.
func Shingles(features *models.SessionFeatures, percentiles models.Percentiles) []string {
	var shingles []string

	for _, tool := range features.ToolsUsed {
		shingles = append(shingles, "tool:"+tool)
	}

	collapsed := CollapseSequence(features.ToolSequences)
	for i := 0; i+1 < len(collapsed); i++ {
		shingles = append(shingles, "seq:"+collapsed[i]+"→"+collapsed[i+1])
	}

	for _, model := range features.LLMModels {
		shingles = append(shingles, "model:"+model)
	}

	shingles = append(shingles,
		"tokens:"+bucket(float64(features.TotalTokens), percentiles["total_tokens"]),
		"duration:"+bucket(features.SessionDuration, percentiles["duration"]),
		"toolcalls:"+bucket(float64(features.TotalToolCalls), percentiles["tool_calls"]),
	)
	return shingles
}

// bucket places a value into a percentile band. With no anchors the value
// falls back to log-scale magnitude buckets, which stay stable for the small
// batches seen before percentiles freeze.
func bucket(value float64, anchors map[string]float64) string {
	if anchors != nil {
		switch {
		case value <= anchors["p25"]:
			return "p0_p25"
		case value <= anchors["p50"]:
			return "p25_p50"
		case value <= anchors["p75"]:
			return "p50_p75"
		case value <= anchors["p90"]:
			return "p75_p90"
		case value <= anchors["p95"]:
			return "p90_p95"
		default:
			return "p95_plus"
		}
	}
	if value <= 0 {
		return "mag_0"
	}
	return fmt.Sprintf("mag_%d", int(math.Floor(math.Log10(value))))
}

// ComputePercentiles derives the distribution anchors (p25..p95) for
// duration, token totals, and tool-call counts across a batch of sessions.
func ComputePercentiles(features []*models.SessionFeatures) models.Percentiles {
	durations := make([]float64, 0, len(features))
	tokens := make([]float64, 0, len(features))
	toolCalls := make([]float64, 0, len(features))
	for _, f := range features {
		durations = append(durations, f.SessionDuration)
		tokens = append(tokens, float64(f.TotalTokens))
		toolCalls = append(toolCalls, float64(f.TotalToolCalls))
	}
	return models.Percentiles{
		"duration":     percentileAnchors(durations),
		"total_tokens": percentileAnchors(tokens),
		"tool_calls":   percentileAnchors(toolCalls),
	}
}

func percentileAnchors(values []float64) map[string]float64 {
	return map[string]float64{
		"p25": percentile(values, 25),
		"p50": percentile(values, 50),
		"p75": percentile(values, 75),
		"p90": percentile(values, 90),
		"p95": percentile(values, 95),
	}
}

// percentile computes the p-th percentile by linear interpolation.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	low := int(math.Floor(rank))
	high := int(math.Ceil(rank))
	if low == high {
		return sorted[low]
	}
	frac := rank - float64(low)
	return sorted[low]*(1-frac) + sorted[high]*frac
}

// statSummary computes {mean, std, max, p95} for a series.
func statSummary(values []float64) map[string]float64 {
	if len(values) == 0 {
		return nil
	}
	var sum, max float64
	for _, v := range values {
		sum += v
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return map[string]float64{
		"mean": mean,
		"std":  math.Sqrt(variance),
		"max":  max,
		"p95":  percentile(values, 95),
	}
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
