package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceSpanID_Deterministic(t *testing.T) {
	a := TraceSpanID("session-1")
	b := TraceSpanID("session-1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, TraceSpanID("session-2"))
}

func TestSystemPromptID(t *testing.T) {
	a := SystemPromptID("You are a helpful bot.")
	assert.True(t, len(a) == len("prompt-")+12)
	assert.Equal(t, a, SystemPromptID("You are a helpful bot."))
	assert.NotEqual(t, a, SystemPromptID("Different prompt"))

	// Requests without a system prompt share one stable bucket.
	assert.Equal(t, SystemPromptID(""), SystemPromptID(""))
}

func TestEventConstructors(t *testing.T) {
	start := NewSessionStart("s1", "prompt-x", "proj", "gateway")
	assert.Equal(t, SessionStart, start.Name)
	assert.Equal(t, LevelInfo, start.Level)
	assert.Equal(t, TraceSpanID("s1"), start.TraceID)
	assert.Equal(t, start.TraceID, start.SpanID)

	finish := NewLLMCallFinish("s1", "prompt-x", "", "openai", "gpt-4o", 12.5, 10, 5, 15, "stop")
	assert.Equal(t, 15, finish.IntAttr(AttrTotalTokens))
	assert.InDelta(t, 12.5, finish.Float64Attr(AttrDurationMS), 0.001)
	assert.False(t, finish.IsError())

	errEvent := NewLLMCallError("s1", "prompt-x", "", "openai", "upstream", "bad gateway", 502)
	assert.True(t, errEvent.IsError())
	assert.Equal(t, LevelError, errEvent.Level)
	assert.Equal(t, 502, errEvent.IntAttr(AttrStatusCode))
}

func TestAttrAccessors_AfterJSONRoundTrip(t *testing.T) {
	original := NewLLMCallFinish("s1", "prompt-x", "", "openai", "gpt-4o", 100, 50, 25, 75, "stop")

	data, err := json.Marshal(original)
	require.NoError(t, err)
	var restored Event
	require.NoError(t, json.Unmarshal(data, &restored))

	// JSON numbers decode as float64; accessors must still work.
	assert.Equal(t, 75, restored.IntAttr(AttrTotalTokens))
	assert.Equal(t, "stop", restored.StringAttr(AttrFinishReason, ""))
	assert.InDelta(t, 100, restored.Float64Attr(AttrDurationMS), 0.001)
	assert.Equal(t, original.TraceID, restored.TraceID)
}

func TestMapAttr(t *testing.T) {
	event := NewLLMCallStart("s1", "prompt-x", "", "openai", "gpt-4o", map[string]any{
		"tools": []any{map[string]any{"name": "search"}},
	})
	data := event.MapAttr(AttrRequestData)
	require.NotNil(t, data)
	assert.NotNil(t, data["tools"])
	assert.Nil(t, event.MapAttr("missing"))
}
