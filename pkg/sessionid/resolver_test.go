package sessionid

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver() *Resolver {
	return New(100, time.Hour)
}

func TestResolve_StatelessContinuation(t *testing.T) {
	r := newTestResolver()

	s1, isNew := r.Resolve([]Message{{Role: "user", Content: "Hi"}}, "", nil)
	require.True(t, isNew)
	require.NotEmpty(t, s1)

	s2, isNew := r.Resolve([]Message{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "user", Content: "How are you?"},
	}, "", nil)
	assert.False(t, isNew)
	assert.Equal(t, s1, s2)

	s3, isNew := r.Resolve([]Message{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "user", Content: "How are you?"},
		{Role: "assistant", Content: "Good"},
		{Role: "user", Content: "Bye"},
	}, "", nil)
	assert.False(t, isNew)
	assert.Equal(t, s1, s3)

	// A parallel conversation gets its own id.
	other, isNew := r.Resolve([]Message{{Role: "user", Content: "What's math?"}}, "", nil)
	assert.True(t, isNew)
	assert.NotEqual(t, s1, other)
}

func TestResolve_ToolRoundTrip(t *testing.T) {
	r := newTestResolver()

	s1, _ := r.Resolve([]Message{{Role: "user", Content: "What's the weather?"}}, "", nil)

	// Tool messages are excluded from the truncation point, so a request
	// carrying a tool result still resolves to the original session.
	s2, isNew := r.Resolve([]Message{
		{Role: "user", Content: "What's the weather?"},
		{Role: "assistant", Content: ""},
		{Role: "tool", Content: "Sunny, 75°F"},
		{Role: "user", Content: "Thanks"},
	}, "", nil)
	assert.False(t, isNew)
	assert.Equal(t, s1, s2)
}

func TestResolve_ConsecutiveUserMessages(t *testing.T) {
	r := newTestResolver()

	s1, _ := r.Resolve([]Message{{Role: "user", Content: "first"}}, "", nil)

	s2, isNew := r.Resolve([]Message{
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
	}, "", nil)
	assert.False(t, isNew)
	assert.Equal(t, s1, s2)
}

func TestResolve_SystemPromptSeparatesConversations(t *testing.T) {
	r := newTestResolver()

	s1, _ := r.Resolve([]Message{{Role: "user", Content: "Hi"}}, "You are A.", nil)
	s2, _ := r.Resolve([]Message{{Role: "user", Content: "Hi"}}, "You are B.", nil)
	assert.NotEqual(t, s1, s2)

	cont, isNew := r.Resolve([]Message{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "user", Content: "More"},
	}, "You are A.", nil)
	assert.False(t, isNew)
	assert.Equal(t, s1, cont)
}

func TestSignature_Deterministic(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
	}
	assert.Equal(t, Signature(msgs, "sys"), Signature(msgs, "sys"))
	assert.NotEqual(t, Signature(msgs, "sys"), Signature(msgs, "other"))
}

func TestSignature_ContentPrefixBounded(t *testing.T) {
	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'a'
	}
	a := Signature([]Message{{Role: "user", Content: string(long)}}, "")
	b := Signature([]Message{{Role: "user", Content: string(long) + "different tail"}}, "")
	// Only the first 100 chars participate.
	assert.Equal(t, a, b)
}

func TestResolve_LRUEviction(t *testing.T) {
	r := New(2, time.Hour)

	s1, _ := r.Resolve([]Message{{Role: "user", Content: "one"}}, "", nil)
	_, _ = r.Resolve([]Message{{Role: "user", Content: "two"}}, "", nil)
	_, _ = r.Resolve([]Message{{Role: "user", Content: "three"}}, "", nil)

	// s1 was evicted; its continuation now mints a fresh session.
	s4, isNew := r.Resolve([]Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "again"},
	}, "", nil)
	assert.True(t, isNew)
	assert.NotEqual(t, s1, s4)

	m := r.Metrics()
	assert.Equal(t, 4, m.SessionsCreated)
	assert.GreaterOrEqual(t, m.SessionsExpired, 2)
}

func TestResolve_TTLExpiry(t *testing.T) {
	r := New(100, 50*time.Millisecond)

	s1, _ := r.Resolve([]Message{{Role: "user", Content: "hello"}}, "", nil)
	time.Sleep(120 * time.Millisecond)

	s2, isNew := r.Resolve([]Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "still there?"},
	}, "", nil)
	assert.True(t, isNew)
	assert.NotEqual(t, s1, s2)
}

func TestResolve_Metrics(t *testing.T) {
	r := newTestResolver()

	_, _ = r.Resolve([]Message{{Role: "user", Content: "m"}}, "", nil)
	_, _ = r.Resolve([]Message{
		{Role: "user", Content: "m"},
		{Role: "assistant", Content: "r"},
		{Role: "user", Content: "n"},
	}, "", nil)

	m := r.Metrics()
	assert.Equal(t, 1, m.SessionsCreated)
	assert.Equal(t, 1, m.CacheHits)
	assert.Equal(t, 1, m.CacheMisses)
	assert.Equal(t, 1, m.ActiveSessions)
}

func TestResolve_ManyParallelConversations(t *testing.T) {
	r := newTestResolver()

	ids := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id, isNew := r.Resolve([]Message{{Role: "user", Content: fmt.Sprintf("topic-%d", i)}}, "", nil)
		require.True(t, isNew)
		ids[id] = struct{}{}
	}
	assert.Len(t, ids, 50)
}
