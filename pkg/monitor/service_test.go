package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTrigger) Trigger(systemPromptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, systemPromptID)
}

func (r *recordingTrigger) triggered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newTestStore(t *testing.T) *store.TraceStore {
	t.Helper()
	cfg := config.StoreConfig{StorageMode: "memory", MaxEvents: 1000, RetentionMinutes: 30}
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, cfg)
}

func TestTick_CompletesAndFreezes(t *testing.T) {
	traceStore := newTestStore(t)
	trigger := &recordingTrigger{}

	cfg := &config.MonitorConfig{CompletionTimeoutSeconds: 1, CheckIntervalSeconds: 3600}
	service := NewService(cfg, traceStore, trigger)

	sessionID := uuid.New().String()
	promptID := "prompt-monitor"
	require.NoError(t, traceStore.AddEvent(
		events.NewLLMCallStart(sessionID, promptID, "", "openai", "gpt-4o", nil), "", ""))
	require.NoError(t, traceStore.AddEvent(
		events.NewLLMCallFinish(sessionID, promptID, "", "openai", "gpt-4o", 50, 10, 10, 20, "stop"), "", ""))

	// Not yet stale: nothing happens.
	service.Tick()
	assert.Empty(t, trigger.triggered())

	// Backdate the activity past the timeout by waiting it out.
	time.Sleep(1100 * time.Millisecond)
	service.Tick()

	assert.Equal(t, []string{promptID}, trigger.triggered())

	session, err := traceStore.GetSession(sessionID)
	require.NoError(t, err)
	assert.True(t, session.IsCompleted)
	require.NotNil(t, session.BehavioralSignature, "signature freezes at completion")
	require.NotNil(t, session.BehavioralFeatures)
	assert.Equal(t, 20, session.BehavioralFeatures.TotalTokens)

	// A second tick finds nothing new.
	service.Tick()
	assert.Len(t, trigger.triggered(), 1)
}

func TestStartStop(t *testing.T) {
	traceStore := newTestStore(t)
	cfg := &config.MonitorConfig{CompletionTimeoutSeconds: 30, CheckIntervalSeconds: 1}
	service := NewService(cfg, traceStore, &recordingTrigger{})

	service.Start(t.Context())
	time.Sleep(30 * time.Millisecond)
	service.Stop()
}
