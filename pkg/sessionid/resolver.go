// Package sessionid derives stable session identifiers from the stateless
// message histories of upstream chat requests.
//
// Upstream chat APIs resend the full transcript on every call. The resolver
// hashes normalized (role, content-prefix) pairs into a signature; truncating
// the incoming history at the second-to-last user message reproduces the
// previous turn's exact signature, so continuation is a single map lookup —
// no linear scan, no fuzzy matching in the hot path.
package sessionid

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cylestio/cylestio-perimeter/pkg/metrics"
)

// Content prefixes are capacity-bounded so signature input stays O(messages).
const (
	contentPrefixMaxChars = 100
	systemPromptMaxChars  = 100
)

// Message is one normalized chat message. Content is the extracted text; for
// structured content the provider concatenates text blocks before calling
// the resolver.
type Message struct {
	Role    string
	Content string
}

// Record tracks one known session.
type Record struct {
	SessionID    string
	Signature    string
	CreatedAt    time.Time
	LastAccessed time.Time
	MessageCount int
	Metadata     map[string]any
}

// Metrics is a snapshot of resolver counters.
type Metrics struct {
	SessionsCreated int `json:"sessions_created"`
	SessionsExpired int `json:"sessions_expired"`
	CacheHits       int `json:"cache_hits"`
	CacheMisses     int `json:"cache_misses"`
	ActiveSessions  int `json:"active_sessions"`
	MaxSessions     int `json:"max_sessions"`
	TTLSeconds      int `json:"session_ttl_seconds"`
}

// Resolver maps message histories to session ids through an LRU with TTL and
// a parallel signature index. Safe for concurrent use.
//
// Locking: mu serializes resolve operations; sigMu is a leaf lock guarding
// the signature index and eviction counter. The split exists because the
// LRU's eviction callback fires both synchronously (capacity eviction inside
// Add, with mu already held) and asynchronously (the TTL expiry goroutine) —
// the callback must therefore take only sigMu.
type Resolver struct {
	mu       sync.Mutex
	sessions *lru.LRU[string, *Record]

	sigMu       sync.Mutex
	bySignature map[string]string // signature → session_id
	expired     int

	maxSessions int
	ttl         time.Duration

	created int
	hits    int
	misses  int
}

// New creates a resolver with the given capacity and TTL.
func New(maxSessions int, ttl time.Duration) *Resolver {
	r := &Resolver{
		bySignature: make(map[string]string),
		maxSessions: maxSessions,
		ttl:         ttl,
	}
	r.sessions = lru.NewLRU(maxSessions, func(_ string, rec *Record) {
		r.sigMu.Lock()
		delete(r.bySignature, rec.Signature)
		r.expired++
		r.sigMu.Unlock()
		metrics.SessionsExpired.Inc()
	}, ttl)
	return r
}

// Resolve returns the session id for the given message history and whether a
// new session was minted. Deterministic modulo LRU eviction: the same history
// against the same resolver state always yields the same signature.
func (r *Resolver) Resolve(messages []Message, systemPrompt string, metadata map[string]any) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(messages) <= 1 {
		return r.createSession(messages, systemPrompt, metadata), true
	}

	if id := r.findExisting(messages, systemPrompt); id != "" {
		r.continueSession(id, messages, systemPrompt)
		return id, false
	}

	return r.createSession(messages, systemPrompt, metadata), true
}

// Lookup returns the record for a session id without affecting recency.
func (r *Resolver) Lookup(sessionID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Peek(sessionID)
}

// Bind registers an externally-minted session id under the full signature of
// the given history, so a later request that resends this history plus a new
// user turn resolves to that id.
func (r *Resolver) Bind(sessionID string, messages []Message, systemPrompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig := Signature(messages, systemPrompt)
	now := time.Now().UTC()
	rec := &Record{
		SessionID:    sessionID,
		Signature:    sig,
		CreatedAt:    now,
		LastAccessed: now,
		MessageCount: len(messages),
	}
	r.sessions.Add(sessionID, rec)
	r.sigMu.Lock()
	r.bySignature[sig] = sessionID
	r.sigMu.Unlock()
}

// Metrics returns a counter snapshot.
func (r *Resolver) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigMu.Lock()
	expired := r.expired
	r.sigMu.Unlock()
	return Metrics{
		SessionsCreated: r.created,
		SessionsExpired: expired,
		CacheHits:       r.hits,
		CacheMisses:     r.misses,
		ActiveSessions:  r.sessions.Len(),
		MaxSessions:     r.maxSessions,
		TTLSeconds:      int(r.ttl.Seconds()),
	}
}

func (r *Resolver) createSession(messages []Message, systemPrompt string, metadata map[string]any) string {
	sessionID := uuid.New().String()
	sig := Signature(messages, systemPrompt)
	now := time.Now().UTC()

	rec := &Record{
		SessionID:    sessionID,
		Signature:    sig,
		CreatedAt:    now,
		LastAccessed: now,
		MessageCount: len(messages),
		Metadata:     metadata,
	}
	r.sessions.Add(sessionID, rec)
	r.sigMu.Lock()
	r.bySignature[sig] = sessionID
	r.sigMu.Unlock()

	r.created++
	r.misses++
	metrics.SessionsCreated.Inc()
	metrics.CacheMisses.Inc()
	slog.Info("New session created", "session_id", sessionID[:8])
	return sessionID
}

// findExisting looks up the previous conversation state's signature.
func (r *Resolver) findExisting(messages []Message, systemPrompt string) string {
	previous := truncateToPreviousTurn(messages)
	if previous == nil {
		return ""
	}
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	return r.bySignature[Signature(previous, systemPrompt)]
}

// continueSession rolls the stored signature forward to the current full
// history so the next request's truncated lookup matches.
func (r *Resolver) continueSession(sessionID string, messages []Message, systemPrompt string) {
	rec, ok := r.sessions.Get(sessionID) // Get bumps recency and TTL
	if !ok {
		return
	}
	newSig := Signature(messages, systemPrompt)
	r.sigMu.Lock()
	delete(r.bySignature, rec.Signature)
	rec.Signature = newSig
	rec.MessageCount = len(messages)
	rec.LastAccessed = time.Now().UTC()
	r.bySignature[newSig] = sessionID
	r.sigMu.Unlock()

	r.hits++
	metrics.CacheHits.Inc()
	slog.Debug("Session continued", "session_id", sessionID[:8])
}

// Signature computes the SHA-256 conversation signature over the system
// prompt prefix and each message's role and content prefix.
func Signature(messages []Message, systemPrompt string) string {
	parts := make([]string, 0, len(messages)+1)
	if systemPrompt != "" {
		parts = append(parts, "system:"+prefix(systemPrompt, systemPromptMaxChars))
	}
	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = "unknown"
		}
		parts = append(parts, role+":"+strings.TrimSpace(prefix(msg.Content, contentPrefixMaxChars)))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// truncateToPreviousTurn returns all messages up to and including the
// second-to-last user message — the state the conversation was in when that
// turn was first processed. Tool and assistant messages never count as turn
// boundaries, so tool-call/result round-trips do not fragment sessions.
// Returns nil when there is no previous state to look up.
func truncateToPreviousTurn(messages []Message) []Message {
	if len(messages) <= 1 {
		return nil
	}
	var userIndices []int
	for i, msg := range messages {
		if msg.Role == "user" {
			userIndices = append(userIndices, i)
		}
	}
	if len(userIndices) < 2 {
		return nil
	}
	return messages[:userIndices[len(userIndices)-2]+1]
}

func prefix(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
