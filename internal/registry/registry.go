// Package registry is the sole authority on which conversations have an
// agent run in flight. It enforces per-conversation single flight and the
// global concurrency ceiling.
package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxConcurrent bounds simultaneous agent runs across all
// conversations. This protects host resources; it is not a fairness
// mechanism.
const DefaultMaxConcurrent = 3

// Handle is the subset of a runner the registry needs for forced cleanup.
type Handle interface {
	Abort()
}

// RejectReason distinguishes why an admission was refused.
type RejectReason string

const (
	// ReasonConversationBusy means this conversation already has a run in flight.
	ReasonConversationBusy RejectReason = "conversation_busy"
	// ReasonGlobalLimit means the global concurrency ceiling is reached.
	ReasonGlobalLimit RejectReason = "global_limit"
)

// Admission is the result of an admission check.
type Admission struct {
	OK     bool
	Reason RejectReason
}

// RunnerState tracks one admitted run.
type RunnerState struct {
	WorkspaceID    string
	ConversationID string
	Handle         Handle
	StartedAt      time.Time
}

type key struct {
	workspaceID    string
	conversationID string
}

// Registry tracks active runs keyed by (workspace, conversation). All
// mutation goes through its methods; callers never reach into the map.
type Registry struct {
	mu            sync.Mutex
	entries       map[key]*RunnerState
	maxConcurrent int
	activeGauge   prometheus.Gauge
}

// Option configures a Registry.
type Option func(*Registry)

// WithActiveGauge wires a gauge tracking the number of registered runs.
func WithActiveGauge(g prometheus.Gauge) Option {
	return func(r *Registry) { r.activeGauge = g }
}

// New creates a registry with the given global ceiling. A non-positive
// ceiling falls back to DefaultMaxConcurrent.
func New(maxConcurrent int, opts ...Option) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	r := &Registry{
		entries:       make(map[key]*RunnerState),
		maxConcurrent: maxConcurrent,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit reserves a slot for the conversation if one is available.
// Conversation exclusivity is checked before the global ceiling, so a busy
// conversation reports conversation_busy even when the system is also full.
// A successful Admit must be paired with exactly one Release, whether or
// not Register is ever called.
func (r *Registry) Admit(workspaceID, conversationID string) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{workspaceID, conversationID}
	if _, exists := r.entries[k]; exists {
		return Admission{OK: false, Reason: ReasonConversationBusy}
	}
	if len(r.entries) >= r.maxConcurrent {
		return Admission{OK: false, Reason: ReasonGlobalLimit}
	}

	r.entries[k] = &RunnerState{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		StartedAt:      time.Now(),
	}
	if r.activeGauge != nil {
		r.activeGauge.Set(float64(len(r.entries)))
	}
	return Admission{OK: true}
}

// Register attaches the runner handle to an admitted slot. It is only
// valid after Admit returned ok for the same keys.
func (r *Registry) Register(workspaceID, conversationID string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key{workspaceID, conversationID}]; ok {
		entry.Handle = handle
	}
}

// Release removes the entry unconditionally. Safe to call for keys that
// were never admitted; a second Release for the same run is a no-op.
func (r *Registry) Release(workspaceID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, key{workspaceID, conversationID})
	if r.activeGauge != nil {
		r.activeGauge.Set(float64(len(r.entries)))
	}
}

// Get returns the state for a conversation, or nil when idle.
func (r *Registry) Get(workspaceID, conversationID string) *RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key{workspaceID, conversationID}]
	if !ok {
		return nil
	}
	clone := *entry
	return &clone
}

// IsBusy reports whether the conversation has a run in flight.
func (r *Registry) IsBusy(workspaceID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key{workspaceID, conversationID}]
	return ok
}

// Active returns the number of registered runs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
