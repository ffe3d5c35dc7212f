// Package approval gates risky tool invocations behind human confirmation.
//
// Each non-read-only tool invocation becomes a pending approval that is
// terminated by exactly one of: approval, rejection, timeout, or
// conversation/device cancellation. The caller receives the outcome over a
// single-shot channel.
package approval

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrApprovalTimeout indicates nobody answered within the deadline.
	// Callers treat this as "abort the flow", not "tool declined".
	ErrApprovalTimeout = errors.New("tool approval timeout")

	// ErrConversationCancelled indicates the owning conversation or device
	// went away while the approval was pending.
	ErrConversationCancelled = errors.New("conversation cancelled")
)

// DefaultTimeout is how long a pending approval waits for a human answer.
const DefaultTimeout = 2 * time.Minute

// Decision is the terminal outcome of one approval request. Exactly one
// Decision is delivered per request. Err is non-nil only for timeout and
// cancellation.
type Decision struct {
	Approved      bool
	ModifiedInput json.RawMessage
	Reason        string
	Err           error
}

// ToolRequest identifies one tool invocation awaiting a decision.
type ToolRequest struct {
	ToolID         string          `json:"tool_id"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	DeviceID       string          `json:"device_id"`
	ConversationID string          `json:"conversation_id"`
}

// PendingApproval is the externally visible view of a pending request.
type PendingApproval struct {
	ToolRequest
	CreatedAt time.Time `json:"created_at"`
}

// Policy configures which tools bypass the gate entirely.
type Policy struct {
	// ReadOnlyTools are auto-approved without entering the pending set.
	// Supports exact names, "prefix*", "*suffix", and "*".
	ReadOnlyTools []string `yaml:"read_only_tools" json:"read_only_tools"`
}

// DefaultPolicy auto-approves pure read/inspect tools.
func DefaultPolicy() *Policy {
	return &Policy{
		ReadOnlyTools: []string{
			"Read", "Glob", "Grep", "LS",
			"NotebookRead", "TodoRead",
			"WebFetch", "WebSearch",
		},
	}
}

type pendingEntry struct {
	req       ToolRequest
	createdAt time.Time
	decision  chan Decision
	timer     *time.Timer
}

// Gate owns the pending approval set. The protocol handler never resolves
// approvals directly; it only calls Approve, Reject, or the cancel methods.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	policy  *Policy
	timeout time.Duration
	metrics *prometheus.CounterVec
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout overrides the pending approval deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithOutcomeCounter wires a counter labeled by outcome
// (auto|approved|rejected|timed_out|cancelled).
func WithOutcomeCounter(c *prometheus.CounterVec) Option {
	return func(g *Gate) { g.metrics = c }
}

// NewGate creates an approval gate. A nil policy uses DefaultPolicy.
func NewGate(policy *Policy, opts ...Option) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	g := &Gate{
		pending: make(map[string]*pendingEntry),
		policy:  policy,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval asks for a decision on one tool invocation. Read-only
// tools resolve immediately with Approved=true and never enter the pending
// set. All other tools become pending until a human answers, the timeout
// fires, or the conversation is cancelled. The returned channel delivers
// exactly one Decision.
func (g *Gate) RequestApproval(req ToolRequest) <-chan Decision {
	ch := make(chan Decision, 1)

	if matchesPattern(g.policy.ReadOnlyTools, req.ToolName) {
		g.countOutcome("auto")
		ch <- Decision{Approved: true, Reason: "read-only tool"}
		return ch
	}

	entry := &pendingEntry{
		req:       req,
		createdAt: time.Now(),
		decision:  ch,
	}
	// Insert before arming the timer: the expiry callback locks the same
	// mutex, so it cannot observe the entry half-registered, and a very
	// short timeout still finds something to expire.
	g.mu.Lock()
	g.pending[req.ToolID] = entry
	entry.timer = time.AfterFunc(g.timeout, func() {
		g.expire(req.ToolID)
	})
	g.mu.Unlock()

	return ch
}

// Approve resolves a pending approval. Returns false when the tool ID is
// unknown, already terminal, or owned by a different device.
func (g *Gate) Approve(toolID, deviceID string, modifiedInput json.RawMessage) bool {
	entry := g.take(toolID, deviceID)
	if entry == nil {
		return false
	}
	g.countOutcome("approved")
	entry.decision <- Decision{Approved: true, ModifiedInput: modifiedInput}
	return true
}

// Reject resolves a pending approval as declined. Returns false when the
// tool ID is unknown, already terminal, or owned by a different device.
func (g *Gate) Reject(toolID, deviceID, reason string) bool {
	entry := g.take(toolID, deviceID)
	if entry == nil {
		return false
	}
	g.countOutcome("rejected")
	entry.decision <- Decision{Approved: false, Reason: reason}
	return true
}

// expire transitions a still-pending approval to timed out.
func (g *Gate) expire(toolID string) {
	entry := g.take(toolID, "")
	if entry == nil {
		return
	}
	g.countOutcome("timed_out")
	entry.decision <- Decision{Err: ErrApprovalTimeout}
}

// CancelForConversation terminates every pending approval belonging to the
// conversation and returns the number cancelled. Approvals for other
// conversations are untouched.
func (g *Gate) CancelForConversation(conversationID string) int {
	return g.cancelMatching(func(e *pendingEntry) bool {
		return e.req.ConversationID == conversationID
	})
}

// CancelForDevice terminates every pending approval owned by the device
// and returns the number cancelled. Used when a connection drops so the
// agent is not left waiting for an answer that will never come.
func (g *Gate) CancelForDevice(deviceID string) int {
	return g.cancelMatching(func(e *pendingEntry) bool {
		return e.req.DeviceID == deviceID
	})
}

func (g *Gate) cancelMatching(match func(*pendingEntry) bool) int {
	g.mu.Lock()
	var cancelled []*pendingEntry
	for id, entry := range g.pending {
		if match(entry) {
			delete(g.pending, id)
			cancelled = append(cancelled, entry)
		}
	}
	g.mu.Unlock()

	for _, entry := range cancelled {
		entry.timer.Stop()
		g.countOutcome("cancelled")
		entry.decision <- Decision{Err: ErrConversationCancelled}
	}
	return len(cancelled)
}

// take removes a pending entry and stops its timer, or returns nil when
// the ID is not pending. A non-empty deviceID must match the request's
// owner; internal transitions (timeout, cancellation) pass "". This is
// the single point that makes every terminal transition exactly-once.
func (g *Gate) take(toolID, deviceID string) *pendingEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[toolID]
	if !ok {
		return nil
	}
	if deviceID != "" && entry.req.DeviceID != deviceID {
		return nil
	}
	delete(g.pending, toolID)
	entry.timer.Stop()
	return entry
}

// IsPending reports whether the tool ID awaits a decision.
func (g *Gate) IsPending(toolID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[toolID]
	return ok
}

// Size returns the number of pending approvals.
func (g *Gate) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// PendingForDevice returns the pending approvals owned by a device.
func (g *Gate) PendingForDevice(deviceID string) []PendingApproval {
	return g.pendingMatching(func(e *pendingEntry) bool {
		return e.req.DeviceID == deviceID
	})
}

// PendingForConversation returns the pending approvals for a conversation.
func (g *Gate) PendingForConversation(conversationID string) []PendingApproval {
	return g.pendingMatching(func(e *pendingEntry) bool {
		return e.req.ConversationID == conversationID
	})
}

func (g *Gate) pendingMatching(match func(*pendingEntry) bool) []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result []PendingApproval
	for _, entry := range g.pending {
		if match(entry) {
			result = append(result, PendingApproval{
				ToolRequest: entry.req,
				CreatedAt:   entry.createdAt,
			})
		}
	}
	return result
}

func (g *Gate) countOutcome(outcome string) {
	if g.metrics != nil {
		g.metrics.WithLabelValues(outcome).Inc()
	}
}

// matchesPattern checks if toolName matches any pattern in the list.
// Supports exact match, prefix* match, *suffix match, and * (all).
func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == toolName {
			return true
		}
		if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
			if strings.HasPrefix(toolName, pattern[:len(pattern)-1]) {
				return true
			}
		}
		if len(pattern) > 1 && pattern[0] == '*' {
			if strings.HasSuffix(toolName, pattern[1:]) {
				return true
			}
		}
	}
	return false
}
