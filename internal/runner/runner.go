// Package runner executes one AI coding-agent turn against a workspace and
// emits a normalized, best-effort real-time event stream while doing so.
//
// Two backends implement the Runner contract behind NewRunner: a subprocess
// backend that parses an agent CLI's line-delimited JSON output, and an SDK
// backend that drives the Anthropic Messages API directly. Callers cannot
// tell them apart.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/pkg/models"
)

var (
	// ErrStartFailed indicates the underlying agent never began executing.
	// No done event is emitted in this case.
	ErrStartFailed = errors.New("agent failed to start")

	// ErrAbnormalExit indicates the agent started but ended abnormally.
	// A done event is emitted before this error is returned.
	ErrAbnormalExit = errors.New("agent exited abnormally")

	// ErrAlreadyRan indicates Run was called twice on the same runner.
	ErrAlreadyRan = errors.New("runner already ran")
)

// PermissionMode controls how the agent handles permission prompts.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "accept_edits"
	PermissionBypass      PermissionMode = "bypass"
)

// DefaultMaxTurns bounds the agent's internal tool-use loop.
const DefaultMaxTurns = 16

// ApprovalFunc decides whether one tool invocation may execute. It blocks
// until a decision exists: a nil error means proceed with the returned
// input (the original input when the return value is empty), a non-nil
// error means the tool must not run. Both backends consult it before the
// tool executes, never after.
type ApprovalFunc func(ctx context.Context, toolName string, input json.RawMessage) (json.RawMessage, error)

// Options configures one agent run.
type Options struct {
	// WorkspacePath is the sandbox root for any file operations. Required.
	WorkspacePath string
	// SystemPrompt is appended to the agent's system prompt.
	SystemPrompt string
	// MaxTurns bounds the tool-use loop; DefaultMaxTurns when zero.
	MaxTurns int
	// PermissionMode defaults to PermissionDefault.
	PermissionMode PermissionMode
	// ResumeSessionID continues a prior agent session.
	ResumeSessionID string
	// Model overrides the backend's default model.
	Model string
	// Approver gates non-exempt tool invocations. Nil disables gating.
	Approver ApprovalFunc
}

func (o *Options) normalize() {
	if o.MaxTurns <= 0 {
		o.MaxTurns = DefaultMaxTurns
	}
	if o.PermissionMode == "" {
		o.PermissionMode = PermissionDefault
	}
}

// Runner executes exactly one agent turn. Run may be called once; Events
// delivers the normalized stream and is closed after the terminal done
// event. Abort is idempotent and safe after completion.
type Runner interface {
	Run(ctx context.Context, prompt string, opts Options) (*models.RunResult, error)
	Events() <-chan models.StreamEvent
	Abort()
}

// NewRunner builds a runner for one run from the agent configuration.
func NewRunner(cfg config.AgentConfig) (Runner, error) {
	switch cfg.Backend {
	case "subprocess":
		return NewSubprocessRunner(cfg), nil
	case "sdk":
		return NewSDKRunner(cfg, DefaultToolDefinitions()), nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q", cfg.Backend)
	}
}

// eventBufferSize is how many stream events may queue before the producer
// blocks on a slow subscriber.
const eventBufferSize = 256

// emitter is the shared normalization plumbing for both backends. It owns
// the event channel, guarantees at most one done event, and accumulates
// the run's full text, modified files, and token usage.
type emitter struct {
	mu     sync.Mutex
	events chan models.StreamEvent
	done   bool

	fullText  strings.Builder
	files     map[string]struct{}
	usage     models.TokenUsage
	usageSeen bool
	sessionID string
}

func newEmitter() *emitter {
	return &emitter{
		events: make(chan models.StreamEvent, eventBufferSize),
		files:  map[string]struct{}{},
	}
}

// send forwards one event unless the stream is already terminated.
func (e *emitter) send(ev models.StreamEvent) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	if ev.Type == models.StreamDone {
		e.done = true
	}
	e.mu.Unlock()

	e.events <- ev
	if ev.Type == models.StreamDone {
		close(e.events)
	}
}

// abandon closes the stream without a done event. Used when the agent
// never started, so subscribers do not see a terminal event for a run
// that never began.
func (e *emitter) abandon() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	close(e.events)
}

func (e *emitter) text(content string) {
	if content == "" {
		return
	}
	e.mu.Lock()
	e.fullText.WriteString(content)
	e.mu.Unlock()
	e.send(models.StreamEvent{Type: models.StreamText, Content: content})
}

func (e *emitter) toolUse(name string, input json.RawMessage) {
	if path := modifiedFilePath(name, input); path != "" {
		e.mu.Lock()
		e.files[path] = struct{}{}
		e.mu.Unlock()
	}
	e.send(models.StreamEvent{Type: models.StreamToolUse, ToolName: name, ToolInput: input})
}

func (e *emitter) toolResult(result string) {
	e.send(models.StreamEvent{Type: models.StreamToolResult, ToolResult: result})
}

// usageReplace adopts a cumulative usage report wholesale. Used by the
// subprocess backend, whose CLI reports running totals: last seen wins.
func (e *emitter) usageReplace(u models.TokenUsage) {
	e.mu.Lock()
	e.usage = u
	e.usageSeen = true
	snapshot := e.usage
	e.mu.Unlock()
	e.send(models.StreamEvent{Type: models.StreamTokenUsage, TokenUsage: &snapshot})
}

// usageAdd accumulates a per-request usage report. Used by the SDK
// backend, whose API reports usage per turn: reports are summed.
func (e *emitter) usageAdd(u models.TokenUsage) {
	e.mu.Lock()
	e.usage.Add(&u)
	e.usageSeen = true
	snapshot := e.usage
	e.mu.Unlock()
	e.send(models.StreamEvent{Type: models.StreamTokenUsage, TokenUsage: &snapshot})
}

func (e *emitter) errorEvent(msg string) {
	e.send(models.StreamEvent{Type: models.StreamError, Content: msg})
}

func (e *emitter) finish() {
	e.send(models.StreamEvent{Type: models.StreamDone})
}

func (e *emitter) setSessionID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id != "" {
		e.sessionID = id
	}
}

// result builds the final RunResult from the accumulated state.
func (e *emitter) result() *models.RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &models.RunResult{
		FullText:      e.fullText.String(),
		ModifiedFiles: sortedKeys(e.files),
		SessionID:     e.sessionID,
	}
	if e.usageSeen {
		usage := e.usage
		res.TokenUsage = &usage
	}
	return res
}

// modifiedFilePath extracts the target path from write/edit-class tool
// input, or returns "" for tools that do not modify files.
func modifiedFilePath(toolName string, input json.RawMessage) string {
	switch toolName {
	case "Write", "Edit", "MultiEdit":
		return stringField(input, "file_path")
	case "NotebookEdit":
		return stringField(input, "notebook_path")
	default:
		return ""
	}
}

func stringField(input json.RawMessage, key string) string {
	if len(input) == 0 {
		return ""
	}
	var raw map[string]any
	if err := json.Unmarshal(input, &raw); err != nil {
		return ""
	}
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
