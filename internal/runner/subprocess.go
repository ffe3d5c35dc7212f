package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/pkg/models"
)

// abortGracePeriod is how long a SIGTERM'd agent process gets to exit
// before it is killed.
const abortGracePeriod = 5 * time.Second

// SubprocessRunner drives an agent CLI as a child process and parses its
// line-delimited stream-json stdout into normalized events.
type SubprocessRunner struct {
	cfg     config.AgentConfig
	emitter *emitter

	mu      sync.Mutex
	proc    *os.Process
	ran     bool
	aborted bool
}

// NewSubprocessRunner builds a runner around the configured agent CLI.
func NewSubprocessRunner(cfg config.AgentConfig) *SubprocessRunner {
	return &SubprocessRunner{cfg: cfg, emitter: newEmitter()}
}

func (r *SubprocessRunner) Events() <-chan models.StreamEvent {
	return r.emitter.events
}

// Abort terminates the agent process. SIGTERM first, SIGKILL after a
// grace period. Safe to call at any time, including after completion.
func (r *SubprocessRunner) Abort() {
	r.mu.Lock()
	r.aborted = true
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		time.Sleep(abortGracePeriod)
		proc.Kill()
	}()
}

// Run spawns the agent CLI and blocks until it exits, emitting events as
// output lines arrive. Returns ErrStartFailed if the process never
// started; in that case no done event is emitted.
func (r *SubprocessRunner) Run(ctx context.Context, prompt string, opts Options) (*models.RunResult, error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil, ErrAlreadyRan
	}
	r.ran = true
	r.mu.Unlock()

	opts.normalize()

	if info, err := os.Stat(opts.WorkspacePath); err != nil || !info.IsDir() {
		r.emitter.abandon()
		return nil, fmt.Errorf("%w: workspace %q is not a directory", ErrStartFailed, opts.WorkspacePath)
	}

	// The CLI makes its own permission decisions unless we hand it a
	// prompt tool. With an approver configured, every non-exempt tool
	// blocks inside the child process until the decision comes back.
	mcpConfigPath := ""
	if opts.Approver != nil && opts.PermissionMode != PermissionBypass {
		perm, err := startPermissionServer(ctx, opts.Approver)
		if err != nil {
			r.emitter.abandon()
			return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
		defer perm.close()

		mcpConfigPath, err = writeMCPConfig(perm.url())
		if err != nil {
			r.emitter.abandon()
			return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
		defer os.Remove(mcpConfigPath)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.buildArgs(prompt, opts, mcpConfigPath)...)
	cmd.Dir = opts.WorkspacePath
	cmd.Env = r.buildEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.emitter.abandon()
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		r.emitter.abandon()
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	r.mu.Lock()
	r.proc = cmd.Process
	r.mu.Unlock()

	r.parseStream(stdout)

	waitErr := cmd.Wait()

	r.mu.Lock()
	aborted := r.aborted
	r.mu.Unlock()

	if waitErr != nil {
		if aborted || ctx.Err() != nil {
			r.emitter.errorEvent("run cancelled")
		} else {
			r.emitter.errorEvent(fmt.Sprintf("agent exited abnormally: %v", waitErr))
		}
		r.emitter.finish()
		if aborted || ctx.Err() != nil {
			return r.emitter.result(), context.Canceled
		}
		return r.emitter.result(), fmt.Errorf("%w: %v", ErrAbnormalExit, waitErr)
	}

	r.emitter.finish()
	return r.emitter.result(), nil
}

func (r *SubprocessRunner) buildArgs(prompt string, opts Options, mcpConfigPath string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", fmt.Sprintf("%d", opts.MaxTurns),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	} else if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	switch opts.PermissionMode {
	case PermissionAcceptEdits:
		args = append(args, "--permission-mode", "acceptEdits")
	case PermissionBypass:
		args = append(args, "--dangerously-skip-permissions")
	}
	if mcpConfigPath != "" {
		args = append(args,
			"--mcp-config", mcpConfigPath,
			"--permission-prompt-tool", permissionPromptArg,
		)
	}
	// Prompt as the positional argument.
	return append(args, prompt)
}

func (r *SubprocessRunner) buildEnv() []string {
	env := os.Environ()
	if r.cfg.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+r.cfg.APIKey)
	}
	return env
}

// parseStream consumes the CLI's stdout line by line. Malformed lines are
// skipped; the stream keeps going.
func (r *SubprocessRunner) parseStream(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Tool results can carry large file contents on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r.handleLine(line)
	}
}

// streamLine is the envelope shared by every stream-json output line.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`

	// Fields present on result lines.
	Result  string     `json:"result"`
	IsError bool       `json:"is_error"`
	Usage   *usageJSON `json:"usage"`
	CostUSD float64    `json:"total_cost_usd"`
}

type usageJSON struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

func (u *usageJSON) toModel(costUSD float64) models.TokenUsage {
	return models.TokenUsage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD:             costUSD,
	}
}

// contentBlock is one entry of a message's content array.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
}

func (r *SubprocessRunner) handleLine(line []byte) {
	var envelope streamLine
	if err := json.Unmarshal(line, &envelope); err != nil {
		return
	}
	r.emitter.setSessionID(envelope.SessionID)

	switch envelope.Type {
	case "assistant":
		r.handleMessage(envelope.Message, true)
	case "user":
		r.handleMessage(envelope.Message, false)
	case "result":
		// The result line reports cumulative totals for the whole run,
		// including resumed context, so it replaces anything seen so far.
		if envelope.Usage != nil {
			usage := envelope.Usage.toModel(envelope.CostUSD)
			if usage.CostUSD == 0 {
				usage.CostUSD = PricingFor(r.cfg.Model).Estimate(&usage)
			}
			r.emitter.usageReplace(usage)
		}
		if envelope.IsError && envelope.Result != "" {
			r.emitter.errorEvent(envelope.Result)
		}
	}
	// system and unknown lines carry nothing the stream consumer needs.
}

// handleMessage walks an API message's content blocks. Assistant messages
// carry text and tool_use blocks; user messages carry tool_result blocks
// synthesized by the CLI after it runs each tool.
func (r *SubprocessRunner) handleMessage(raw json.RawMessage, assistant bool) {
	if len(raw) == 0 {
		return
	}
	var msg struct {
		Content []contentBlock `json:"content"`
		Usage   *usageJSON     `json:"usage"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if assistant {
				r.emitter.text(block.Text)
			}
		case "tool_use":
			r.emitter.toolUse(block.Name, block.Input)
		case "tool_result":
			r.emitter.toolResult(flattenToolResult(block.Content))
		}
	}
}

// flattenToolResult renders tool_result content, which the API allows to
// be either a plain string or an array of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

var _ Runner = (*SubprocessRunner)(nil)
