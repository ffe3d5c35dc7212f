package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/pkg/models"
)

const sdkMaxTokens = 8192

// ToolDefinition is a tool the SDK backend exposes to the model. Execute
// runs inside the workspace and returns the tool_result content.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Execute     func(ctx context.Context, workspacePath string, input json.RawMessage) (string, error)
}

// SDKRunner drives the Anthropic Messages API directly, running the
// tool-use loop itself instead of delegating to an agent CLI.
type SDKRunner struct {
	cfg    config.AgentConfig
	client anthropic.Client
	tools  []ToolDefinition
	em     *emitter

	mu     sync.Mutex
	ran    bool
	cancel context.CancelFunc
}

// NewSDKRunner builds an API-backed runner. tools may be nil for pure
// text runs.
func NewSDKRunner(cfg config.AgentConfig, tools []ToolDefinition) *SDKRunner {
	return &SDKRunner{
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		tools:  tools,
		em:     newEmitter(),
	}
}

func (r *SDKRunner) Events() <-chan models.StreamEvent {
	return r.em.events
}

// Abort cancels the in-flight API stream and tool execution.
func (r *SDKRunner) Abort() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the tool-use loop until the model stops asking for tools
// or MaxTurns is reached.
func (r *SDKRunner) Run(ctx context.Context, prompt string, opts Options) (*models.RunResult, error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil, ErrAlreadyRan
	}
	r.ran = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	opts.normalize()
	if r.cfg.APIKey == "" {
		r.em.abandon()
		return nil, fmt.Errorf("%w: no API key configured", ErrStartFailed)
	}

	model := opts.Model
	if model == "" {
		model = r.cfg.Model
	}
	// API sessions have no CLI session file to resume, so each run gets a
	// fresh ID unless the caller carries one forward.
	if opts.ResumeSessionID != "" {
		r.em.setSessionID(opts.ResumeSessionID)
	} else {
		r.em.setSessionID(uuid.NewString())
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}

	started := false
	for turn := 0; turn < opts.MaxTurns; turn++ {
		outcome, err := r.runTurn(runCtx, model, opts, messages)
		if err != nil {
			if !started {
				r.em.abandon()
				return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
			}
			if runCtx.Err() != nil {
				r.em.errorEvent("run cancelled")
				r.em.finish()
				return r.em.result(), context.Canceled
			}
			r.em.errorEvent(err.Error())
			r.em.finish()
			return r.em.result(), fmt.Errorf("%w: %v", ErrAbnormalExit, err)
		}
		started = true

		if outcome.stopReason != "tool_use" || len(outcome.toolCalls) == 0 {
			break
		}

		messages = append(messages, assistantParam(outcome))
		results := make([]anthropic.ContentBlockParamUnion, 0, len(outcome.toolCalls))
		for _, call := range outcome.toolCalls {
			content, isError := r.settleToolCall(runCtx, opts, call)
			r.em.toolResult(content)
			results = append(results, anthropic.NewToolResultBlock(call.id, content, isError))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	r.em.finish()
	return r.em.result(), nil
}

// sdkToolCall is a completed tool_use block from one assistant turn.
type sdkToolCall struct {
	id    string
	name  string
	input json.RawMessage
}

// turnOutcome captures what one streamed assistant turn produced.
type turnOutcome struct {
	text       string
	toolCalls  []sdkToolCall
	stopReason string
}

func (r *SDKRunner) runTurn(ctx context.Context, model string, opts Options, messages []anthropic.MessageParam) (*turnOutcome, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: sdkMaxTokens,
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.SystemPrompt}}
	}
	if tools := r.toolParams(); len(tools) > 0 {
		params.Tools = tools
	}

	stream := r.client.Messages.NewStreaming(ctx, params)

	outcome := &turnOutcome{}
	var turnText strings.Builder
	var currentTool *sdkToolCall
	var currentInput strings.Builder
	var usage models.TokenUsage

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.InputTokens = messageStart.Message.Usage.InputTokens
			usage.CacheReadTokens = messageStart.Message.Usage.CacheReadInputTokens
			usage.CacheCreationTokens = messageStart.Message.Usage.CacheCreationInputTokens

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentTool = &sdkToolCall{id: toolUse.ID, name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					turnText.WriteString(delta.Text)
					r.em.text(delta.Text)
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.input = json.RawMessage(currentInput.String())
				if len(currentTool.input) == 0 {
					currentTool.input = json.RawMessage("{}")
				}
				r.em.toolUse(currentTool.name, currentTool.input)
				outcome.toolCalls = append(outcome.toolCalls, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = messageDelta.Usage.OutputTokens
			}
			if messageDelta.Delta.StopReason != "" {
				outcome.stopReason = string(messageDelta.Delta.StopReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	outcome.text = turnText.String()

	// The API reports usage per request. Turns accumulate.
	usage.CostUSD = PricingFor(model).Estimate(&usage)
	r.em.usageAdd(usage)

	return outcome, nil
}

// settleToolCall blocks on the approval decision and only then executes.
// A declined call never runs: the model sees an error-flagged result and
// the loop continues. An approval that carries modified input substitutes
// it for the model's original.
func (r *SDKRunner) settleToolCall(ctx context.Context, opts Options, call sdkToolCall) (string, bool) {
	input := call.input
	if opts.Approver != nil {
		approved, err := opts.Approver(ctx, call.name, call.input)
		if err != nil {
			return fmt.Sprintf("tool %s was not approved: %v", call.name, err), true
		}
		if len(approved) > 0 {
			input = approved
		}
	}
	return r.executeTool(ctx, opts.WorkspacePath, sdkToolCall{id: call.id, name: call.name, input: input})
}

// executeTool runs one requested tool, mapping unknown tools and
// execution failures to error-flagged results so the model can recover.
func (r *SDKRunner) executeTool(ctx context.Context, workspacePath string, call sdkToolCall) (string, bool) {
	for _, tool := range r.tools {
		if tool.Name != call.name {
			continue
		}
		content, err := tool.Execute(ctx, workspacePath, call.input)
		if err != nil {
			return fmt.Sprintf("tool %s failed: %v", call.name, err), true
		}
		return content, false
	}
	return fmt.Sprintf("tool %s is not available", call.name), true
}

func (r *SDKRunner) toolParams() []anthropic.ToolUnionParam {
	params := make([]anthropic.ToolUnionParam, 0, len(r.tools))
	for _, tool := range r.tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		params = append(params, param)
	}
	return params
}

// assistantParam rebuilds the assistant turn as a message param so the
// conversation can continue with tool results.
func assistantParam(outcome *turnOutcome) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	if outcome.text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(outcome.text))
	}
	for _, call := range outcome.toolCalls {
		var input map[string]any
		if err := json.Unmarshal(call.input, &input); err != nil {
			input = map[string]any{}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(call.id, input, call.name))
	}
	return anthropic.NewAssistantMessage(blocks...)
}

var _ Runner = (*SDKRunner)(nil)
