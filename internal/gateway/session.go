package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhq/relay/internal/approval"
	"github.com/relayhq/relay/internal/registry"
	"github.com/relayhq/relay/internal/runner"
	"github.com/relayhq/relay/internal/store"
	"github.com/relayhq/relay/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second

	maxConversationTitle = 80
)

// session is one authenticated WebSocket connection. All inbound
// dispatch happens on the read loop; runs execute in their own
// goroutines and report back through the send channel.
type session struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	deviceID string

	mu   sync.Mutex
	runs map[string]*activeRun
}

// activeRun tracks one in-flight agent run owned by this connection.
type activeRun struct {
	workspaceID    string
	conversationID string
	runner         runner.Runner

	approvalTimedOut atomic.Bool
}

func newSession(server *Server, conn *websocket.Conn, parent context.Context) *session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &session{
		server: server,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		logger: server.logger.With("session", uuid.NewString()[:8]),
		runs:   make(map[string]*activeRun),
	}
}

func (s *session) run() {
	go s.writeLoop()
	go s.pingLoop()
	s.readLoop()
	s.close()
}

// close is the single transport-teardown path: abort every runner this
// connection owns and cancel every approval waiting on its device.
func (s *session) close() {
	s.cancel()

	s.mu.Lock()
	runs := make([]*activeRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.runner.Abort()
	}
	if s.deviceID != "" {
		if n := s.server.gate.CancelForDevice(s.deviceID); n > 0 {
			s.logger.Info("cancelled pending approvals on disconnect", "count", n)
		}
	}
	_ = s.conn.Close()
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("invalid message")
			continue
		}

		if s.deviceID == "" && msg.Type != msgAuth {
			s.sendError("authentication required")
			continue
		}

		switch msg.Type {
		case msgAuth:
			s.handleAuth(&msg)
		case msgChatSend:
			s.handleChatSend(&msg)
		case msgChatRetry:
			s.handleChatRetry(&msg)
		case msgToolApprovalResponse:
			s.handleApprovalResponse(&msg)
		default:
			s.sendError("unknown message type")
		}
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal outbound message", "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func (s *session) sendError(text string) {
	s.sendJSON(errorMsg{Type: msgError, Error: text})
}

func (s *session) sendChatError(workspaceID, conversationID, text string) {
	s.sendJSON(chatErrorMsg{
		Type:           msgChatError,
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Error:          text,
	})
}

func (s *session) handleAuth(msg *inboundMessage) {
	device, err := s.server.auth.Authenticate(s.ctx, msg.Token)
	if err != nil {
		s.logger.Warn("authentication failed", "error", err)
		s.sendJSON(authErrorMsg{Type: msgAuthError, Error: "invalid or revoked credentials"})
		return
	}
	s.deviceID = device.ID
	s.logger = s.logger.With("device", device.ID)
	s.sendJSON(authSuccessMsg{Type: msgAuthSuccess, DeviceID: device.ID})
}

// chatRequest is a validated chat_send or chat_retry ready for admission.
type chatRequest struct {
	workspace      *models.Workspace
	conversationID string
	message        string
	selectedFiles  []string
	model          string

	isRetry                bool
	originalConversationID string
}

func (s *session) handleChatSend(msg *inboundMessage) {
	if strings.TrimSpace(msg.Message) == "" {
		s.sendError("message must not be empty")
		return
	}
	if msg.WorkspaceID == "" {
		s.sendError("workspaceId is required")
		return
	}

	ws, err := s.server.store.Workspaces().Get(s.ctx, msg.WorkspaceID)
	if err != nil {
		s.sendChatError(msg.WorkspaceID, msg.ConversationID, "workspace not found")
		return
	}

	if msg.ConversationID != "" {
		conv, err := s.server.store.Conversations().Get(s.ctx, msg.ConversationID)
		// A conversation from another workspace is treated as unknown, so
		// a guessed ID cannot run under a different workspace's sandbox.
		if err != nil || conv.WorkspaceID != msg.WorkspaceID {
			s.sendChatError(msg.WorkspaceID, msg.ConversationID, "conversation not found")
			return
		}
	}

	s.startChat(chatRequest{
		workspace:      ws,
		conversationID: msg.ConversationID,
		message:        msg.Message,
		selectedFiles:  msg.SelectedFiles,
		model:          msg.Model,
	})
}

// handleChatRetry re-runs the last user message of an existing
// conversation in a fresh conversation, leaving the original intact.
func (s *session) handleChatRetry(msg *inboundMessage) {
	if msg.ConversationID == "" {
		s.sendError("conversationId is required")
		return
	}

	conv, err := s.server.store.Conversations().Get(s.ctx, msg.ConversationID)
	if err != nil {
		s.sendChatError("", msg.ConversationID, "conversation not found")
		return
	}
	ws, err := s.server.store.Workspaces().Get(s.ctx, conv.WorkspaceID)
	if err != nil {
		s.sendChatError(conv.WorkspaceID, conv.ID, "workspace not found")
		return
	}
	last, err := s.server.store.Conversations().LastUserMessage(s.ctx, conv.ID)
	if err != nil {
		s.sendChatError(conv.WorkspaceID, conv.ID, "nothing to retry")
		return
	}

	s.startChat(chatRequest{
		workspace:              ws,
		message:                last.Content,
		isRetry:                true,
		originalConversationID: conv.ID,
	})
}

// startChat runs the admission pipeline: rate limit, then registry, and
// only then side effects. Admission failures report a distinct error and
// do nothing else.
func (s *session) startChat(req chatRequest) {
	wsID := req.workspace.ID

	if !s.server.limiter.CheckAndRecord(s.deviceID) {
		s.countRejection("rate_limited")
		s.sendChatError(wsID, req.conversationID, "you are sending messages too quickly, try again later")
		return
	}

	convID := req.conversationID
	isNew := convID == ""
	if isNew {
		convID = uuid.NewString()
	}

	adm := s.server.registry.Admit(wsID, convID)
	if !adm.OK {
		s.countRejection(string(adm.Reason))
		switch adm.Reason {
		case registry.ReasonConversationBusy:
			s.sendChatError(wsID, convID, "this conversation already has a run in progress")
		default:
			s.sendChatError(wsID, convID, "the server is at capacity, try again shortly")
		}
		return
	}

	// The slot is reserved from here on. Every failure path before the
	// run goroutine takes over must release it.
	released := false
	release := func() {
		if !released {
			released = true
			s.server.registry.Release(wsID, convID)
		}
	}

	agentCfg := s.server.cfg.Agent
	r, err := s.server.newRunner(agentCfg)
	if err != nil {
		release()
		s.logger.Error("runner construction failed", "error", err)
		s.sendChatError(wsID, convID, "the agent failed to start")
		return
	}

	if isNew {
		conv := &models.Conversation{
			ID:          convID,
			WorkspaceID: wsID,
			Title:       titleFrom(req.message),
		}
		if err := s.server.store.Conversations().Create(s.ctx, conv); err != nil {
			release()
			s.logger.Error("create conversation", "error", err)
			s.sendChatError(wsID, convID, "could not create conversation")
			return
		}
		s.sendJSON(conversationCreatedMsg{
			Type:                   msgConversationCreated,
			WorkspaceID:            wsID,
			ConversationID:         convID,
			IsRetry:                req.isRetry,
			OriginalConversationID: req.originalConversationID,
		})
	}

	history, err := s.server.store.Conversations().History(s.ctx, convID, s.server.cfg.Limits.HistoryLimit)
	if err != nil {
		s.logger.Warn("load history", "conversation", convID, "error", err)
	}

	userMsg := &models.Message{
		ConversationID: convID,
		Role:           models.RoleUser,
		Content:        req.message,
	}
	if err := s.server.store.Conversations().AppendMessage(s.ctx, userMsg); err != nil {
		s.logger.Warn("persist user message", "conversation", convID, "error", err)
	}

	files, skipped := loadSelectedFiles(req.workspace.Path, req.selectedFiles, s.server.cfg.Limits.MaxSelectedFileBytes)
	for reason, paths := range skipped {
		s.sendJSON(filesSkippedMsg{
			Type:           msgFilesSkipped,
			WorkspaceID:    wsID,
			ConversationID: convID,
			Files:          paths,
			Reason:         reason,
		})
	}

	run := &activeRun{workspaceID: wsID, conversationID: convID, runner: r}

	prompt := buildPrompt(history, files, req.message)
	opts := runner.Options{
		WorkspacePath:  req.workspace.Path,
		SystemPrompt:   req.workspace.SystemPrompt,
		MaxTurns:       agentCfg.MaxTurns,
		PermissionMode: runner.PermissionMode(agentCfg.PermissionMode),
		Model:          req.model,
		Approver: func(ctx context.Context, toolName string, input json.RawMessage) (json.RawMessage, error) {
			return s.approveToolUse(ctx, run, toolName, input)
		},
	}

	s.server.registry.Register(wsID, convID, r)
	s.mu.Lock()
	s.runs[convID] = run
	s.mu.Unlock()
	released = true // ownership moves to the run goroutine's cleanup

	s.sendJSON(chatStartMsg{Type: msgChatStart, WorkspaceID: wsID, ConversationID: convID})

	go s.executeRun(run, prompt, opts, agentCfg.Backend)
}

// executeRun drives one agent run to completion. Release happens exactly
// once in the deferred cleanup, whatever the outcome.
func (s *session) executeRun(run *activeRun, prompt string, opts runner.Options, backend string) {
	start := time.Now()
	status := "success"

	defer func() {
		s.server.registry.Release(run.workspaceID, run.conversationID)
		s.mu.Lock()
		delete(s.runs, run.conversationID)
		s.mu.Unlock()
		if m := s.server.metrics; m != nil {
			m.RunDuration.WithLabelValues(backend, status).Observe(time.Since(start).Seconds())
		}
	}()

	forwarded := make(chan struct{})
	go s.forwardEvents(run, forwarded)

	result, err := run.runner.Run(s.ctx, prompt, opts)
	<-forwarded

	switch {
	case run.approvalTimedOut.Load():
		status = "error"
		s.sendChatError(run.workspaceID, run.conversationID, "tool approval timed out")

	case errors.Is(err, context.Canceled):
		// Aborted, usually because the connection went away. Nobody is
		// left to report to.
		status = "aborted"

	case errors.Is(err, runner.ErrStartFailed):
		status = "error"
		s.logger.Error("agent start failed", "conversation", run.conversationID, "error", err)
		s.sendChatError(run.workspaceID, run.conversationID, "the agent failed to start")

	case err != nil:
		status = "error"
		s.logger.Error("agent run failed", "conversation", run.conversationID, "error", err)
		s.sendChatError(run.workspaceID, run.conversationID, "the agent failed while running")

	default:
		s.finishRun(run, result)
	}
}

func (s *session) finishRun(run *activeRun, result *models.RunResult) {
	if result.FullText != "" {
		assistantMsg := &models.Message{
			ConversationID: run.conversationID,
			Role:           models.RoleAssistant,
			Content:        result.FullText,
		}
		if err := s.server.store.Conversations().AppendMessage(s.ctx, assistantMsg); err != nil {
			s.logger.Warn("persist assistant message", "conversation", run.conversationID, "error", err)
		}
	}
	if err := s.server.store.Conversations().Touch(s.ctx, run.conversationID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("touch conversation", "conversation", run.conversationID, "error", err)
	}

	if m := s.server.metrics; m != nil && result.TokenUsage != nil {
		u := result.TokenUsage
		m.TokensUsed.WithLabelValues("input").Add(float64(u.InputTokens))
		m.TokensUsed.WithLabelValues("output").Add(float64(u.OutputTokens))
		m.TokensUsed.WithLabelValues("cache_read").Add(float64(u.CacheReadTokens))
		m.TokensUsed.WithLabelValues("cache_creation").Add(float64(u.CacheCreationTokens))
	}

	modified := result.ModifiedFiles
	if modified == nil {
		modified = []string{}
	}
	// diff_ready goes out first so chat_complete stays the terminal event
	// for the conversation.
	if len(modified) > 0 {
		s.sendJSON(diffReadyMsg{
			Type:           msgDiffReady,
			WorkspaceID:    run.workspaceID,
			ConversationID: run.conversationID,
			Files:          modified,
		})
	}
	s.sendJSON(chatCompleteMsg{
		Type:           msgChatComplete,
		WorkspaceID:    run.workspaceID,
		ConversationID: run.conversationID,
		ModifiedFiles:  modified,
		TokenUsage:     result.TokenUsage,
	})
}

// forwardEvents relays the runner's normalized stream to the client.
// Approval gating does not happen here: the runner calls back through
// Options.Approver before a tool executes, so this loop stays a pure
// relay and never holds the stream hostage.
func (s *session) forwardEvents(run *activeRun, done chan<- struct{}) {
	defer close(done)

	for ev := range run.runner.Events() {
		if m := s.server.metrics; m != nil {
			m.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
		}

		switch ev.Type {
		case models.StreamText:
			s.sendJSON(chatChunkMsg{
				Type:           msgChatChunk,
				WorkspaceID:    run.workspaceID,
				ConversationID: run.conversationID,
				Text:           ev.Content,
			})

		case models.StreamToolUse:
			s.sendJSON(toolUseMsg{
				Type:           msgToolUse,
				WorkspaceID:    run.workspaceID,
				ConversationID: run.conversationID,
				Tool:           ev.ToolName,
				Input:          ev.ToolInput,
			})

		case models.StreamToolResult:
			s.sendJSON(toolResultMsg{
				Type:           msgToolResult,
				WorkspaceID:    run.workspaceID,
				ConversationID: run.conversationID,
				Result:         ev.ToolResult,
			})

		case models.StreamError:
			s.logger.Warn("agent stream error",
				"conversation", run.conversationID, "error", ev.Content)
		}
		// token_usage feeds the final chat_complete; done carries nothing.
	}
}

// approveToolUse is the runner's approval callback. It asks the gate
// about one tool invocation and blocks until a terminal decision, before
// the tool executes. A timeout aborts the run; a human rejection returns
// an error so the backend skips execution and lets the agent continue
// knowing it was declined. Approvals may carry modified input, which the
// backend executes instead of the original.
func (s *session) approveToolUse(ctx context.Context, run *activeRun, toolName string, input json.RawMessage) (json.RawMessage, error) {
	toolID := uuid.NewString()
	decisions := s.server.gate.RequestApproval(approval.ToolRequest{
		ToolID:         toolID,
		ToolName:       toolName,
		ToolInput:      input,
		DeviceID:       s.deviceID,
		ConversationID: run.conversationID,
	})

	if s.server.gate.IsPending(toolID) {
		desc := approval.Describe(toolName, input)
		s.sendJSON(toolApprovalRequestMsg{
			Type:        msgToolApprovalRequest,
			ToolID:      toolID,
			Name:        toolName,
			Input:       input,
			Title:       desc.Title,
			Description: desc.Description,
			Risk:        string(desc.Risk),
		})
	}

	select {
	case decision := <-decisions:
		switch {
		case errors.Is(decision.Err, approval.ErrApprovalTimeout):
			run.approvalTimedOut.Store(true)
			run.runner.Abort()
			return nil, decision.Err
		case decision.Err != nil:
			// Cancelled; the connection is tearing down and the run will
			// be aborted by the close path.
			return nil, decision.Err
		case !decision.Approved:
			reason := decision.Reason
			if reason == "" {
				reason = "declined by user"
			}
			return nil, errors.New(reason)
		case len(decision.ModifiedInput) > 0:
			return decision.ModifiedInput, nil
		default:
			return input, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) handleApprovalResponse(msg *inboundMessage) {
	if msg.ToolID == "" {
		s.sendError("toolId is required")
		return
	}

	// The gate checks ownership: only the device that requested the run
	// may resolve its approvals.
	var ok bool
	if msg.Approved {
		ok = s.server.gate.Approve(msg.ToolID, s.deviceID, msg.ModifiedInput)
	} else {
		ok = s.server.gate.Reject(msg.ToolID, s.deviceID, msg.Reason)
	}
	if !ok {
		s.sendError("approval is no longer pending")
		return
	}
	s.sendJSON(toolApprovalConfirmedMsg{
		Type:     msgToolApprovalConfirmed,
		ToolID:   msg.ToolID,
		Approved: msg.Approved,
	})
}

func (s *session) countRejection(reason string) {
	if m := s.server.metrics; m != nil {
		m.AdmissionRejections.WithLabelValues(reason).Inc()
	}
}

func titleFrom(message string) string {
	title := strings.TrimSpace(message)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > maxConversationTitle {
		title = title[:maxConversationTitle]
	}
	return title
}
