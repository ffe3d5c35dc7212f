package gateway

import (
	"encoding/json"

	"github.com/relayhq/relay/pkg/models"
)

// Inbound message types.
const (
	msgAuth                 = "auth"
	msgChatSend             = "chat_send"
	msgChatRetry            = "chat_retry"
	msgToolApprovalResponse = "tool_approval_response"
)

// Outbound message types.
const (
	msgAuthSuccess           = "auth_success"
	msgAuthError             = "auth_error"
	msgConversationCreated   = "conversation_created"
	msgChatStart             = "chat_start"
	msgChatChunk             = "chat_chunk"
	msgToolUse               = "tool_use"
	msgToolResult            = "tool_result"
	msgChatComplete          = "chat_complete"
	msgChatError             = "chat_error"
	msgDiffReady             = "diff_ready"
	msgFilesSkipped          = "files_skipped"
	msgToolApprovalRequest   = "tool_approval_request"
	msgToolApprovalConfirmed = "tool_approval_confirmed"
	msgError                 = "error"
)

// inboundMessage is the envelope for everything a client may send. Fields
// are a union across message types; each handler validates what it needs.
type inboundMessage struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// chat_send / chat_retry
	WorkspaceID    string   `json:"workspaceId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Message        string   `json:"message,omitempty"`
	SelectedFiles  []string `json:"selectedFiles,omitempty"`
	Model          string   `json:"model,omitempty"`

	// tool_approval_response
	ToolID        string          `json:"toolId,omitempty"`
	Approved      bool            `json:"approved,omitempty"`
	ModifiedInput json.RawMessage `json:"modifiedInput,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

type authSuccessMsg struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type authErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type conversationCreatedMsg struct {
	Type                   string `json:"type"`
	WorkspaceID            string `json:"workspaceId"`
	ConversationID         string `json:"conversationId"`
	IsRetry                bool   `json:"isRetry,omitempty"`
	OriginalConversationID string `json:"originalConversationId,omitempty"`
}

type chatStartMsg struct {
	Type           string `json:"type"`
	WorkspaceID    string `json:"workspaceId"`
	ConversationID string `json:"conversationId"`
}

type chatChunkMsg struct {
	Type           string `json:"type"`
	WorkspaceID    string `json:"workspaceId"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type toolUseMsg struct {
	Type           string          `json:"type"`
	WorkspaceID    string          `json:"workspaceId"`
	ConversationID string          `json:"conversationId"`
	Tool           string          `json:"tool"`
	Input          json.RawMessage `json:"input,omitempty"`
}

type toolResultMsg struct {
	Type           string `json:"type"`
	WorkspaceID    string `json:"workspaceId"`
	ConversationID string `json:"conversationId"`
	Result         string `json:"result"`
}

type chatCompleteMsg struct {
	Type           string             `json:"type"`
	WorkspaceID    string             `json:"workspaceId"`
	ConversationID string             `json:"conversationId"`
	ModifiedFiles  []string           `json:"modifiedFiles"`
	TokenUsage     *models.TokenUsage `json:"tokenUsage,omitempty"`
}

type chatErrorMsg struct {
	Type           string `json:"type"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error"`
}

type diffReadyMsg struct {
	Type           string   `json:"type"`
	WorkspaceID    string   `json:"workspaceId"`
	ConversationID string   `json:"conversationId"`
	Files          []string `json:"files"`
}

type filesSkippedMsg struct {
	Type           string   `json:"type"`
	WorkspaceID    string   `json:"workspaceId"`
	ConversationID string   `json:"conversationId"`
	Files          []string `json:"files"`
	Reason         string   `json:"reason"`
}

type toolApprovalRequestMsg struct {
	Type        string          `json:"type"`
	ToolID      string          `json:"toolId"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Risk        string          `json:"risk"`
}

type toolApprovalConfirmedMsg struct {
	Type     string `json:"type"`
	ToolID   string `json:"toolId"`
	Approved bool   `json:"approved"`
}

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
