// Package store defines the persistence collaborators the gateway consults
// through simple get/save calls. The orchestration layer never depends on
// how records are stored.
package store

import (
	"context"
	"errors"

	"github.com/relayhq/relay/pkg/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Workspaces looks up sandbox roots agents may operate in.
type Workspaces interface {
	Get(ctx context.Context, id string) (*models.Workspace, error)
	Save(ctx context.Context, ws *models.Workspace) error
}

// Conversations reads and writes conversation threads and their history.
type Conversations interface {
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Create(ctx context.Context, conv *models.Conversation) error
	Touch(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, msg *models.Message) error
	// History returns the most recent messages in chronological order,
	// capped at limit.
	History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	// LastUserMessage returns the most recent user-authored message,
	// used by chat_retry.
	LastUserMessage(ctx context.Context, conversationID string) (*models.Message, error)
}

// Devices verifies that an authenticated actor still exists and is not
// revoked.
type Devices interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	Save(ctx context.Context, device *models.Device) error
	TouchSeen(ctx context.Context, id string) error
}

// Store bundles the collaborator interfaces behind one handle.
type Store interface {
	Workspaces() Workspaces
	Conversations() Conversations
	Devices() Devices
	Close() error
}
