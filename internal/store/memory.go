package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay/pkg/models"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	workspaces    map[string]*models.Workspace
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	devices       map[string]*models.Device
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:    map[string]*models.Workspace{},
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
		devices:       map[string]*models.Device{},
	}
}

func (m *MemoryStore) Workspaces() Workspaces       { return (*memWorkspaces)(m) }
func (m *MemoryStore) Conversations() Conversations { return (*memConversations)(m) }
func (m *MemoryStore) Devices() Devices             { return (*memDevices)(m) }
func (m *MemoryStore) Close() error                 { return nil }

type memWorkspaces MemoryStore

func (s *memWorkspaces) Get(ctx context.Context, id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ws
	return &clone, nil
}

func (s *memWorkspaces) Save(ctx context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	clone := *ws
	s.workspaces[ws.ID] = &clone
	return nil
}

type memConversations MemoryStore

func (s *memConversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *memConversations) Create(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt
	clone := *conv
	s.conversations[conv.ID] = &clone
	return nil
}

func (s *memConversations) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *memConversations) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	clone := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &clone)
	return nil
}

func (s *memConversations) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}

func (s *memConversations) LastUserMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			clone := *msgs[i]
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

type memDevices MemoryStore

func (s *memDevices) Get(ctx context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *device
	return &clone, nil
}

func (s *memDevices) Save(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now()
	}
	clone := *device
	s.devices[device.ID] = &clone
	return nil
}

func (s *memDevices) TouchSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	device.LastSeenAt = time.Now()
	return nil
}
