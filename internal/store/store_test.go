package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/relayhq/relay/pkg/models"
)

// storeUnderTest runs the shared Store contract against both
// implementations.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestWorkspaces_SaveAndGet(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ws := &models.Workspace{Name: "demo", Path: "/srv/demo", SystemPrompt: "be brief"}
			if err := s.Workspaces().Save(ctx, ws); err != nil {
				t.Fatalf("save: %v", err)
			}
			if ws.ID == "" {
				t.Fatal("save should assign an ID")
			}

			got, err := s.Workspaces().Get(ctx, ws.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Path != "/srv/demo" || got.SystemPrompt != "be brief" {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestWorkspaces_GetMissing(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Workspaces().Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestConversations_HistoryOrderAndLimit(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := &models.Conversation{WorkspaceID: "ws-1"}
			if err := s.Conversations().Create(ctx, conv); err != nil {
				t.Fatalf("create: %v", err)
			}

			base := time.Now().Add(-time.Hour)
			for i := 0; i < 5; i++ {
				msg := &models.Message{
					ConversationID: conv.ID,
					Role:           models.RoleUser,
					Content:        fmt.Sprintf("msg-%d", i),
					CreatedAt:      base.Add(time.Duration(i) * time.Minute),
				}
				if err := s.Conversations().AppendMessage(ctx, msg); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			history, err := s.Conversations().History(ctx, conv.ID, 3)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("history length = %d, want 3", len(history))
			}
			// Most recent three, oldest first.
			for i, want := range []string{"msg-2", "msg-3", "msg-4"} {
				if history[i].Content != want {
					t.Errorf("history[%d] = %q, want %q", i, history[i].Content, want)
				}
			}
		})
	}
}

func TestConversations_LastUserMessage(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := &models.Conversation{WorkspaceID: "ws-1"}
			if err := s.Conversations().Create(ctx, conv); err != nil {
				t.Fatalf("create: %v", err)
			}

			base := time.Now().Add(-time.Hour)
			msgs := []*models.Message{
				{ConversationID: conv.ID, Role: models.RoleUser, Content: "first question", CreatedAt: base},
				{ConversationID: conv.ID, Role: models.RoleAssistant, Content: "answer", CreatedAt: base.Add(time.Minute)},
				{ConversationID: conv.ID, Role: models.RoleUser, Content: "second question", CreatedAt: base.Add(2 * time.Minute)},
				{ConversationID: conv.ID, Role: models.RoleAssistant, Content: "another answer", CreatedAt: base.Add(3 * time.Minute)},
			}
			for _, msg := range msgs {
				if err := s.Conversations().AppendMessage(ctx, msg); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			last, err := s.Conversations().LastUserMessage(ctx, conv.ID)
			if err != nil {
				t.Fatalf("last user message: %v", err)
			}
			if last.Content != "second question" {
				t.Errorf("content = %q, want %q", last.Content, "second question")
			}
		})
	}
}

func TestConversations_LastUserMessageMissing(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := &models.Conversation{WorkspaceID: "ws-1"}
			if err := s.Conversations().Create(ctx, conv); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := s.Conversations().LastUserMessage(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDevices_RevokedRoundTrip(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			device := &models.Device{Name: "laptop"}
			if err := s.Devices().Save(ctx, device); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := s.Devices().Get(ctx, device.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Revoked {
				t.Error("new device should not be revoked")
			}

			device.Revoked = true
			if err := s.Devices().Save(ctx, device); err != nil {
				t.Fatalf("save revoked: %v", err)
			}
			got, err = s.Devices().Get(ctx, device.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.Revoked {
				t.Error("revocation should persist")
			}
		})
	}
}

func TestDevices_TouchSeen(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Devices().TouchSeen(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}

			device := &models.Device{Name: "phone"}
			if err := s.Devices().Save(ctx, device); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := s.Devices().TouchSeen(ctx, device.ID); err != nil {
				t.Errorf("touch: %v", err)
			}
		})
	}
}
