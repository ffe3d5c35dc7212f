package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relayhq/relay/pkg/models"
)

func TestLoadSelectedFiles(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "small.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "big.bin"), make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	included, skipped := loadSelectedFiles(ws, []string{
		"small.go",
		"big.bin",
		"../outside.txt",
		"missing.go",
	}, 1024)

	if len(included) != 1 || included[0].path != "small.go" {
		t.Errorf("included = %+v, want just small.go", included)
	}
	if got := skipped[skipReasonTooLarge]; len(got) != 1 || got[0] != "big.bin" {
		t.Errorf("too_large = %v", got)
	}
	if got := skipped[skipReasonOutsideWorkspace]; len(got) != 1 {
		t.Errorf("outside_workspace = %v", got)
	}
	if got := skipped[skipReasonUnreadable]; len(got) != 1 || got[0] != "missing.go" {
		t.Errorf("unreadable = %v", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "add a flag"},
		{Role: models.RoleAssistant, Content: "done"},
	}
	files := []selectedFile{{path: "main.go", content: "package main"}}

	prompt := buildPrompt(history, files, "now add tests")

	if !strings.Contains(prompt, "User: add a flag") || !strings.Contains(prompt, "Assistant: done") {
		t.Errorf("history missing from prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "File main.go:") || !strings.Contains(prompt, "package main") {
		t.Errorf("file content missing from prompt:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "now add tests") {
		t.Errorf("prompt must end with the new message:\n%s", prompt)
	}
}

func TestBuildPromptNoHistory(t *testing.T) {
	prompt := buildPrompt(nil, nil, "hello")
	if prompt != "hello" {
		t.Errorf("bare prompt = %q", prompt)
	}
}

func TestTitleFrom(t *testing.T) {
	if got := titleFrom("  fix the build\nand more  "); got != "fix the build" {
		t.Errorf("titleFrom = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := titleFrom(long); len(got) != maxConversationTitle {
		t.Errorf("long title len = %d, want %d", len(got), maxConversationTitle)
	}
}
