package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// toolReadLimit caps how much of a file a single Read returns.
	toolReadLimit = 256 * 1024
	// toolOutputLimit caps captured Bash output.
	toolOutputLimit = 32 * 1024
)

// DefaultToolDefinitions are the workspace tools the SDK backend exposes
// to the model: read, write, edit, and shell execution, all confined to
// the workspace directory.
func DefaultToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "Read",
			Description: "Read a file from the workspace",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Path of the file to read"}},"required":["file_path"]}`),
			Execute:     execRead,
		},
		{
			Name:        "Write",
			Description: "Create or overwrite a file in the workspace",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Path of the file to write"},"content":{"type":"string","description":"Full file content"}},"required":["file_path","content"]}`),
			Execute:     execWrite,
		},
		{
			Name:        "Edit",
			Description: "Replace one occurrence of a string in a workspace file",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Path of the file to edit"},"old_string":{"type":"string","description":"Exact text to replace"},"new_string":{"type":"string","description":"Replacement text"}},"required":["file_path","old_string","new_string"]}`),
			Execute:     execEdit,
		},
		{
			Name:        "Bash",
			Description: "Run a shell command inside the workspace",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to run"}},"required":["command"]}`),
			Execute:     execBash,
		},
	}
}

// resolveWorkspacePath confines a tool-supplied path to the workspace.
// Relative paths resolve against the workspace root; absolute paths must
// already be inside it.
func resolveWorkspacePath(workspacePath, p string) (string, error) {
	if p == "" {
		return "", errors.New("file_path is required")
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspacePath, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(workspacePath, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return abs, nil
}

func execRead(_ context.Context, workspacePath string, input json.RawMessage) (string, error) {
	var args struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	path, err := resolveWorkspacePath(workspacePath, args.FilePath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > toolReadLimit {
		return string(data[:toolReadLimit]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func execWrite(_ context.Context, workspacePath string, input json.RawMessage) (string, error) {
	var args struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	path, err := resolveWorkspacePath(workspacePath, args.FilePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.FilePath), nil
}

func execEdit(_ context.Context, workspacePath string, input json.RawMessage) (string, error) {
	var args struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if args.OldString == "" {
		return "", errors.New("old_string is required")
	}
	path, err := resolveWorkspacePath(workspacePath, args.FilePath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(data)
	if !strings.Contains(content, args.OldString) {
		return "", fmt.Errorf("old_string not found in %s", args.FilePath)
	}
	content = strings.Replace(content, args.OldString, args.NewString, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("edited %s", args.FilePath), nil
}

func execBash(ctx context.Context, workspacePath string, input json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", errors.New("command is required")
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
	cmd.Dir = workspacePath
	out, err := cmd.CombinedOutput()
	if len(out) > toolOutputLimit {
		out = append(out[:toolOutputLimit], []byte("\n[truncated]")...)
	}
	if err != nil {
		return "", fmt.Errorf("%v: %s", err, out)
	}
	return string(out), nil
}
