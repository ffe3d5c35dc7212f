package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relayhq/relay/pkg/models"
)

const (
	skipReasonTooLarge         = "too_large"
	skipReasonUnreadable       = "unreadable"
	skipReasonOutsideWorkspace = "outside_workspace"
)

// selectedFile is one client-attached file included in the prompt.
type selectedFile struct {
	path    string
	content string
}

// loadSelectedFiles reads the files a client attached to a chat request.
// Paths are relative to the workspace root; anything that escapes it,
// exceeds maxBytes, or cannot be read is skipped, grouped by reason.
func loadSelectedFiles(workspacePath string, paths []string, maxBytes int64) ([]selectedFile, map[string][]string) {
	var included []selectedFile
	skipped := make(map[string][]string)

	for _, p := range paths {
		clean := filepath.Clean(p)
		if !filepath.IsLocal(clean) {
			skipped[skipReasonOutsideWorkspace] = append(skipped[skipReasonOutsideWorkspace], p)
			continue
		}

		full := filepath.Join(workspacePath, clean)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			skipped[skipReasonUnreadable] = append(skipped[skipReasonUnreadable], p)
			continue
		}
		if info.Size() > maxBytes {
			skipped[skipReasonTooLarge] = append(skipped[skipReasonTooLarge], p)
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			skipped[skipReasonUnreadable] = append(skipped[skipReasonUnreadable], p)
			continue
		}
		included = append(included, selectedFile{path: clean, content: string(data)})
	}

	return included, skipped
}

// buildPrompt assembles the agent prompt from prior turns, attached
// files, and the new user message.
func buildPrompt(history []*models.Message, files []selectedFile, message string) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", roleLabel(msg.Role), msg.Content)
		}
		b.WriteString("\n")
	}

	for _, f := range files {
		fmt.Fprintf(&b, "File %s:\n```\n%s\n```\n\n", f.path, f.content)
	}

	b.WriteString(message)
	return b.String()
}

func roleLabel(role models.Role) string {
	switch role {
	case models.RoleAssistant:
		return "Assistant"
	case models.RoleSystem:
		return "System"
	default:
		return "User"
	}
}
