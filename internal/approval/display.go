package approval

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Risk classifies how dangerous a tool invocation is for display purposes.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// maxCommandDisplayLen bounds how much of a shell command appears in an
// approval prompt.
const maxCommandDisplayLen = 100

// Descriptor is the human-facing summary of a tool invocation.
type Descriptor struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Risk        Risk   `json:"risk"`
}

// Describe renders a tool invocation for the approval prompt. It is a pure
// function of the tool name and input; risk is deterministic per tool name.
func Describe(toolName string, input json.RawMessage) Descriptor {
	fields := decodeInput(input)

	switch toolName {
	case "Bash":
		command := truncate(fields["command"], maxCommandDisplayLen)
		return Descriptor{
			Title:       "Run shell command",
			Description: command,
			Risk:        RiskHigh,
		}
	case "Write":
		return Descriptor{
			Title:       "Write file",
			Description: fields["file_path"],
			Risk:        RiskMedium,
		}
	case "Edit", "MultiEdit":
		return Descriptor{
			Title:       "Edit file",
			Description: fields["file_path"],
			Risk:        RiskMedium,
		}
	case "NotebookEdit":
		return Descriptor{
			Title:       "Edit notebook",
			Description: fields["notebook_path"],
			Risk:        RiskMedium,
		}
	case "Read", "Glob", "Grep", "LS", "NotebookRead", "TodoRead", "WebFetch", "WebSearch":
		return Descriptor{
			Title:       fmt.Sprintf("Use %s", toolName),
			Description: firstNonEmpty(fields["file_path"], fields["path"], fields["pattern"], fields["url"], fields["query"]),
			Risk:        RiskLow,
		}
	default:
		return Descriptor{
			Title:       fmt.Sprintf("Use %s", toolName),
			Description: truncate(compactInput(input), maxCommandDisplayLen),
			Risk:        RiskMedium,
		}
	}
}

// decodeInput extracts the string-valued fields of a tool input object.
// Malformed input yields an empty map, never an error; approval prompts
// must render something even for garbage input.
func decodeInput(input json.RawMessage) map[string]string {
	fields := map[string]string{}
	if len(input) == 0 {
		return fields
	}
	var raw map[string]any
	if err := json.Unmarshal(input, &raw); err != nil {
		return fields
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return fields
}

func compactInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	return string(input)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
