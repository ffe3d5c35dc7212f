package approval

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDescribe_Bash(t *testing.T) {
	input := json.RawMessage(`{"command":"rm -rf /tmp/scratch"}`)
	d := Describe("Bash", input)

	if d.Risk != RiskHigh {
		t.Errorf("risk = %q, want high", d.Risk)
	}
	if d.Title != "Run shell command" {
		t.Errorf("title = %q", d.Title)
	}
	if d.Description != "rm -rf /tmp/scratch" {
		t.Errorf("description = %q", d.Description)
	}
}

func TestDescribe_BashTruncatesLongCommands(t *testing.T) {
	long := strings.Repeat("a", 250)
	input, _ := json.Marshal(map[string]string{"command": long})

	d := Describe("Bash", input)
	if len(d.Description) != maxCommandDisplayLen+len("...") {
		t.Errorf("description length = %d, want %d", len(d.Description), maxCommandDisplayLen+3)
	}
	if !strings.HasSuffix(d.Description, "...") {
		t.Error("truncated description should end with ellipsis")
	}
}

func TestDescribe_WriteAndEdit(t *testing.T) {
	input := json.RawMessage(`{"file_path":"/srv/app/main.go"}`)

	for _, tool := range []string{"Write", "Edit", "MultiEdit"} {
		d := Describe(tool, input)
		if d.Risk != RiskMedium {
			t.Errorf("%s risk = %q, want medium", tool, d.Risk)
		}
		if d.Description != "/srv/app/main.go" {
			t.Errorf("%s description = %q", tool, d.Description)
		}
	}
}

func TestDescribe_ReadOnlyIsLowRisk(t *testing.T) {
	d := Describe("Read", json.RawMessage(`{"file_path":"/etc/hosts"}`))
	if d.Risk != RiskLow {
		t.Errorf("risk = %q, want low", d.Risk)
	}
	if d.Description != "/etc/hosts" {
		t.Errorf("description = %q", d.Description)
	}
}

func TestDescribe_DeterministicPerToolName(t *testing.T) {
	a := Describe("Bash", json.RawMessage(`{"command":"ls"}`))
	b := Describe("Bash", json.RawMessage(`{"command":"ls"}`))
	if a != b {
		t.Errorf("Describe is not deterministic: %+v vs %+v", a, b)
	}
}

func TestDescribe_MalformedInput(t *testing.T) {
	d := Describe("Bash", json.RawMessage(`{not json`))
	if d.Risk != RiskHigh {
		t.Errorf("risk = %q, want high regardless of input", d.Risk)
	}
	if d.Description != "" {
		t.Errorf("description = %q, want empty for malformed input", d.Description)
	}
}

func TestDescribe_UnknownTool(t *testing.T) {
	d := Describe("DeployToProd", json.RawMessage(`{"target":"prod"}`))
	if d.Risk != RiskMedium {
		t.Errorf("risk = %q, want medium default", d.Risk)
	}
	if !strings.Contains(d.Title, "DeployToProd") {
		t.Errorf("title = %q, want tool name mentioned", d.Title)
	}
}
