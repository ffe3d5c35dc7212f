package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func callMCP(t *testing.T, p *permissionServer, body string) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, p.url(), bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// verdictFrom digs the JSON-stringified behavior out of a tools/call reply.
func verdictFrom(t *testing.T, reply map[string]any) permissionBehavior {
	t.Helper()
	result, ok := reply["result"].(map[string]any)
	if !ok {
		t.Fatalf("reply has no result: %v", reply)
	}
	content := result["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	var verdict permissionBehavior
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		t.Fatalf("verdict %q: %v", text, err)
	}
	return verdict
}

func startTestPermissionServer(t *testing.T, approver ApprovalFunc) *permissionServer {
	t.Helper()
	p, err := startPermissionServer(context.Background(), approver)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.close)
	return p
}

func TestPermissionServerAllowsWithUpdatedInput(t *testing.T) {
	modified := json.RawMessage(`{"command":"ls -la"}`)
	p := startTestPermissionServer(t, func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		if name != "Bash" {
			t.Errorf("tool name = %q, want Bash", name)
		}
		return modified, nil
	})

	reply := callMCP(t, p, `{"jsonrpc":"2.0","id":1,"method":"tools/call",`+
		`"params":{"name":"approval_prompt","arguments":{"tool_name":"Bash","input":{"command":"ls"}}}}`)

	verdict := verdictFrom(t, reply)
	if verdict.Behavior != "allow" {
		t.Fatalf("behavior = %q, want allow", verdict.Behavior)
	}
	if string(verdict.UpdatedInput) != string(modified) {
		t.Errorf("updatedInput = %s, want %s", verdict.UpdatedInput, modified)
	}
}

func TestPermissionServerDeniesOnRejection(t *testing.T) {
	p := startTestPermissionServer(t, func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("declined by user")
	})

	reply := callMCP(t, p, `{"jsonrpc":"2.0","id":2,"method":"tools/call",`+
		`"params":{"name":"approval_prompt","arguments":{"tool_name":"Bash","input":{"command":"rm -rf /"}}}}`)

	verdict := verdictFrom(t, reply)
	if verdict.Behavior != "deny" {
		t.Fatalf("behavior = %q, want deny", verdict.Behavior)
	}
	if !strings.Contains(verdict.Message, "declined") {
		t.Errorf("message = %q, want the rejection reason", verdict.Message)
	}
}

func TestPermissionServerListsPromptTool(t *testing.T) {
	p := startTestPermissionServer(t, nil)

	reply := callMCP(t, p, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	result := reply["result"].(map[string]any)
	tools := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want exactly one", tools)
	}
	if name := tools[0].(map[string]any)["name"]; name != permissionToolName {
		t.Errorf("tool name = %v, want %q", name, permissionToolName)
	}
}

func TestBuildArgsWiresPermissionPrompt(t *testing.T) {
	r := NewSubprocessRunner(agentConfig("agent"))
	args := r.buildArgs("hi", Options{WorkspacePath: "/tmp"}, "/tmp/mcp.json")

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--mcp-config /tmp/mcp.json") {
		t.Errorf("args missing mcp-config: %v", args)
	}
	if !strings.Contains(joined, "--permission-prompt-tool "+permissionPromptArg) {
		t.Errorf("args missing permission prompt tool: %v", args)
	}

	// Without a config path neither flag appears.
	plain := strings.Join(r.buildArgs("hi", Options{WorkspacePath: "/tmp"}, ""), " ")
	if strings.Contains(plain, "--permission-prompt-tool") {
		t.Errorf("unexpected permission flag without approver: %v", plain)
	}
}
