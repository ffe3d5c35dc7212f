package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
)

// permissionToolName is the MCP tool the agent CLI invokes for every
// permission prompt when --permission-prompt-tool is set.
const permissionToolName = "approval_prompt"

// permissionPromptArg is the --permission-prompt-tool value: the MCP
// server alias configured in the mcp-config file, double underscore, the
// tool name.
const permissionPromptArg = "mcp__permission__" + permissionToolName

// permissionServer exposes an ApprovalFunc to the agent CLI as an MCP
// permission prompt tool over loopback HTTP. The CLI asks before it runs
// a tool and blocks until the decision arrives, so a rejection means the
// tool never executes inside the child process.
type permissionServer struct {
	approver ApprovalFunc
	ln       net.Listener
	srv      *http.Server
}

func startPermissionServer(ctx context.Context, approver ApprovalFunc) (*permissionServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("permission listener: %w", err)
	}
	p := &permissionServer{approver: approver, ln: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", p.handleMCP)
	p.srv = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go p.srv.Serve(ln)
	return p, nil
}

func (p *permissionServer) url() string {
	return "http://" + p.ln.Addr().String() + "/mcp"
}

func (p *permissionServer) close() {
	_ = p.srv.Close()
}

// writeMCPConfig writes a one-server mcp-config file pointing the CLI at
// the permission server. The caller removes the file after the run.
func writeMCPConfig(url string) (string, error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"permission": map[string]any{"type": "http", "url": url},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "relay-mcp-*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// permissionCallArgs is what the CLI passes to the permission prompt tool.
type permissionCallArgs struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// permissionBehavior is the JSON-stringified verdict the CLI expects back
// from a permission prompt tool.
type permissionBehavior struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func (p *permissionServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, -32700, "parse error")
		return
	}

	switch req.Method {
	case "initialize":
		writeRPCResult(w, req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "relay-permission", "version": "1.0.0"},
		})

	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)

	case "tools/list":
		writeRPCResult(w, req.ID, map[string]any{
			"tools": []map[string]any{{
				"name":        permissionToolName,
				"description": "Request permission to run a tool",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"tool_name": map[string]any{"type": "string"},
						"input":     map[string]any{"type": "object"},
					},
					"required": []string{"tool_name"},
				},
			}},
		})

	case "tools/call":
		p.handleToolCall(w, r, &req)

	default:
		writeRPCError(w, req.ID, -32601, "method not found")
	}
}

func (p *permissionServer) handleToolCall(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var params struct {
		Name      string             `json:"name"`
		Arguments permissionCallArgs `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name != permissionToolName {
		writeRPCError(w, req.ID, -32602, "unknown tool")
		return
	}

	verdict := permissionBehavior{Behavior: "deny", Message: "no approver configured"}
	if p.approver != nil {
		input, err := p.approver(r.Context(), params.Arguments.ToolName, params.Arguments.Input)
		if err != nil {
			verdict.Message = err.Error()
		} else {
			if len(input) == 0 {
				input = params.Arguments.Input
			}
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			verdict = permissionBehavior{Behavior: "allow", UpdatedInput: input}
		}
	}

	text, err := json.Marshal(verdict)
	if err != nil {
		writeRPCError(w, req.ID, -32603, "internal error")
		return
	}
	writeRPCResult(w, req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	})
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}
