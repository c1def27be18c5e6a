package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/internal/tools"
)

// frame is a loosely-typed wire frame: a response, an error, or a
// notification, depending on which fields are set.
type frame struct {
	ID     any               `json:"id"`
	Method string            `json:"method,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *mcp.JSONRPCError `json:"error,omitempty"`
}

func scriptLine(t *testing.T, id any, method string, params any) string {
	t.Helper()
	req := mcp.JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		req.Params = mustJSON(t, params)
	}
	return string(mustJSON(t, req)) + "\n"
}

func TestServeSessionScript(t *testing.T) {
	g := newTestGateway(t, testSkills)
	registerBackend(g, newFakeBackend("github", "get_pr"))

	var script strings.Builder
	script.WriteString(scriptLine(t, 1, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.ClientInfo{Name: "anon", Version: "1.0.0"},
	}))
	script.WriteString(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	script.WriteString("\n") // blank lines are skipped
	script.WriteString(scriptLine(t, 2, mcp.MethodToolsList, nil))
	script.WriteString("this is not json\n")
	script.WriteString(scriptLine(t, 3, mcp.MethodToolsCall, mcp.CallToolParams{
		Name:      tools.ToolSetRole,
		Arguments: mustJSON(t, map[string]any{"role": "reviewer"}),
	}))
	script.WriteString(scriptLine(t, 4, "bogus/method", nil))

	var out bytes.Buffer
	if err := g.Serve(context.Background(), strings.NewReader(script.String()), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var frames []frame
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var f frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			t.Fatalf("bad output frame %q: %v", sc.Text(), err)
		}
		frames = append(frames, f)
	}
	if len(frames) != 6 {
		t.Fatalf("frames = %d, want 6:\n%s", len(frames), out.String())
	}

	// initialize response
	if frames[0].Error != nil || frames[0].ID != float64(1) {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	var initResult mcp.InitializeResult
	if err := json.Unmarshal(frames[0].Result, &initResult); err != nil || initResult.ServerInfo.Name != "mycelium" {
		t.Errorf("initialize result = %s (err %v)", frames[0].Result, err)
	}

	// tools/list before the role switch: gateway-owned tools only
	var listed mcp.ListToolsResult
	if err := json.Unmarshal(frames[1].Result, &listed); err != nil {
		t.Fatalf("decode tools/list: %v", err)
	}
	for _, tool := range listed.Tools {
		if !tools.IsSystemTool(tool.Name) {
			t.Errorf("tool %q listed before a role switch", tool.Name)
		}
	}

	// the garbage line got a parse error with a null id
	if frames[2].Error == nil || frames[2].Error.Code != mcp.ErrCodeParseError || frames[2].ID != nil {
		t.Errorf("frame 2 = %+v", frames[2])
	}

	// the catalog notification precedes the set_role response
	if frames[3].Method != mcp.NotificationToolsChanged {
		t.Errorf("frame 3 method = %q, want %q", frames[3].Method, mcp.NotificationToolsChanged)
	}
	if frames[4].ID != float64(3) || frames[4].Error != nil {
		t.Errorf("frame 4 = %+v", frames[4])
	}
	if !bytes.Contains(frames[4].Result, []byte("Switched to role")) {
		t.Errorf("set_role result = %s", frames[4].Result)
	}

	if frames[5].Error == nil || frames[5].Error.Code != mcp.ErrCodeMethodNotFound {
		t.Errorf("frame 5 = %+v", frames[5])
	}
}
