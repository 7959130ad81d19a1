package mcp

import (
	"encoding/json"
	"fmt"
)

// ToolResult is the flat object every tool call converges on: a "success"
// boolean plus tool-specific fields, or an "error" string. Tool
// implementations JSON-encode this shape into their single text content item,
// and the invoker unwraps it back out.
type ToolResult map[string]any

// Fail builds the canonical failure result.
func Fail(msg string) ToolResult {
	return ToolResult{"success": false, "error": msg}
}

func Failf(format string, args ...any) ToolResult {
	return Fail(fmt.Sprintf(format, args...))
}

func (r ToolResult) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// ErrorMessage returns the "error" field, or "" when absent.
func (r ToolResult) ErrorMessage() string {
	switch v := r["error"].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// JSON renders the result compactly, for logs and passthrough responses.
// Marshal failures cannot occur for results built from decoded JSON.
func (r ToolResult) JSON() []byte {
	raw, err := json.Marshal(r)
	if err != nil {
		raw, _ = json.Marshal(Failf("encode result: %v", err))
	}
	return raw
}
