package agent

import "github.com/formsally/allybridge/mcp"

// CoerceArgs normalizes model-produced arguments that are the right idea in
// the wrong shape: a scalar string where a list is declared, a float where an
// integer is declared, a missing required list. Arguments for unknown tools
// pass through untouched.
func CoerceArgs(tool string, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	switch tool {
	case mcp.ToolLogSymptoms:
		wrapScalarString(out, "symptoms")
		wrapScalarString(out, "medications_taken")
		truncateToInt(out, "mood")
		truncateToInt(out, "fatigue")
		// Required list params default to empty rather than absent.
		if _, ok := out["symptoms"]; !ok {
			out["symptoms"] = []any{}
		}
		if _, ok := out["medications_taken"]; !ok {
			out["medications_taken"] = []any{}
		}
	case mcp.ToolSearchReddit, mcp.ToolSearchGoogle:
		truncateToInt(out, "limit")
	}
	return out
}

func wrapScalarString(args map[string]any, key string) {
	if s, ok := args[key].(string); ok {
		args[key] = []any{s}
	}
}

// truncateToInt converts JSON numbers (decoded as float64) to integers,
// dropping any fraction the model invented.
func truncateToInt(args map[string]any, key string) {
	if f, ok := args[key].(float64); ok {
		args[key] = int(f)
	}
}
