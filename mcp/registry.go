package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool names. The same identifiers appear in the agent's function
// declarations, the server's dispatch table and the tool_calls metrics.
const (
	ToolLogSymptoms     = "log_symptoms"
	ToolLogConversation = "log_conversation"
	ToolSearchReddit    = "search_reddit"
	ToolSearchGoogle    = "search_google"
)

// Bounds shared by tool schemas and their server-side validation.
const (
	ScaleMin = 1
	ScaleMax = 10

	SearchLimitMin     = 1
	SearchLimitMax     = 10
	DefaultSearchLimit = 5
)

// PeriodStatuses are the accepted values for log_symptoms.period_status.
var PeriodStatuses = []string{"started", "ongoing", "ended"}

// InputTypes are the accepted values for log_conversation.input_type.
var InputTypes = []string{"text", "audio"}

// ToolDefinition describes one callable tool: its name, the model-facing
// description and the JSON-schema for its arguments. The agent's function
// declarations and the server's registered tools are both derived from these
// definitions, so the two sides cannot drift apart structurally.
type ToolDefinition struct {
	Name        string
	Description string
	// Schema is the JSON-schema object describing the tool's arguments.
	Schema map[string]any
	// AgentVisible marks tools declared to the model. Server-only tools
	// (conversation logging) are invoked by the backend directly.
	AgentVisible bool
}

// JSONSchema renders the parameter schema for wire-level registration.
// The registry is static; a schema that cannot marshal is a programming
// error, caught at process start.
func (d ToolDefinition) JSONSchema() json.RawMessage {
	raw, err := json.Marshal(d.Schema)
	if err != nil {
		panic(fmt.Sprintf("tool %q: marshal schema: %v", d.Name, err))
	}
	return raw
}

// RequiredParams returns the schema's required field names.
func (d ToolDefinition) RequiredParams() []string {
	req, _ := d.Schema["required"].([]string)
	return req
}

var registry = []ToolDefinition{
	{
		Name: ToolLogSymptoms,
		Description: `Log daily symptoms for the MS patient. ALWAYS call this when the user mentions:
- How they're feeling (tired, good, bad, exhausted, etc.)
- Any mood or energy level (even vague ones - estimate a number)
- Physical symptoms (tingling, numbness, brain fog, vision issues, etc.)
- Fatigue levels
- Medications taken
- Period/menstrual status

If the user doesn't give exact numbers, ask and explain what the numbers mean.
After logging, confirm what you logged.`,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mood": map[string]any{
					"type":        "integer",
					"description": "Mood rating 1-10 (1=very poor, 10=excellent)",
				},
				"fatigue": map[string]any{
					"type":        "integer",
					"description": "Fatigue level 1-10 (1=energetic, 10=exhausted)",
				},
				"symptoms": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "List of symptoms: tingling, brain fog, numbness, etc.",
				},
				"medications_taken": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Medications taken today",
				},
				"period_status": map[string]any{
					"type":        "string",
					"enum":        PeriodStatuses,
					"description": "Menstrual cycle status if mentioned",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Additional context",
				},
			},
			"required": []string{"mood", "fatigue", "symptoms"},
		},
		AgentVisible: true,
	},
	{
		Name: ToolLogConversation,
		Description: `Log a conversation exchange (user message + assistant reply) for history.
Called by the backend after every chat turn; not exposed to the model.`,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Unique conversation session identifier",
				},
				"user_message": map[string]any{
					"type":        "string",
					"description": "The user's message",
				},
				"assistant_message": map[string]any{
					"type":        "string",
					"description": "The assistant's reply",
				},
				"input_type": map[string]any{
					"type":        "string",
					"enum":        InputTypes,
					"description": "How the user message was received",
				},
			},
			"required": []string{"session_id", "user_message", "assistant_message"},
		},
	},
	{
		Name: ToolSearchReddit,
		Description: `Search r/MultipleSclerosis subreddit for community discussions.
Use when the user asks about others' experiences, tips from MS patients, or "has anyone else...".`,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of results (1-10, default 5)",
				},
			},
			"required": []string{"query"},
		},
		AgentVisible: true,
	},
	{
		Name: ToolSearchGoogle,
		Description: `Search Google for MS-related medical information.
Use for factual questions about MS, medications, treatments, or symptoms.`,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of results (1-10, default 5)",
				},
			},
			"required": []string{"query"},
		},
		AgentVisible: true,
	},
}

// Registry returns all tool definitions, in registration order.
func Registry() []ToolDefinition {
	out := make([]ToolDefinition, len(registry))
	copy(out, registry)
	return out
}

// ForAgent returns the tools declared to the model.
func ForAgent() []ToolDefinition {
	var out []ToolDefinition
	for _, def := range registry {
		if def.AgentVisible {
			out = append(out, def)
		}
	}
	return out
}

// Definition looks up a tool by name.
func Definition(name string) (ToolDefinition, bool) {
	for _, def := range registry {
		if def.Name == name {
			return def, true
		}
	}
	return ToolDefinition{}, false
}

// ValidateScale checks a 1-10 rating. The error message names the field the
// way the tool reports it, e.g. "Mood must be integer 1-10".
func ValidateScale(field string, v int) error {
	if v < ScaleMin || v > ScaleMax {
		return fmt.Errorf("%s must be integer %d-%d", field, ScaleMin, ScaleMax)
	}
	return nil
}

// NormalizePeriodStatus lowercases and trims the given status and checks it
// against the accepted values. An empty status is valid (not recorded).
func NormalizePeriodStatus(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, valid := range PeriodStatuses {
		if s == valid {
			return s, nil
		}
	}
	return "", fmt.Errorf("period_status must be 'started', 'ongoing', or 'ended'")
}

// ValidateSearchLimit checks a search result limit.
func ValidateSearchLimit(limit int) error {
	if limit < SearchLimitMin || limit > SearchLimitMax {
		return fmt.Errorf("limit must be between %d and %d", SearchLimitMin, SearchLimitMax)
	}
	return nil
}
