package agent

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog"
	"github.com/formsally/allybridge/config"
	"github.com/formsally/allybridge/mcp"
	"google.golang.org/genai"
)

// Gemini adapts the genai SDK to the Model interface. Function declarations
// are built once from the tool registry, so the model always sees exactly the
// tools the MCP server dispatches.
type Gemini struct {
	client       *genai.Client
	model        string
	systemPrompt string
	tools        []*genai.Tool
	logger       slog.Logger
}

var _ Model = (*Gemini)(nil)

func NewGemini(ctx context.Context, cfg config.Gemini, systemPrompt string, logger slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("GOOGLE_GENAI_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	agentTools := mcp.ForAgent()
	decls := make([]*genai.FunctionDeclaration, 0, len(agentTools))
	for _, def := range agentTools {
		schema, err := schemaFrom(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schema,
		})
	}

	return &Gemini{
		client:       client,
		model:        cfg.Model,
		systemPrompt: systemPrompt,
		tools:        []*genai.Tool{{FunctionDeclarations: decls}},
		logger:       logger,
	}, nil
}

func (g *Gemini) Generate(ctx context.Context, turns []Turn, withTools bool) (*ModelReply, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
	}
	if withTools {
		cfg.Tools = g.tools
		// ANY forces the model to either call a tool or answer; it cannot
		// stall on an empty candidate.
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contentsFrom(turns), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	reply := &ModelReply{}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil && reply.FunctionCall == nil:
				reply.FunctionCall = &FunctionCall{
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
			case part.Text != "":
				reply.Text += part.Text
			}
		}
	}
	return reply, nil
}

func contentsFrom(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := genai.RoleUser
		if turn.Role == RoleModel {
			role = genai.RoleModel
		}
		var part *genai.Part
		switch {
		case turn.FunctionCall != nil:
			part = &genai.Part{FunctionCall: &genai.FunctionCall{
				Name: turn.FunctionCall.Name,
				Args: turn.FunctionCall.Args,
			}}
		case turn.FunctionResponse != nil:
			part = &genai.Part{FunctionResponse: &genai.FunctionResponse{
				Name:     turn.FunctionResponse.Name,
				Response: turn.FunctionResponse.Response,
			}}
		default:
			part = &genai.Part{Text: turn.Text}
		}
		contents = append(contents, &genai.Content{Role: string(role), Parts: []*genai.Part{part}})
	}
	return contents
}

// schemaFrom converts a registry JSON-schema object into the SDK's schema
// type. Only the subset the registry uses is handled.
func schemaFrom(spec map[string]any) (*genai.Schema, error) {
	schema := &genai.Schema{}
	if t, ok := spec["type"].(string); ok {
		typ, err := typeFrom(t)
		if err != nil {
			return nil, err
		}
		schema.Type = typ
	}
	if d, ok := spec["description"].(string); ok {
		schema.Description = d
	}
	if enum, ok := spec["enum"].([]string); ok {
		schema.Enum = enum
	}
	if req, ok := spec["required"].([]string); ok {
		schema.Required = req
	}
	if items, ok := spec["items"].(map[string]any); ok {
		converted, err := schemaFrom(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		schema.Items = converted
	}
	if props, ok := spec["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			subSpec, ok := sub.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property %q: not an object", name)
			}
			converted, err := schemaFrom(subSpec)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			schema.Properties[name] = converted
		}
	}
	return schema, nil
}

func typeFrom(t string) (genai.Type, error) {
	switch t {
	case "object":
		return genai.TypeObject, nil
	case "string":
		return genai.TypeString, nil
	case "integer":
		return genai.TypeInteger, nil
	case "number":
		return genai.TypeNumber, nil
	case "boolean":
		return genai.TypeBoolean, nil
	case "array":
		return genai.TypeArray, nil
	}
	return "", fmt.Errorf("unsupported schema type %q", t)
}
