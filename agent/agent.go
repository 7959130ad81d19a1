// Package agent runs the conversation loop: one user message in, at most one
// tool roundtrip through the MCP client, one assistant reply out.
package agent

import (
	"context"
	"strings"
	"time"

	"cdr.dev/slog"
	"github.com/formsally/allybridge/mcp"
	"github.com/formsally/allybridge/metrics"
	"github.com/formsally/allybridge/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Turn roles, matching the model API's conversation roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Fallback is returned whenever the loop cannot produce a real reply.
const Fallback = "I'm having trouble processing that right now. Could you try again?"

// EmptyReply substitutes for a blank model answer.
const EmptyReply = "I'm sorry, I couldn't process that. Please try again."

// FunctionCall is the model asking for a tool invocation.
type FunctionCall struct {
	Name string
	Args map[string]any
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string
	Response map[string]any
}

// Turn is one entry of a session's conversation history. Exactly one of
// Text, FunctionCall and FunctionResponse is set.
type Turn struct {
	Role             string
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// ModelReply is the outcome of a single generation: a function call when the
// model wants a tool, text otherwise.
type ModelReply struct {
	Text         string
	FunctionCall *FunctionCall
}

// Model produces one reply for the given history. withTools controls whether
// function declarations are offered; the closing call of a tool roundtrip
// must answer in text, so it generates without them.
type Model interface {
	Generate(ctx context.Context, turns []Turn, withTools bool) (*ModelReply, error)
}

// ToolInvoker dispatches a tool call and reports failures as result data.
// *mcp.Client satisfies it.
type ToolInvoker interface {
	CallTool(ctx context.Context, tool string, args map[string]any) mcp.ToolResult
}

type Agent struct {
	model   Model
	tools   ToolInvoker
	logger  slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(model Model, tools ToolInvoker, logger slog.Logger, m *metrics.Metrics, tracer trace.Tracer) *Agent {
	return &Agent{
		model:   model,
		tools:   tools,
		logger:  logger,
		metrics: m,
		tracer:  tracer,
	}
}

// Reply runs one user turn and returns the assistant's reply plus the turns
// to append to the session history (2 for a direct answer, 4 for a tool
// roundtrip). It never fails: errors and panics anywhere in the loop degrade
// to the fallback reply with no history appended.
func (a *Agent) Reply(ctx context.Context, history []Turn, message string) (string, []Turn) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "Agent.Reply",
		trace.WithAttributes(tracing.TurnAttributesFromContext(ctx)...))
	defer span.End()

	var (
		reply    string
		appended []Turn
		outcome  = metrics.OutcomeFallback
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error(ctx, "agent turn panicked", slog.F("panic", r))
				reply, appended, outcome = Fallback, nil, metrics.OutcomeFallback
			}
		}()
		reply, appended, outcome = a.run(ctx, history, message)
	}()

	span.SetAttributes(attribute.String("outcome", outcome))
	if a.metrics != nil {
		a.metrics.AgentTurnCount.WithLabelValues(outcome).Inc()
		a.metrics.AgentTurnDuration.Observe(time.Since(start).Seconds())
	}
	a.logger.Debug(ctx, "agent turn finished",
		slog.F("outcome", outcome),
		slog.F("appended_turns", len(appended)),
		slog.F("duration", time.Since(start)),
	)
	return reply, appended
}

// Loop states. The happy paths are
// awaitModel -> done (direct answer) and
// awaitModel -> toolRequested -> awaitFinalModel -> done (tool roundtrip).
type loopState int

const (
	stateAwaitModel loopState = iota
	stateToolRequested
	stateAwaitFinalModel
	stateDone
)

func (a *Agent) run(ctx context.Context, history []Turn, message string) (string, []Turn, string) {
	turns := make([]Turn, 0, len(history)+4)
	turns = append(turns, history...)
	turns = append(turns, Turn{Role: RoleUser, Text: message})

	var (
		state   = stateAwaitModel
		call    *FunctionCall
		reply   string
		outcome = metrics.OutcomeDirect
	)
	for state != stateDone {
		switch state {
		case stateAwaitModel:
			out, err := a.model.Generate(ctx, turns, true)
			if err != nil {
				a.logger.Warn(ctx, "model call failed", slog.Error(err))
				return Fallback, nil, metrics.OutcomeFallback
			}
			if out.FunctionCall != nil {
				call = out.FunctionCall
				turns = append(turns, Turn{Role: RoleModel, FunctionCall: call})
				state = stateToolRequested
				break
			}
			reply = out.Text
			state = stateDone

		case stateToolRequested:
			args := CoerceArgs(call.Name, call.Args)
			result := a.tools.CallTool(ctx, call.Name, args)
			if !result.Success() {
				// The failure still goes back to the model, which phrases it
				// for the user.
				a.logger.Warn(ctx, "tool call failed",
					slog.F("tool", call.Name), slog.F("error", result.ErrorMessage()))
			}
			turns = append(turns, Turn{
				Role:             RoleUser,
				FunctionResponse: &FunctionResponse{Name: call.Name, Response: result},
			})
			outcome = metrics.OutcomeTool
			state = stateAwaitFinalModel

		case stateAwaitFinalModel:
			out, err := a.model.Generate(ctx, turns, false)
			if err != nil {
				a.logger.Warn(ctx, "final model call failed", slog.Error(err))
				return Fallback, nil, metrics.OutcomeFallback
			}
			reply = out.Text
			state = stateDone
		}
	}

	if strings.TrimSpace(reply) == "" {
		reply = EmptyReply
	}
	turns = append(turns, Turn{Role: RoleModel, Text: reply})
	return reply, turns[len(history):], outcome
}
