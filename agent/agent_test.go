package agent_test

import (
	"context"
	"errors"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/formsally/allybridge/agent"
	"github.com/formsally/allybridge/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

// scriptedModel replays canned replies in order and records how each call
// was made.
type scriptedModel struct {
	replies []*agent.ModelReply
	errs    []error

	calls     int
	withTools []bool
	lastTurns []agent.Turn
}

func (m *scriptedModel) Generate(_ context.Context, turns []agent.Turn, withTools bool) (*agent.ModelReply, error) {
	i := m.calls
	m.calls++
	m.withTools = append(m.withTools, withTools)
	m.lastTurns = turns
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	return m.replies[i], nil
}

type fakeInvoker struct {
	result mcp.ToolResult

	calls int
	tool  string
	args  map[string]any
}

func (f *fakeInvoker) CallTool(_ context.Context, tool string, args map[string]any) mcp.ToolResult {
	f.calls++
	f.tool, f.args = tool, args
	return f.result
}

func newAgent(t *testing.T, model agent.Model, tools agent.ToolInvoker) *agent.Agent {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	return agent.New(model, tools, logger, nil, noop.NewTracerProvider().Tracer(""))
}

func TestReplyDirectAnswer(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []*agent.ModelReply{{Text: "Rest helps with fatigue."}}}
	tools := &fakeInvoker{}

	reply, appended := newAgent(t, model, tools).Reply(t.Context(), nil, "any tips for fatigue?")

	assert.Equal(t, "Rest helps with fatigue.", reply)
	assert.Zero(t, tools.calls)
	assert.Equal(t, []bool{true}, model.withTools)

	// A direct answer appends the user turn and the model turn.
	require.Len(t, appended, 2)
	assert.Equal(t, agent.Turn{Role: agent.RoleUser, Text: "any tips for fatigue?"}, appended[0])
	assert.Equal(t, agent.Turn{Role: agent.RoleModel, Text: "Rest helps with fatigue."}, appended[1])
}

func TestReplyToolRoundtrip(t *testing.T) {
	t.Parallel()

	call := &agent.FunctionCall{
		Name: mcp.ToolLogSymptoms,
		Args: map[string]any{"mood": 6.0, "fatigue": 8.0, "symptoms": "tingling"},
	}
	model := &scriptedModel{replies: []*agent.ModelReply{
		{FunctionCall: call},
		{Text: "Logged it. Hang in there!"},
	}}
	tools := &fakeInvoker{result: mcp.ToolResult{"success": true, "entry_id": "sym20260114093005"}}

	history := []agent.Turn{
		{Role: agent.RoleUser, Text: "hi"},
		{Role: agent.RoleModel, Text: "hello!"},
	}
	reply, appended := newAgent(t, model, tools).Reply(t.Context(), history, "mood 6, fatigue 8, tingling")

	assert.Equal(t, "Logged it. Hang in there!", reply)
	assert.Equal(t, []bool{true, false}, model.withTools, "the closing call must not offer tools")

	// Coercion runs before dispatch: floats become ints, the scalar symptom
	// becomes a list, the missing medications list defaults to empty.
	require.Equal(t, 1, tools.calls)
	assert.Equal(t, mcp.ToolLogSymptoms, tools.tool)
	assert.Equal(t, map[string]any{
		"mood":              6,
		"fatigue":           8,
		"symptoms":          []any{"tingling"},
		"medications_taken": []any{},
	}, tools.args)

	// A tool roundtrip appends four turns: user message, the model's call,
	// the tool response, and the final answer.
	require.Len(t, appended, 4)
	assert.Equal(t, agent.RoleUser, appended[0].Role)
	require.NotNil(t, appended[1].FunctionCall)
	assert.Equal(t, mcp.ToolLogSymptoms, appended[1].FunctionCall.Name)
	require.NotNil(t, appended[2].FunctionResponse)
	assert.Equal(t, mcp.ToolLogSymptoms, appended[2].FunctionResponse.Name)
	assert.Equal(t, "sym20260114093005", appended[2].FunctionResponse.Response["entry_id"])
	assert.Equal(t, agent.Turn{Role: agent.RoleModel, Text: reply}, appended[3])

	// The final generation saw the full history plus the first three
	// appended turns.
	assert.Len(t, model.lastTurns, len(history)+3)
}

func TestReplyToolFailureStillAnswered(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []*agent.ModelReply{
		{FunctionCall: &agent.FunctionCall{Name: mcp.ToolSearchGoogle, Args: map[string]any{"query": "ms news"}}},
		{Text: "Search is unavailable right now, sorry."},
	}}
	tools := &fakeInvoker{result: mcp.Fail("API rate limit exceeded. Try again later.")}

	reply, appended := newAgent(t, model, tools).Reply(t.Context(), nil, "any news?")

	assert.Equal(t, "Search is unavailable right now, sorry.", reply)
	require.Len(t, appended, 4)
	require.NotNil(t, appended[2].FunctionResponse)
	assert.Equal(t, false, appended[2].FunctionResponse.Response["success"])
}

func TestReplyModelFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		model *scriptedModel
	}{
		{
			name:  "first call fails",
			model: &scriptedModel{errs: []error{errors.New("model unavailable")}},
		},
		{
			name: "final call fails",
			model: &scriptedModel{
				replies: []*agent.ModelReply{
					{FunctionCall: &agent.FunctionCall{Name: mcp.ToolSearchGoogle, Args: map[string]any{"query": "q"}}},
					nil,
				},
				errs: []error{nil, errors.New("model unavailable")},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tools := &fakeInvoker{result: mcp.ToolResult{"success": true}}
			reply, appended := newAgent(t, tc.model, tools).Reply(t.Context(), nil, "hello")

			assert.Equal(t, agent.Fallback, reply)
			assert.Empty(t, appended, "a failed turn must not pollute the history")
		})
	}
}

func TestReplyEmptyAnswerReplaced(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []*agent.ModelReply{{Text: "  \n"}}}
	reply, appended := newAgent(t, model, &fakeInvoker{}).Reply(t.Context(), nil, "hello")

	assert.Equal(t, agent.EmptyReply, reply)
	require.Len(t, appended, 2)
	assert.Equal(t, agent.EmptyReply, appended[1].Text)
}

type panickyModel struct{}

func (panickyModel) Generate(context.Context, []agent.Turn, bool) (*agent.ModelReply, error) {
	panic("boom")
}

func TestReplyRecoversPanic(t *testing.T) {
	t.Parallel()

	reply, appended := newAgent(t, panickyModel{}, &fakeInvoker{}).Reply(t.Context(), nil, "hello")

	assert.Equal(t, agent.Fallback, reply)
	assert.Empty(t, appended)
}
