package api_test

import (
	"net/http"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/formsally/allybridge/agent"
	"github.com/formsally/allybridge/api"
	"github.com/formsally/allybridge/mcp"
	"github.com/formsally/allybridge/mcpserver"
	"github.com/formsally/allybridge/testutil"
	"github.com/formsally/allybridge/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace/noop"
)

// TestChatEndToEnd wires the whole backend together with only the model
// scripted: a real tool server over HTTP, the real MCP client, the real agent
// loop, and the api handler. One exhausted user message must travel the full
// path and come back as a logged entry plus a confirmation.
func TestChatEndToEnd(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 14, 9, 30, 5, 0, time.UTC)
	serverClock := quartz.NewMock(t)
	serverClock.Set(at)

	store := &testutil.SpyStore{}
	base := testutil.StartToolServer(t, store, &testutil.FakeSearch{}, mcpserver.WithClock(serverClock))

	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	tracer := noop.NewTracerProvider().Tracer("")
	session := mcp.NewSession(base, "", nil, logger, nil)
	tools := mcp.NewClient(session, logger, nil, tracer)

	model := &testutil.ScriptedModel{Replies: []*agent.ModelReply{
		{FunctionCall: &agent.FunctionCall{
			Name: mcp.ToolLogSymptoms,
			// The model hands back JSON-ish shapes: floats for integers and a
			// scalar where the schema wants a list.
			Args: map[string]any{"mood": 3.0, "fatigue": 9.0, "symptoms": "exhaustion"},
		}},
		{Text: "Logged it. Please rest up today."},
	}}
	ally := agent.New(model, tools, logger, nil, tracer)

	apiClock := quartz.NewMock(t)
	apiClock.Set(at)
	srv := api.New(api.Options{
		Agent:        ally,
		Tools:        tools,
		Store:        store,
		MCPServerURL: base,
		Logger:       logger,
		Tracer:       tracer,
		Clock:        apiClock,
	})

	rec := doJSON(t, srv, http.MethodPost, "/chat", api.ChatRequest{Message: "I'm exhausted today"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "Logged it. Please rest up today.", body.Get("text").String())
	sessionID := body.Get("session_id").String()
	assert.Regexp(t, `^conv_20260114093005_[0-9a-f]{8}$`, sessionID)

	// The tool roundtrip wrote the symptom entry with coerced arguments.
	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "sym20260114093005", entries[0].EntryID)
	assert.Equal(t, 3, entries[0].Mood)
	assert.Equal(t, 9, entries[0].Fatigue)
	assert.Equal(t, []string{"exhaustion"}, entries[0].Symptoms)

	// The chat handler logged the exchange through the same tool server.
	convs := store.Conversations()
	require.Len(t, convs, 1)
	require.Len(t, convs[0], 2)
	assert.Equal(t, sessionID, convs[0][0].SessionID)
	assert.Equal(t, tracker.RoleUser, convs[0][0].Role)
	assert.Equal(t, "I'm exhausted today", convs[0][0].Content)
	assert.Equal(t, tracker.RoleAssistant, convs[0][1].Role)
	assert.Equal(t, "Logged it. Please rest up today.", convs[0][1].Content)

	// Tools were offered on the first generation only.
	assert.Equal(t, []bool{true, false}, model.WithTools())
}

// A second turn reusing the session id and the accumulated history must hit
// the direct path: no tool call, two generations total across both turns.
func TestChatFollowUpTurn(t *testing.T) {
	t.Parallel()

	store := &testutil.SpyStore{}
	base := testutil.StartToolServer(t, store, &testutil.FakeSearch{})

	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	tracer := noop.NewTracerProvider().Tracer("")
	session := mcp.NewSession(base, "", nil, logger, nil)
	tools := mcp.NewClient(session, logger, nil, tracer)

	model := &testutil.ScriptedModel{Replies: []*agent.ModelReply{
		{Text: "You're welcome. Anything else?"},
	}}
	ally := agent.New(model, tools, logger, nil, tracer)

	srv := api.New(api.Options{
		Agent:        ally,
		Tools:        tools,
		Store:        store,
		MCPServerURL: base,
		Logger:       logger,
		Tracer:       tracer,
	})

	rec := doJSON(t, srv, http.MethodPost, "/chat", api.ChatRequest{
		Message:   "thanks!",
		SessionID: "conv_20260114093005_1a2b3c4d",
		History: []api.ChatMessage{
			{Role: "user", Content: "I'm exhausted today"},
			{Role: "assistant", Content: "Logged it. Please rest up today."},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "You're welcome. Anything else?", body.Get("text").String())
	assert.Equal(t, "conv_20260114093005_1a2b3c4d", body.Get("session_id").String())
	assert.Equal(t, 1, model.Calls())

	// No symptom entry this turn; just the conversation rows.
	assert.Empty(t, store.Entries())
	require.Len(t, store.Conversations(), 1)
}
