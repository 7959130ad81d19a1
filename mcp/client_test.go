package mcp_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/formsally/allybridge/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestClient(t *testing.T, stub *stubEndpoint) *mcp.Client {
	t.Helper()

	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	sess := mcp.NewSession(stub.URL, "", nil, logger, nil)
	return mcp.NewClient(sess, logger, nil, noop.NewTracerProvider().Tracer("test"))
}

// sseBody wraps a JSON-RPC result object in a single SSE frame, the framing
// the streamable HTTP transport uses.
func sseBody(t *testing.T, resultJSON string) string {
	t.Helper()

	envelope, err := sjson.SetRaw(`{"jsonrpc":"2.0","id":2}`, "result", resultJSON)
	require.NoError(t, err)
	return "event: message\ndata: " + envelope + "\n\n"
}

func TestCallToolRoundTrip(t *testing.T) {
	t.Parallel()

	toolJSON := `{"success":true,"results":[{"title":"A","snippet":"B","link":"C"}],"query":"fatigue tips","result_count":1}`

	stub := newStubEndpoint(t)
	stub.onToolCall = func(w http.ResponseWriter, body []byte) {
		assert.Equal(t, "search_google", gjson.GetBytes(body, "params.name").String())
		assert.Equal(t, "fatigue tips", gjson.GetBytes(body, "params.arguments.query").String())
		assert.Equal(t, int64(3), gjson.GetBytes(body, "params.arguments.limit").Int())

		content, err := sjson.Set(`{"content":[{"type":"text"}]}`, "content.0.text", toolJSON)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(t, content)))
	}

	client := newTestClient(t, stub)
	res := client.CallTool(t.Context(), "search_google", map[string]any{"query": "fatigue tips", "limit": 3})

	// The tool's own JSON object comes back unchanged.
	require.True(t, res.Success())
	assert.Equal(t, "fatigue tips", res["query"])
	assert.Equal(t, float64(1), res["result_count"])
	results, ok := res["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]any{"title": "A", "snippet": "B", "link": "C"}, results[0])

	// The established session id must ride along on tools/call.
	assert.Equal(t, "sess-123", stub.headers().Get("Mcp-Session-Id"))
}

func TestCallToolPlainTextContent(t *testing.T) {
	t.Parallel()

	stub := newStubEndpoint(t)
	stub.onToolCall = func(w http.ResponseWriter, body []byte) {
		// Tools should JSON-encode their results; plain text is tolerated.
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{"content":[{"type":"text","text":"logged it"}]},"id":2}`))
	}

	client := newTestClient(t, stub)
	res := client.CallTool(t.Context(), "log_symptoms", map[string]any{"mood": 5})

	require.True(t, res.Success())
	assert.Equal(t, "logged it", res["message"])
}

// CallTool never raises: every injected failure mode yields a well-formed
// {success:false, error:<non-empty>} result.
func TestCallToolFailureModes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		handler   func(w http.ResponseWriter, body []byte)
		wantError string
		contains  bool
	}{
		{
			name: "http error status with body preview",
			handler: func(w http.ResponseWriter, _ []byte) {
				http.Error(w, "internal server error", http.StatusInternalServerError)
			},
			wantError: "HTTP 500: internal server error",
		},
		{
			name: "jsonrpc error envelope",
			handler: func(w http.ResponseWriter, _ []byte) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"unknown tool"},"id":2}`))
			},
			wantError: "unknown tool",
		},
		{
			name: "jsonrpc error envelope as bare string",
			handler: func(w http.ResponseWriter, _ []byte) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":"dispatch exploded","id":2}`))
			},
			wantError: "dispatch exploded",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ []byte) {
				_, _ = w.Write([]byte("event: message\nno data line here\n"))
			},
			wantError: "malformed MCP response",
			contains:  true,
		},
		{
			name: "neither error nor result",
			handler: func(w http.ResponseWriter, _ []byte) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":2}`))
			},
			wantError: "Unknown response format",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stub := newStubEndpoint(t)
			stub.onToolCall = tc.handler
			client := newTestClient(t, stub)

			res := client.CallTool(t.Context(), "search_google", map[string]any{"query": "q"})

			require.False(t, res.Success())
			require.NotEmpty(t, res.ErrorMessage())
			if tc.contains {
				assert.Contains(t, res.ErrorMessage(), tc.wantError)
			} else {
				assert.Equal(t, tc.wantError, res.ErrorMessage())
			}
		})
	}
}

func TestCallToolEmptyContent(t *testing.T) {
	t.Parallel()

	stub := newStubEndpoint(t)
	stub.onToolCall = func(w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{"content":[],"isError":false},"id":2}`))
	}

	client := newTestClient(t, stub)
	res := client.CallTool(t.Context(), "search_google", map[string]any{"query": "q"})

	// No content to unwrap: the bare result object is the result.
	_, hasContent := res["content"]
	assert.True(t, hasContent)
	assert.Equal(t, false, res["isError"])
}

func TestCallToolTimeout(t *testing.T) {
	t.Parallel()

	stub := newStubEndpoint(t)
	stub.onToolCall = func(w http.ResponseWriter, _ []byte) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{},"id":2}`))
	}

	client := newTestClient(t, stub)

	// Session handshake first so the deadline only squeezes the tool call.
	_, err := client.Session().Ensure(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	res := client.CallTool(ctx, "search_google", map[string]any{"query": "q"})

	require.False(t, res.Success())
	assert.Equal(t, "MCP server timed out", res.ErrorMessage())
}

func TestCallToolSessionInitFailure(t *testing.T) {
	t.Parallel()

	stub := newStubEndpoint(t)
	stub.omitSession = true
	client := newTestClient(t, stub)

	res := client.CallTool(t.Context(), "log_symptoms", map[string]any{"mood": 5})

	require.False(t, res.Success())
	assert.Equal(t, "Failed to initialize MCP session", res.ErrorMessage())
	// The tool call must not have been attempted.
	assert.EqualValues(t, 1, stub.initCount.Load())
}

func TestToolResult(t *testing.T) {
	t.Parallel()

	res := mcp.Fail("boom")
	assert.False(t, res.Success())
	assert.Equal(t, "boom", res.ErrorMessage())
	assert.JSONEq(t, `{"success":false,"error":"boom"}`, string(res.JSON()))

	res = mcp.ToolResult{"success": true, "entry_id": "sym20250101120000"}
	assert.True(t, res.Success())
	assert.Empty(t, res.ErrorMessage())
}
