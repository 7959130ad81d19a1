package mcp_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/formsally/allybridge/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewRequest(t *testing.T) {
	t.Parallel()

	req := mcp.NewRequest("tools/call", map[string]any{"name": "search_google"}, 2)
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	assert.Equal(t, "2.0", gjson.GetBytes(raw, "jsonrpc").String())
	assert.Equal(t, "tools/call", gjson.GetBytes(raw, "method").String())
	assert.Equal(t, int64(2), gjson.GetBytes(raw, "id").Int())
	assert.Equal(t, "search_google", gjson.GetBytes(raw, "params.name").String())
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		body       string
		wantResult string
		wantErrMsg string
		malformed  bool
	}{
		{
			name:       "plain json",
			body:       `{"jsonrpc":"2.0","result":{"content":[{"type":"text","text":"hi"}]},"id":2}`,
			wantResult: `{"content":[{"type":"text","text":"hi"}]}`,
		},
		{
			name:       "plain json with leading whitespace",
			body:       "\n\t " + `{"jsonrpc":"2.0","result":{"ok":true},"id":2}`,
			wantResult: `{"ok":true}`,
		},
		{
			name: "sse framed",
			body: "event: message\ndata: {\"jsonrpc\":\"2.0\",\"result\":{\"ok\":true},\"id\":2}\n\n",

			wantResult: `{"ok":true}`,
		},
		{
			name: "sse with comments and multiple frames takes the first data line",
			body: strings.Join([]string{
				": keepalive",
				"event: message",
				`data: {"jsonrpc":"2.0","result":{"frame":1},"id":2}`,
				"",
				"event: message",
				`data: {"jsonrpc":"2.0","result":{"frame":2},"id":2}`,
				"",
			}, "\n"),
			wantResult: `{"frame":1}`,
		},
		{
			name:       "error envelope with structured object",
			body:       `{"jsonrpc":"2.0","error":{"code":-32602,"message":"unknown tool"},"id":2}`,
			wantErrMsg: "unknown tool",
		},
		{
			name:       "error envelope with bare string",
			body:       `{"jsonrpc":"2.0","error":"boom","id":2}`,
			wantErrMsg: "boom",
		},
		{
			name:      "neither json nor sse",
			body:      "<html>502 Bad Gateway</html>",
			malformed: true,
		},
		{
			name:      "empty body",
			body:      "",
			malformed: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp, err := mcp.DecodeResponse([]byte(tc.body))
			if tc.malformed {
				require.ErrorIs(t, err, mcp.ErrMalformedResponse)
				return
			}
			require.NoError(t, err)

			if tc.wantErrMsg != "" {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tc.wantErrMsg, resp.Error.Text())
				return
			}
			require.Nil(t, resp.Error)
			assert.JSONEq(t, tc.wantResult, string(resp.Result))
		})
	}
}

// Bodies starting with "{" must decode identically to direct JSON parsing,
// SSE scanning never applies to them.
func TestDecodeResponsePlainJSONEquivalence(t *testing.T) {
	t.Parallel()

	// A JSON body whose string values contain SSE-looking text.
	body := `{"jsonrpc":"2.0","result":{"content":[{"type":"text","text":"data: not a frame"}]},"id":2}`

	resp, err := mcp.DecodeResponse([]byte(body))
	require.NoError(t, err)

	var direct struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &direct))
	assert.JSONEq(t, string(direct.Result), string(resp.Result))
}

func TestRPCErrorText(t *testing.T) {
	t.Parallel()

	var e mcp.RPCError
	require.NoError(t, json.Unmarshal([]byte(`{"code":-32000,"data":{"detail":"x"}}`), &e))
	// No message field: the raw payload is better than an empty string.
	assert.Contains(t, e.Text(), "detail")
	assert.Contains(t, e.Error(), "-32000")
}
