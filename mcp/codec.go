package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// The tool server speaks JSON-RPC 2.0 over streamable HTTP. Response bodies
// arrive either as plain JSON or wrapped in an SSE frame:
//
//	event: message
//	data: {"jsonrpc":"2.0",...}
//
// DecodeResponse accepts both shapes. Multi-frame streams are out of scope:
// only the first data line of a body is consumed.

// ErrMalformedResponse indicates a body that is neither plain JSON nor an SSE
// frame carrying JSON.
var ErrMalformedResponse = errors.New("malformed MCP response")

const (
	jsonRPCVersion = "2.0"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsCall   = "tools/call"

	// Request ids are fixed per method. The session lifecycle only ever has
	// two request shapes in flight and the server does not correlate by id,
	// so unique ids would buy nothing here.
	requestIDInitialize int64 = 1
	requestIDToolCall   int64 = 2

	ssePrefix = "data: "
)

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

func NewRequest(method string, params any, id int64) Request {
	return Request{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

// notification is a Request without an id; servers must not reply to it.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// RPCError is the JSON-RPC error envelope. Some servers reply with a bare
// string instead of the structured object; both are tolerated.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	raw json.RawMessage
}

func (e *RPCError) UnmarshalJSON(raw []byte) error {
	e.raw = append(e.raw[:0], raw...)

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		e.Message = s
		return nil
	}

	type alias RPCError
	var a alias
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	e.Code = a.Code
	e.Message = a.Message
	e.Data = a.Data
	return nil
}

// Text returns the human-readable message, falling back to the raw payload
// when the object carries no "message" field.
func (e *RPCError) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return string(bytes.TrimSpace(e.raw))
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Text())
}

// DecodeResponse parses a raw HTTP response body into a JSON-RPC response.
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payloadFrom(body), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &resp, nil
}

// payloadFrom selects the JSON document embedded in a response body. Plain
// JSON bodies pass through untouched. SSE bodies yield the first data line;
// event lines and comments are skipped. Anything else falls through unchanged
// so the JSON parse reports it.
func payloadFrom(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	// Tool results routinely exceed bufio's 64KB default line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ssePrefix) {
			return []byte(line[len(ssePrefix):])
		}
	}

	return trimmed
}
