package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"cdr.dev/slog"
	"github.com/formsally/allybridge/metrics"
	"github.com/formsally/allybridge/tracing"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// RequestTimeout bounds every MCP round-trip. Nothing is retried: a call
	// either completes inside this window or fails with a timeout result.
	RequestTimeout = 30 * time.Second

	// maxResponseBytes caps body reads; tool results are small JSON objects.
	maxResponseBytes = 4 << 20

	// errorBodyPreview limits how much of an upstream error body is echoed
	// into the tool result.
	errorBodyPreview = 100

	maxSpanInputAttrLen = 100
)

// Client invokes tools on the MCP server. Every failure mode (transport,
// protocol, application) is converted into a ToolResult at this boundary;
// CallTool never returns an error and never panics past itself.
type Client struct {
	session *Session
	logger  slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

func NewClient(session *Session, logger slog.Logger, m *metrics.Metrics, tracer trace.Tracer) *Client {
	return &Client{
		session: session,
		logger:  logger,
		tracer:  tracer,
		metrics: m,
	}
}

// Session exposes the owned session for explicit resets.
func (c *Client) Session() *Session {
	return c.session
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallTool performs one tools/call round-trip. The result is the tool's own
// {success, ...} object: the JSON-RPC envelope and MCP content wrapper are
// unwrapped here, and any failure is reported as {success:false, error}.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (res ToolResult) {
	start := time.Now()
	var outErr error

	spanAttrs := append(
		tracing.TurnAttributesFromContext(ctx),
		attribute.String(tracing.ToolName, tool),
		attribute.String(tracing.MCPServerURL, c.session.Endpoint()),
	)
	if input, err := json.Marshal(args); err == nil {
		str := string(input)
		if len(str) > maxSpanInputAttrLen {
			str = str[:maxSpanInputAttrLen]
		}
		spanAttrs = append(spanAttrs, attribute.String(tracing.ToolInput, str))
	}
	ctx, span := c.tracer.Start(ctx, "MCP.CallTool", trace.WithAttributes(spanAttrs...))
	defer tracing.EndSpanErr(span, &outErr)

	defer func() {
		if r := recover(); r != nil {
			outErr = fmt.Errorf("panic: %v", r)
			res = Failf("tool call panicked: %v", r)
		}
		status := metrics.StatusOK
		if !res.Success() {
			status = metrics.StatusError
		}
		if c.metrics != nil {
			c.metrics.ToolCallCount.WithLabelValues(tool, status).Inc()
			c.metrics.ToolCallDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
		}
		c.logger.Debug(ctx, "tool call finished",
			slog.F("tool", tool),
			slog.F("status", status),
			slog.F("duration", time.Since(start)),
		)
	}()

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	sessionID, err := c.session.Ensure(ctx)
	if err != nil {
		c.logger.Warn(ctx, "session handshake failed", slog.Error(err), slog.F("tool", tool))
		outErr = err
		return Fail("Failed to initialize MCP session")
	}
	span.SetAttributes(attribute.String(tracing.MCPSessionID, sessionID))

	req := NewRequest(methodToolsCall, callParams{Name: tool, Arguments: args}, requestIDToolCall)
	body, err := json.Marshal(req)
	if err != nil {
		outErr = err
		return Failf("encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.session.Endpoint(), bytes.NewReader(body))
	if err != nil {
		outErr = err
		return Fail(err.Error())
	}
	c.session.applyHeaders(ctx, httpReq.Header, sessionID)

	httpResp, err := c.session.httpClient.Do(httpReq)
	if err != nil {
		outErr = err
		if isTimeout(err) {
			return Fail("MCP server timed out")
		}
		return Fail(err.Error())
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		outErr = err
		if isTimeout(err) {
			return Fail("MCP server timed out")
		}
		return Fail(err.Error())
	}

	if httpResp.StatusCode != http.StatusOK {
		outErr = fmt.Errorf("unexpected status %d", httpResp.StatusCode)
		return Failf("HTTP %d: %s", httpResp.StatusCode, preview(raw))
	}

	rpc, err := DecodeResponse(raw)
	if err != nil {
		outErr = err
		return Fail(err.Error())
	}

	result := unwrap(rpc)
	if !result.Success() {
		outErr = errors.New(result.ErrorMessage())
	}
	return result
}

// unwrap flattens a decoded JSON-RPC response into the tool's result object:
// the error envelope wins, then the first content item's text is parsed as
// the tool's own JSON, then the bare result object, in that order.
func unwrap(rpc *Response) ToolResult {
	if rpc.Error != nil {
		return Fail(rpc.Error.Text())
	}

	if len(rpc.Result) > 0 {
		if content := gjson.GetBytes(rpc.Result, "content"); content.IsArray() && len(content.Array()) > 0 {
			text := gjson.GetBytes(rpc.Result, "content.0.text").String()
			if text == "" {
				text = "{}"
			}
			var parsed map[string]any
			if err := json.Unmarshal([]byte(text), &parsed); err == nil {
				return ToolResult(parsed)
			}
			// Not JSON: tools are supposed to encode their own result
			// object, but plain-text replies still surface as a success.
			return ToolResult{"success": true, "message": text}
		}

		var bare map[string]any
		if err := json.Unmarshal(rpc.Result, &bare); err == nil {
			return ToolResult(bare)
		}
	}

	return Fail("Unknown response format")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func preview(body []byte) string {
	s := string(bytes.TrimSpace(body))
	if len(s) > errorBodyPreview {
		s = s[:errorBodyPreview]
	}
	return s
}
