// Package mcpserver exposes the tracker and search tools over the MCP
// streamable HTTP transport. Tool schemas come straight from the shared
// registry, so what the server dispatches is structurally identical to what
// the agent declares.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/formsally/allybridge/buildinfo"
	"github.com/formsally/allybridge/mcp"
	"github.com/formsally/allybridge/metrics"
	"github.com/formsally/allybridge/search"
	"github.com/formsally/allybridge/tracing"
	"github.com/formsally/allybridge/tracker"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/maps"
)

const serverName = "ally-tools"

// handlerFunc executes one tool. It reports the outcome as a metrics status
// (ok, denied for input rejections, error for downstream failures) alongside
// the result; failures are data, never Go errors, per the tool contract.
type handlerFunc func(ctx context.Context, req mcplib.CallToolRequest) (mcp.ToolResult, string)

// Server is the MCP tool server. It implements http.Handler and is mounted
// at /mcp by the binary.
type Server struct {
	store  tracker.Store
	search search.Client

	clock   quartz.Clock
	logger  slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	http *server.StreamableHTTPServer
}

var _ http.Handler = (*Server)(nil)

type Option func(*Server)

// WithClock substitutes the clock used for entry ids and row timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// New registers every registry tool against a streamable HTTP MCP server.
// searcher may be nil when no search credentials are configured; the search
// tools then fail with a configuration error instead of being absent.
func New(store tracker.Store, searcher search.Client, logger slog.Logger, m *metrics.Metrics, tracer trace.Tracer, opts ...Option) *Server {
	s := &Server{
		store:   store,
		search:  searcher,
		clock:   quartz.NewReal(),
		logger:  logger,
		metrics: m,
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(s)
	}

	handlers := map[string]handlerFunc{
		mcp.ToolLogSymptoms:     s.logSymptoms,
		mcp.ToolLogConversation: s.logConversation,
		mcp.ToolSearchReddit:    s.searchReddit,
		mcp.ToolSearchGoogle:    s.searchGoogle,
	}

	mcpSrv := server.NewMCPServer(serverName, buildinfo.Version(), server.WithToolCapabilities(false))

	names := maps.Keys(handlers)
	slices.Sort(names)
	for _, name := range names {
		def, ok := mcp.Definition(name)
		if !ok {
			// The dispatch table and the registry are both static; a
			// mismatch cannot be handled at runtime.
			panic(fmt.Sprintf("tool %q has a handler but no registry definition", name))
		}
		tool := mcplib.NewToolWithRawSchema(def.Name, def.Description, def.JSONSchema())
		mcpSrv.AddTool(tool, s.dispatch(def.Name, handlers[name]))
	}
	logger.Info(context.Background(), "registered tools", slog.F("tools", names))

	s.http = server.NewStreamableHTTPServer(mcpSrv)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

// dispatch wraps a handler with tracing, metrics and panic containment. The
// wire result is always one text content item holding the JSON-encoded
// {success, ...} object.
func (s *Server) dispatch(tool string, fn handlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		start := time.Now()
		ctx, span := s.tracer.Start(ctx, "MCPServer.Dispatch",
			trace.WithAttributes(attribute.String(tracing.ToolName, tool)))
		defer span.End()

		var (
			result mcp.ToolResult
			status string
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error(ctx, "tool handler panicked", slog.F("tool", tool), slog.F("panic", r))
					result = mcp.Failf("Unexpected error: %v", r)
					status = metrics.StatusError
				}
			}()
			result, status = fn(ctx, req)
		}()

		if s.metrics != nil {
			s.metrics.ToolDispatchCount.WithLabelValues(tool, status).Inc()
		}
		s.logger.Debug(ctx, "dispatched tool",
			slog.F("tool", tool),
			slog.F("status", status),
			slog.F("duration", time.Since(start)),
		)
		return mcplib.NewToolResultText(string(result.JSON())), nil
	}
}
