package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/formsally/allybridge/mcpserver"
	"github.com/formsally/allybridge/search"
	"github.com/formsally/allybridge/tracker"
	"go.opentelemetry.io/otel/trace/noop"
)

// StartToolServer runs a real MCP tool server on a loopback listener and
// returns its base URL (the server mounts /mcp, which is the path
// mcp.NewSession appends). The server is torn down with the test.
func StartToolServer(t testing.TB, store tracker.Store, searcher search.Client, opts ...mcpserver.Option) string {
	t.Helper()

	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	srv := mcpserver.New(store, searcher, logger, nil, noop.NewTracerProvider().Tracer(""), opts...)

	mux := http.NewServeMux()
	mux.Handle("/mcp", srv)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)
	return httpSrv.URL
}
