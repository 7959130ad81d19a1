// Package api is the backend's HTTP surface: chat, speech, symptom logging,
// reports and search, fronted by CORS and panic recovery, with graceful
// shutdown that drains inflight requests.
package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/formsally/allybridge/agent"
	"github.com/formsally/allybridge/mcp"
	"github.com/formsally/allybridge/tracker"
	"go.opentelemetry.io/otel/trace"
)

// Replier produces the assistant's reply for one user turn. *agent.Agent
// satisfies it.
type Replier interface {
	Reply(ctx context.Context, history []agent.Turn, message string) (string, []agent.Turn)
}

// ToolCaller invokes MCP tools. *mcp.Client satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, args map[string]any) mcp.ToolResult
}

// Speech is the voice backend. May be absent (nil) when unconfigured.
type Speech interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Options configures a Server. Agent, Tools and Store are required; Speech is
// optional and its routes report 500 when it is nil.
type Options struct {
	Agent  Replier
	Tools  ToolCaller
	Store  tracker.Store
	Speech Speech

	// MCPServerURL is reported by the health endpoint.
	MCPServerURL string
	CORSOrigins  []string

	Logger slog.Logger
	Tracer trace.Tracer
	// Clock defaults to the real clock; tests inject a mock for session ids.
	Clock quartz.Clock
}

// Server is the backend HTTP handler. It is safe for concurrent use.
type Server struct {
	opts Options

	mux     *http.ServeMux
	handler http.Handler

	inflightReqs atomic.Int32
	inflightWG   sync.WaitGroup // for graceful shutdown

	inflightCtx    context.Context
	inflightCancel func()

	shutdownOnce sync.Once
	closed       chan struct{}
}

var _ http.Handler = (*Server)(nil)

func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	inflightCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:           opts,
		mux:            http.NewServeMux(),
		inflightCtx:    inflightCtx,
		inflightCancel: cancel,
		closed:         make(chan struct{}),
	}

	s.mux.HandleFunc("GET /{$}", s.health)
	s.mux.HandleFunc("POST /chat", s.chat)
	s.mux.HandleFunc("POST /speak", s.speak)
	s.mux.HandleFunc("POST /transcribe", s.transcribe)
	s.mux.HandleFunc("POST /log/symptoms", s.logSymptoms)
	s.mux.HandleFunc("GET /report/symptoms", s.reportSymptoms)
	s.mux.HandleFunc("GET /report/summary", s.reportSummary)
	s.mux.HandleFunc("POST /search/reddit", s.searchReddit)
	s.mux.HandleFunc("POST /search/google", s.searchGoogle)

	s.handler = s.withCORS(s.withRecovery(s.mux))
	return s
}

// ServeHTTP tracks inflight requests and links each request to the shutdown
// context, so draining can cancel stragglers.
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(rw, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ctx := mergeContexts(r.Context(), s.inflightCtx)

	s.inflightReqs.Add(1)
	s.inflightWG.Add(1)
	defer func() {
		s.inflightReqs.Add(-1)
		s.inflightWG.Done()
	}()

	s.handler.ServeHTTP(rw, r.WithContext(ctx))
}

// Shutdown stops accepting requests and waits for inflight ones. When ctx
// expires first, the remaining requests are cancelled. Safe to call more than
// once; later calls return nil.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.closed)

		done := make(chan struct{})
		go func() {
			s.inflightWG.Wait()
			close(done)
		}()

		select {
		case <-ctx.Done():
			s.opts.Logger.Debug(ctx, "shutdown deadline reached; cancelling inflight requests", slog.Error(ctx.Err()))
			s.inflightCancel()
			<-done
			err = ctx.Err()
		case <-done:
		}
	})
	return err
}

func (s *Server) InflightRequests() int32 {
	return s.inflightReqs.Load()
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.opts.Logger.Error(r.Context(), "handler panicked",
					slog.F("panic", rec), slog.F("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withCORS reflects the origin back when it is allowlisted, and answers
// preflight requests.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.opts.CORSOrigins {
		if origin == allowed || allowed == "*" {
			return true
		}
	}
	return false
}

// mergeContexts cancels the returned context when either input does. Values
// come from base only.
func mergeContexts(base, other context.Context) context.Context {
	ctx, cancel := context.WithCancel(base)
	go func() {
		defer cancel()
		select {
		case <-base.Done():
		case <-other.Done():
		}
	}()
	return ctx
}
