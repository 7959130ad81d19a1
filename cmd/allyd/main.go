// Command allyd runs the companion backend: the HTTP API, the Gemini agent
// loop, and the MCP client that reaches the tool server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/formsally/allybridge/agent"
	"github.com/formsally/allybridge/api"
	"github.com/formsally/allybridge/config"
	"github.com/formsally/allybridge/mcp"
	"github.com/formsally/allybridge/metrics"
	"github.com/formsally/allybridge/speech"
	"github.com/formsally/allybridge/tracing"
	"github.com/formsally/allybridge/tracker"
	"github.com/formsally/allybridge/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "allyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

	if err := cfg.ValidateBackend(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceProvider, err := tracing.NewProvider(tracing.Config{
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  "allyd",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	tracer := traceProvider.Tracer()

	registry := prometheus.NewRegistry()
	m := metrics.New(prometheus.WrapRegistererWithPrefix("allybridge_", registry))

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	mcpLogger := logger.Named("mcp")
	session := mcp.NewSession(cfg.MCP.ServerURL, cfg.MCP.ServiceAccountFile, &http.Client{}, mcpLogger, m)
	tools := mcp.NewClient(session, mcpLogger, m, tracer)

	model, err := agent.NewGemini(ctx, cfg.Gemini, cfg.SystemPrompt, logger.Named("gemini"))
	if err != nil {
		return fmt.Errorf("init model: %w", err)
	}
	ally := agent.New(model, tools, logger.Named("agent"), m, tracer)

	var voice api.Speech
	if cfg.Speech.Configured() {
		voice = speech.New(cfg.Speech, logger.Named("speech"))
	} else {
		logger.Warn(ctx, "speech routes disabled: ELEVENLABS_API_KEY/ELEVENLABS_VOICE_ID not set")
	}

	apiSrv := api.New(api.Options{
		Agent:        ally,
		Tools:        tools,
		Store:        store,
		Speech:       voice,
		MCPServerURL: cfg.MCP.ServerURL,
		CORSOrigins:  cfg.CORSOrigins,
		Logger:       logger.Named("api"),
		Tracer:       tracer,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", apiSrv)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "allyd listening",
			slog.F("port", cfg.Port),
			slog.F("mcp_server", cfg.MCP.ServerURL),
			slog.F("model", cfg.Gemini.Model),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	group := utils.NewConcurrentGroup()
	group.Go(func() error { return httpSrv.Shutdown(shutdownCtx) })
	group.Go(func() error { return apiSrv.Shutdown(shutdownCtx) })
	group.Go(func() error { return traceProvider.Shutdown(shutdownCtx) })
	group.Go(store.Close)
	return group.Wait()
}

// openStore picks BigQuery when a project and dataset are configured, and
// falls back to the local SQLite file otherwise.
func openStore(ctx context.Context, cfg config.Store, logger slog.Logger) (tracker.Store, error) {
	if cfg.UseBigQuery() {
		logger.Info(ctx, "using bigquery store",
			slog.F("project", cfg.ProjectID), slog.F("dataset", cfg.Dataset))
		return tracker.NewBigQuery(ctx, cfg.ProjectID, cfg.Dataset, cfg.ServiceAccountFile, logger.Named("tracker"))
	}
	logger.Info(ctx, "using sqlite store", slog.F("path", cfg.SQLitePath))
	return tracker.NewSQLite(cfg.SQLitePath, logger.Named("tracker"))
}
