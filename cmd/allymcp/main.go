// Command allymcp runs the MCP tool server: the streamable HTTP endpoint the
// backend's MCP client talks to, dispatching tool calls to the row store and
// the search provider.
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
	"github.com/formsally/allybridge/config"
	"github.com/formsally/allybridge/mcpserver"
	"github.com/formsally/allybridge/metrics"
	"github.com/formsally/allybridge/search"
	"github.com/formsally/allybridge/tracing"
	"github.com/formsally/allybridge/tracker"
	"github.com/formsally/allybridge/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "allymcp: %v\n", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceProvider, err := tracing.NewProvider(tracing.Config{
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  "allymcp",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(prometheus.WrapRegistererWithPrefix("allybridge_", registry))

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// The search tools degrade to configuration errors when no credentials
	// are set; the tracker tools keep working.
	var searcher search.Client
	if cfg.Search.APIKey != "" && cfg.Search.CX != "" {
		searcher, err = search.NewGoogleCSE(ctx, cfg.Search.APIKey, cfg.Search.CX, logger.Named("search"), m)
		if err != nil {
			return fmt.Errorf("init search: %w", err)
		}
	} else {
		logger.Warn(ctx, "search tools disabled: GOOGLE_SEARCH_API_KEY/GOOGLE_SEARCH_CX not set")
	}

	toolSrv := mcpserver.New(store, searcher, logger.Named("mcpserver"), m, traceProvider.Tracer())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/mcp", toolSrv)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"allymcp"}`))
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "allymcp listening", slog.F("port", cfg.Port))
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
	group.Go(func() error { return traceProvider.Shutdown(shutdownCtx) })
	group.Go(store.Close)
	return group.Wait()
}

func openStore(ctx context.Context, cfg config.Store, logger slog.Logger) (tracker.Store, error) {
	if cfg.UseBigQuery() {
		logger.Info(ctx, "using bigquery store",
			slog.F("project", cfg.ProjectID), slog.F("dataset", cfg.Dataset))
		return tracker.NewBigQuery(ctx, cfg.ProjectID, cfg.Dataset, cfg.ServiceAccountFile, logger.Named("tracker"))
	}
	logger.Info(ctx, "using sqlite store", slog.F("path", cfg.SQLitePath))
	return tracker.NewSQLite(cfg.SQLitePath, logger.Named("tracker"))
}
