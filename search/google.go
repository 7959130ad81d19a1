package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cdr.dev/slog"
	"github.com/formsally/allybridge/metrics"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	requestTimeout = 30 * time.Second

	breakerName = "customsearch"

	// Fallbacks for items the API returns without a title or snippet.
	noTitle   = "No title"
	noSnippet = "No snippet"
)

// GoogleCSE searches through the Custom Search API. A circuit breaker wraps
// the upstream: sustained rate limiting or server errors open it, and while
// open, calls fail fast as rate-limited without a round-trip.
type GoogleCSE struct {
	svc     *customsearch.Service
	cx      string
	breaker *gobreaker.CircuitBreaker[[]Result]
	logger  slog.Logger
}

var _ Client = (*GoogleCSE)(nil)

// NewGoogleCSE builds a client for the given API key and search engine id.
// Extra client options (custom endpoint) are mainly for tests.
func NewGoogleCSE(ctx context.Context, apiKey, cx string, logger slog.Logger, m *metrics.Metrics, extra ...option.ClientOption) (*GoogleCSE, error) {
	if apiKey == "" {
		return nil, errors.New("GOOGLE_SEARCH_API_KEY not configured")
	}
	if cx == "" {
		return nil, errors.New("GOOGLE_SEARCH_CX not configured")
	}

	opts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, extra...)
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create customsearch service: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[[]Result](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client-side mistakes (bad key, malformed query) must not open
		// the breaker; only overload and upstream faults count.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrAccessDenied) {
				return true
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.Code < http.StatusInternalServerError
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info(context.Background(), "search breaker state change",
				slog.F("from", from.String()), slog.F("to", to.String()))
			if m != nil {
				m.BreakerState.WithLabelValues(name).Set(breakerGauge(to))
				if to == gobreaker.StateOpen {
					m.BreakerTrips.WithLabelValues(name).Inc()
				}
			}
		},
	})

	return &GoogleCSE{
		svc:     svc,
		cx:      cx,
		breaker: breaker,
		logger:  logger,
	}, nil
}

func (g *GoogleCSE) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	results, err := g.breaker.Execute(func() ([]Result, error) {
		return g.search(ctx, query, limit)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// An open breaker means the upstream was overloaded moments ago;
		// surface it the same way.
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return results, err
}

func (g *GoogleCSE) search(ctx context.Context, query string, limit int) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := g.svc.Cse.List().Q(query).Cx(g.cx).Num(int64(limit)).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	results := make([]Result, 0, len(resp.Items))
	for _, item := range resp.Items {
		r := Result{
			Title:   item.Title,
			Snippet: item.Snippet,
			Link:    item.Link,
		}
		if r.Title == "" {
			r.Title = noTitle
		}
		if r.Snippet == "" {
			r.Snippet = noSnippet
		}
		results = append(results, r)
	}
	return results, nil
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("search request failed: %w", err)
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusForbidden:
		return ErrAccessDenied
	default:
		return &StatusError{Code: apiErr.Code}
	}
}

// closed=0, half-open=0.5, open=1.
func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 0.5
	case gobreaker.StateOpen:
		return 1
	default:
		return 0
	}
}
