package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"cdr.dev/slog"
	"github.com/formsally/allybridge/buildinfo"
	"github.com/formsally/allybridge/metrics"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "allybridge"

	headerSessionID = "Mcp-Session-Id"
)

// ErrSessionInit indicates the initialize handshake completed without the
// server issuing a session id.
var ErrSessionInit = errors.New("no session id in initialize response")

// Session owns the MCP session identity for one server endpoint. It has two
// states: uninitialized, and active with a server-issued id. All tool calls
// in the process share one Session; concurrent callers of [Session.Ensure]
// share a single in-flight handshake rather than racing their own.
type Session struct {
	endpoint string
	audience string
	saFile   string

	httpClient *http.Client
	logger     slog.Logger
	metrics    *metrics.Metrics

	mu sync.Mutex // guards id; held across the handshake for single-flight
	id string

	tokenMu     sync.Mutex
	tokenSource oauth2.TokenSource
}

// NewSession prepares a session against serverURL (the tool server base URL;
// the /mcp endpoint path is appended here). saFile optionally names a service
// account key used to mint ID tokens when no ambient credential is available.
func NewSession(serverURL, saFile string, client *http.Client, logger slog.Logger, m *metrics.Metrics) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(serverURL, "/")
	return &Session{
		endpoint:   base + "/mcp",
		audience:   base,
		saFile:     saFile,
		httpClient: client,
		logger:     logger,
		metrics:    m,
	}
}

func (s *Session) Endpoint() string {
	return s.endpoint
}

// ID returns the current session id, or "" when uninitialized.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Reset unconditionally drops the session id. No network call is made; the
// next Ensure re-initializes. Idempotent.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		s.logger.Debug(context.Background(), "session reset", slog.F("session_id", s.id))
	}
	s.id = ""
}

// Ensure returns the active session id, performing the initialize handshake
// first if needed. The lock is held across the handshake so concurrent
// callers share one initialize request and observe the same id.
func (s *Session) Ensure(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return s.id, nil
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	id, err := s.initialize(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SessionInitCount.WithLabelValues(metrics.StatusError).Inc()
		}
		return "", err
	}
	if s.metrics != nil {
		s.metrics.SessionInitCount.WithLabelValues(metrics.StatusOK).Inc()
	}

	s.id = id
	s.logger.Info(ctx, "MCP session initialized", slog.F("session_id", id))

	// Callers may proceed to tools/call immediately; the initialized
	// notification is a courtesy some servers expect, so failures only log.
	if err := s.notifyInitialized(ctx, id); err != nil {
		s.logger.Debug(ctx, "initialized notification failed", slog.Error(err))
	}

	return s.id, nil
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (s *Session) initialize(ctx context.Context) (string, error) {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: clientInfo{
			Name:    clientName,
			Version: buildinfo.Version(),
		},
	}

	resp, err := s.post(ctx, NewRequest(methodInitialize, params, requestIDInitialize), "")
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	defer resp.Body.Close()
	// The handshake result lives in a header; the body is drained only to
	// keep the connection reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	id := resp.Header.Get(headerSessionID)
	if id == "" {
		return "", ErrSessionInit
	}
	return id, nil
}

func (s *Session) notifyInitialized(ctx context.Context, sessionID string) error {
	resp, err := s.post(ctx, notification{JSONRPC: jsonRPCVersion, Method: methodInitialized}, sessionID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return nil
}

func (s *Session) post(ctx context.Context, payload any, sessionID string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	s.applyHeaders(ctx, req.Header, sessionID)

	return s.httpClient.Do(req)
}

// applyHeaders sets the headers every MCP request carries. The server may
// reply with plain JSON or an SSE frame, so both media types must be
// accepted. The session header is attached once a session id exists, and a
// bearer token whenever one can be minted for the endpoint.
func (s *Session) applyHeaders(ctx context.Context, h http.Header, sessionID string) {
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		h.Set(headerSessionID, sessionID)
	}
	if token := s.bearer(ctx); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// bearer mints an ID token for the endpoint's audience. Local (non-TLS)
// targets skip auth entirely. Token failures are never fatal: the request
// goes out unauthenticated and the server decides.
func (s *Session) bearer(ctx context.Context) string {
	if !strings.HasPrefix(s.audience, "https://") {
		return ""
	}

	ts, err := s.tokens()
	if err != nil {
		s.logger.Warn(ctx, "no identity token source", slog.Error(err))
		return ""
	}
	token, err := ts.Token()
	if err != nil {
		s.logger.Warn(ctx, "mint identity token", slog.Error(err))
		return ""
	}
	return token.AccessToken
}

// tokens lazily builds the ID token source: ambient workload identity
// (metadata server) first, then the configured service account file. The
// source refreshes tokens itself, so it is built once and reused.
func (s *Session) tokens() (oauth2.TokenSource, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.tokenSource != nil {
		return s.tokenSource, nil
	}

	ts, ambientErr := idtoken.NewTokenSource(context.Background(), s.audience)
	if ambientErr == nil {
		s.tokenSource = ts
		return ts, nil
	}

	if s.saFile == "" {
		return nil, fmt.Errorf("ambient credentials: %w", ambientErr)
	}
	ts, err := idtoken.NewTokenSource(context.Background(), s.audience, option.WithCredentialsFile(s.saFile))
	if err != nil {
		return nil, fmt.Errorf("service account credentials: %w (ambient: %v)", err, ambientErr)
	}
	s.tokenSource = ts
	return ts, nil
}
