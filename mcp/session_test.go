package mcp_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/formsally/allybridge/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubEndpoint is a minimal MCP endpoint: it issues a session id on
// initialize and lets tests script the tools/call response.
type stubEndpoint struct {
	*httptest.Server

	sessionID    string
	initCount    atomic.Int64
	initDelay    time.Duration
	omitSession  bool
	onToolCall   func(w http.ResponseWriter, body []byte)
	lastHeadersM sync.Mutex
	lastHeaders  http.Header
}

func newStubEndpoint(t *testing.T) *stubEndpoint {
	t.Helper()

	s := &stubEndpoint{sessionID: "sess-123"}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.lastHeadersM.Lock()
		s.lastHeaders = r.Header.Clone()
		s.lastHeadersM.Unlock()

		switch gjson.GetBytes(body, "method").String() {
		case "initialize":
			s.initCount.Add(1)
			if s.initDelay > 0 {
				time.Sleep(s.initDelay)
			}
			if !s.omitSession {
				w.Header().Set("Mcp-Session-Id", s.sessionID)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{"protocolVersion":"2024-11-05"},"id":1}`))
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/call":
			if s.onToolCall != nil {
				s.onToolCall(w, body)
				return
			}
			http.Error(w, "no tool handler", http.StatusInternalServerError)
		default:
			http.Error(w, "unexpected method", http.StatusBadRequest)
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *stubEndpoint) headers() http.Header {
	s.lastHeadersM.Lock()
	defer s.lastHeadersM.Unlock()
	return s.lastHeaders
}

func TestSessionEnsure(t *testing.T) {
	t.Parallel()

	t.Run("handshake reads id from header", func(t *testing.T) {
		t.Parallel()

		stub := newStubEndpoint(t)
		sess := mcp.NewSession(stub.URL, "", nil, slogtest.Make(t, nil), nil)

		id, err := sess.Ensure(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "sess-123", id)
		assert.Equal(t, "sess-123", sess.ID())
		assert.EqualValues(t, 1, stub.initCount.Load())

		// Active session: no further handshakes.
		id, err = sess.Ensure(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "sess-123", id)
		assert.EqualValues(t, 1, stub.initCount.Load())
	})

	t.Run("missing session header fails", func(t *testing.T) {
		t.Parallel()

		stub := newStubEndpoint(t)
		stub.omitSession = true
		sess := mcp.NewSession(stub.URL, "", nil, slogtest.Make(t, nil), nil)

		_, err := sess.Ensure(t.Context())
		require.ErrorIs(t, err, mcp.ErrSessionInit)
		assert.Empty(t, sess.ID())
	})

	t.Run("required headers are sent, no auth for plain http", func(t *testing.T) {
		t.Parallel()

		stub := newStubEndpoint(t)
		sess := mcp.NewSession(stub.URL, "", nil, slogtest.Make(t, nil), nil)

		_, err := sess.Ensure(t.Context())
		require.NoError(t, err)

		h := stub.headers()
		assert.Equal(t, "application/json", h.Get("Content-Type"))
		assert.Equal(t, "application/json, text/event-stream", h.Get("Accept"))
		assert.Empty(t, h.Get("Authorization"))
	})
}

func TestSessionReset(t *testing.T) {
	t.Parallel()

	stub := newStubEndpoint(t)
	sess := mcp.NewSession(stub.URL, "", nil, slogtest.Make(t, nil), nil)

	_, err := sess.Ensure(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 1, stub.initCount.Load())

	// Reset is local and idempotent.
	sess.Reset()
	sess.Reset()
	assert.Empty(t, sess.ID())
	assert.EqualValues(t, 1, stub.initCount.Load())

	// The next Ensure performs exactly one fresh handshake, never reusing
	// the dropped id.
	stub.sessionID = "sess-456"
	id, err := sess.Ensure(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "sess-456", id)
	assert.EqualValues(t, 2, stub.initCount.Load())
}

// Concurrent Ensure calls from uninitialized state must share one in-flight
// handshake: a single initialize request, and every caller observes the same
// resulting id.
func TestSessionEnsureSingleFlight(t *testing.T) {
	t.Parallel()

	stub := newStubEndpoint(t)
	stub.initDelay = 50 * time.Millisecond
	sess := mcp.NewSession(stub.URL, "", nil, slogtest.Make(t, nil), nil)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := sess.Ensure(t.Context())
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, stub.initCount.Load())
	for _, id := range ids {
		assert.Equal(t, "sess-123", id)
	}
}
