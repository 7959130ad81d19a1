package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cdr.dev/slog"
	"github.com/formsally/allybridge/agent"
	"github.com/formsally/allybridge/mcp"
	"github.com/formsally/allybridge/speech"
	"github.com/formsally/allybridge/tracing"
	"github.com/formsally/allybridge/tracker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	sessionIDLayout = "20060102150405"

	defaultReportDays  = 7
	reportEntriesLimit = 100

	// maxAudioBytes caps uploaded audio for transcription.
	maxAudioBytes = 16 << 20
)

// ChatMessage is one entry of the frontend-held history.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Message   string        `json:"message"`
	History   []ChatMessage `json:"history"`
	SessionID string        `json:"session_id"`
	InputType string        `json:"input_type"`
}

type ChatResponse struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type SpeakRequest struct {
	Text string `json:"text"`
}

type LogSymptomsRequest struct {
	Mood             int      `json:"mood"`
	Fatigue          int      `json:"fatigue"`
	Symptoms         []string `json:"symptoms"`
	MedicationsTaken []string `json:"medications_taken"`
	PeriodStatus     string   `json:"period_status"`
	Notes            string   `json:"notes"`
}

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"service":    "allybridge",
		"mcp_server": s.opts.MCPServerURL,
	})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	inputType := req.InputType
	if inputType == "" {
		inputType = "text"
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.newSessionID()
	}

	// Per-turn correlation attributes flow into every nested span: the
	// model calls, the tool invocation, the conversation log.
	turnAttrs := []attribute.KeyValue{
		attribute.String(tracing.TurnID, uuid.NewString()),
		attribute.String(tracing.SessionID, sessionID),
		attribute.String(tracing.InputType, inputType),
	}
	ctx := tracing.WithTurnAttributesInContext(r.Context(), turnAttrs)
	ctx, span := s.opts.Tracer.Start(ctx, "API.Chat", trace.WithAttributes(turnAttrs...))
	defer span.End()

	reply, _ := s.opts.Agent.Reply(ctx, historyTurns(req.History), req.Message)

	// The conversation log is best-effort: a failure is noted and the reply
	// still goes out.
	logResult := s.opts.Tools.CallTool(ctx, mcp.ToolLogConversation, map[string]any{
		"session_id":        sessionID,
		"user_message":      req.Message,
		"assistant_message": reply,
		"input_type":        inputType,
	})
	if !logResult.Success() {
		s.opts.Logger.Warn(ctx, "conversation log failed",
			slog.F("session_id", sessionID), slog.F("error", logResult.ErrorMessage()))
	}

	writeJSON(w, http.StatusOK, ChatResponse{Text: reply, SessionID: sessionID})
}

// newSessionID builds conversation session ids like
// "conv_20260114093005_1a2b3c4d".
func (s *Server) newSessionID() string {
	ts := s.opts.Clock.Now().UTC().Format(sessionIDLayout)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("conv_%s_%s", ts, suffix)
}

func historyTurns(history []ChatMessage) []agent.Turn {
	turns := make([]agent.Turn, 0, len(history))
	for _, msg := range history {
		role := agent.RoleUser
		if msg.Role == tracker.RoleAssistant {
			role = agent.RoleModel
		}
		turns = append(turns, agent.Turn{Role: role, Text: msg.Content})
	}
	return turns
}

func (s *Server) speak(w http.ResponseWriter, r *http.Request) {
	if s.opts.Speech == nil {
		writeError(w, http.StatusInternalServerError, "ElevenLabs API key not configured")
		return
	}
	var req SpeakRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}

	audio, err := s.opts.Speech.Synthesize(r.Context(), req.Text)
	if err != nil {
		s.opts.Logger.Warn(r.Context(), "synthesis failed", slog.Error(err))
		var upstream *speech.UpstreamError
		if errors.As(err, &upstream) {
			writeError(w, http.StatusBadGateway, "TTS service error")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write(audio)
}

func (s *Server) transcribe(w http.ResponseWriter, r *http.Request) {
	if s.opts.Speech == nil {
		writeError(w, http.StatusInternalServerError, "ElevenLabs API key not configured")
		return
	}

	audio, filename, err := readAudio(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "No audio provided")
		return
	}

	text, err := s.opts.Speech.Transcribe(r.Context(), audio, filename)
	if err != nil {
		s.opts.Logger.Warn(r.Context(), "transcription failed", slog.Error(err))
		var upstream *speech.UpstreamError
		if errors.As(err, &upstream) {
			writeError(w, http.StatusBadGateway, "STT service error")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// readAudio accepts either a multipart form with a "file" part or raw bytes.
func readAudio(r *http.Request) ([]byte, string, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("read audio form file: %w", err)
		}
		defer file.Close()
		audio, err := io.ReadAll(io.LimitReader(file, maxAudioBytes))
		if err != nil {
			return nil, "", fmt.Errorf("read audio: %w", err)
		}
		return audio, header.Filename, nil
	}

	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	return audio, "input.webm", nil
}

func (s *Server) logSymptoms(w http.ResponseWriter, r *http.Request) {
	var req LogSymptomsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result := s.opts.Tools.CallTool(r.Context(), mcp.ToolLogSymptoms, map[string]any{
		"mood":              req.Mood,
		"fatigue":           req.Fatigue,
		"symptoms":          orEmpty(req.Symptoms),
		"medications_taken": orEmpty(req.MedicationsTaken),
		"period_status":     req.PeriodStatus,
		"notes":             req.Notes,
	})

	if !result.Success() {
		msg := result.ErrorMessage()
		if msg == "" {
			msg = "Unknown error"
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry_id": result["entry_id"]})
}

func (s *Server) reportSymptoms(w http.ResponseWriter, r *http.Request) {
	days := queryDays(r)

	logs, err := s.opts.Store.RecentEntries(r.Context(), days, reportEntriesLimit)
	if err != nil {
		// The report tab degrades to an empty list rather than erroring.
		s.opts.Logger.Warn(r.Context(), "symptom report query failed", slog.Error(err))
		logs = nil
	}
	if logs == nil {
		logs = []tracker.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": logs})
}

func (s *Server) reportSummary(w http.ResponseWriter, r *http.Request) {
	days := queryDays(r)

	summary, err := s.opts.Store.Summary(r.Context(), days)
	if err != nil {
		s.opts.Logger.Warn(r.Context(), "summary query failed", slog.Error(err))
		summary = tracker.Summary{Days: days}
	}
	if summary.TopSymptoms == nil {
		summary.TopSymptoms = []tracker.SymptomCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": summary})
}

func (s *Server) searchReddit(w http.ResponseWriter, r *http.Request) {
	s.runSearch(w, r, mcp.ToolSearchReddit)
}

func (s *Server) searchGoogle(w http.ResponseWriter, r *http.Request) {
	s.runSearch(w, r, mcp.ToolSearchGoogle)
}

// runSearch forwards a search request through the MCP client and passes the
// tool's result object through untouched.
func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, tool string) {
	var req SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = mcp.DefaultSearchLimit
	}

	result := s.opts.Tools.CallTool(r.Context(), tool, map[string]any{
		"query": req.Query,
		"limit": limit,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.JSON())
}

func queryDays(r *http.Request) int {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		return defaultReportDays
	}
	return days
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
