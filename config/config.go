// Package config loads runtime configuration from the environment.
// Both binaries read the same variable set; each uses the subset it needs.
package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	DefaultGeminiModel = "gemini-2.0-flash"
	DefaultPort        = "8080"
	DefaultSQLitePath  = "ally.db"

	DefaultTTSModelID = "eleven_multilingual_v2"
	DefaultSTTModelID = "scribe_v1"
	DefaultLanguage   = "en"
)

// DefaultSystemPrompt frames the assistant for people managing multiple
// sclerosis. Kept short: tool descriptions carry the operational detail.
const DefaultSystemPrompt = `You are Ally, a warm and supportive companion for people living with multiple sclerosis.
You help track symptoms, find community experiences, and answer questions with empathy.
When the user describes how they are feeling, log it with the log_symptoms tool.
When they ask about others' experiences, search the MS community on Reddit.
For general medical or factual questions, search the web.
Never diagnose. Encourage users to consult their care team for medical decisions.
Keep replies brief, kind, and practical.`

// Gemini configures the model used by the agent loop.
type Gemini struct {
	APIKey string
	Model  string
}

// MCP configures how the backend reaches its MCP tool server.
type MCP struct {
	// ServerURL is the tool server base URL, e.g. https://host.
	// The /mcp endpoint path is appended by the session.
	ServerURL string
	// ServiceAccountFile is used to mint ID tokens when no ambient
	// credential is available. Only consulted for https endpoints.
	ServiceAccountFile string
}

// Store configures symptom/conversation persistence.
// When ProjectID is set the BigQuery store is used, otherwise SQLite.
type Store struct {
	ProjectID          string
	Dataset            string
	ServiceAccountFile string
	SQLitePath         string
}

// Search configures the Google Custom Search backend of the search tools.
type Search struct {
	APIKey string
	CX     string
}

// Speech configures the ElevenLabs voice endpoints.
type Speech struct {
	APIKey     string
	VoiceID    string
	TTSModelID string
	STTModelID string
	Language   string
}

// Tracing selects the span exporter: "none", "stdout" or "otlp".
type Tracing struct {
	Exporter     string
	OTLPEndpoint string
}

type Config struct {
	Port         string
	CORSOrigins  []string
	SystemPrompt string
	Verbose      bool

	Gemini  Gemini
	MCP     MCP
	Store   Store
	Search  Search
	Speech  Speech
	Tracing Tracing
}

// FromEnv builds a Config from process environment variables, applying
// defaults for anything unset. It never fails; callers validate the fields
// they require.
func FromEnv() Config {
	return Config{
		Port:         envOr("PORT", DefaultPort),
		CORSOrigins:  splitList(os.Getenv("ALLY_CORS_ORIGINS")),
		SystemPrompt: envOr("ALLY_SYSTEM_PROMPT", DefaultSystemPrompt),
		Verbose:      os.Getenv("ALLY_VERBOSE") != "",

		Gemini: Gemini{
			APIKey: os.Getenv("GOOGLE_GENAI_API_KEY"),
			Model:  envOr("GEMINI_MODEL", DefaultGeminiModel),
		},
		MCP: MCP{
			ServerURL:          os.Getenv("MCP_SERVER_URL"),
			ServiceAccountFile: os.Getenv("SA_BQ_CREDENTIALS"),
		},
		Store: Store{
			ProjectID:          os.Getenv("GOOGLE_CLOUD_PROJECT"),
			Dataset:            os.Getenv("BIGQUERY_DATASET"),
			ServiceAccountFile: os.Getenv("SA_BQ_CREDENTIALS"),
			SQLitePath:         envOr("ALLY_SQLITE_PATH", DefaultSQLitePath),
		},
		Search: Search{
			APIKey: os.Getenv("GOOGLE_SEARCH_API_KEY"),
			CX:     os.Getenv("GOOGLE_SEARCH_CX"),
		},
		Speech: Speech{
			APIKey:     os.Getenv("ELEVENLABS_API_KEY"),
			VoiceID:    os.Getenv("ELEVENLABS_VOICE_ID"),
			TTSModelID: envOr("ELEVENLABS_TTS_MODEL_ID", DefaultTTSModelID),
			STTModelID: envOr("ELEVENLABS_STT_MODEL_ID", DefaultSTTModelID),
			Language:   envOr("LANGUAGE_CODE", DefaultLanguage),
		},
		Tracing: Tracing{
			Exporter:     envOr("ALLY_TRACE_EXPORTER", "none"),
			OTLPEndpoint: envOr("ALLY_OTLP_ENDPOINT", "localhost:4317"),
		},
	}
}

// ValidateBackend checks the fields the backend binary cannot run without.
func (c Config) ValidateBackend() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("GOOGLE_GENAI_API_KEY is required")
	}
	if c.MCP.ServerURL == "" {
		return fmt.Errorf("MCP_SERVER_URL is required")
	}
	return nil
}

func (s Speech) Configured() bool {
	return s.APIKey != "" && s.VoiceID != ""
}

func (s Store) UseBigQuery() bool {
	return s.ProjectID != "" && s.Dataset != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
