package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const defaultSystemPrompt = "You are a friendly tour guide in Tbilisi. Answer in short, clear sentences and suggest landmarks with enthusiasm, but keep it as concise as you can."

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase (hosts speech audio and mirrored videos; optional)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI (chat)
	OpenAIKey    string
	ChatModel    string
	SystemPrompt string

	// ElevenLabs (preferred TTS provider)
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	ElevenLabsModelID string

	// Cartesia (fallback TTS provider)
	CartesiaKey     string
	CartesiaURL     string
	CartesiaVoiceID string
	SpeechStyle     string // free-form delivery hint, mapped to a Cartesia emotion

	// Avatar video
	AvatarProvider  string // "did", "xai" or "veo"
	AvatarSourceURL string // default portrait used when a request has none
	DIDAPIKey       string
	DIDAPIURL       string
	DIDVoiceID      string
	XAIAPIKey       string
	GeminiKey       string
	VeoModel        string

	// Polling
	PollMaxWait      time.Duration
	PollBaseInterval time.Duration
	PollMultiplier   float64
	PollMaxInterval  time.Duration

	// Chat CLI
	OutputDir     string
	SpeechEnabled bool
	VideoEnabled  bool

	// Worker
	MaxConcurrentJobs int
}

// Load reads configuration from the environment (and .env when present).
// It applies defaults only; use ValidateServer or ValidateChat to check
// what a given entry point requires.
func Load() *Config {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	return &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "avatar-renders"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		ChatModel:             getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		SystemPrompt:          getEnv("CHAT_SYSTEM_PROMPT", defaultSystemPrompt),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		ElevenLabsModelID:     getEnv("ELEVENLABS_MODEL_ID", "eleven_flash_v2"),
		CartesiaKey:           getEnv("CARTESIA_API_KEY", ""),
		CartesiaURL:           getEnv("CARTESIA_API_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:       getEnv("CARTESIA_VOICE_ID", ""),
		SpeechStyle:           getEnv("SPEECH_STYLE", "friendly and engaging"),
		AvatarProvider:        getEnv("AVATAR_PROVIDER", "did"),
		AvatarSourceURL:       getEnv("AVATAR_SOURCE_URL", ""),
		DIDAPIKey:             getEnv("DID_API_KEY", ""),
		DIDAPIURL:             getEnv("DID_API_URL", "https://api.d-id.com"),
		DIDVoiceID:            getEnv("DID_VOICE_ID", "en-US-JennyNeural"),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		PollMaxWait:           getEnvDuration("POLL_MAX_WAIT", 5*time.Minute),
		PollBaseInterval:      getEnvDuration("POLL_BASE_INTERVAL", time.Second),
		PollMultiplier:        getEnvFloat("POLL_MULTIPLIER", 1.5),
		PollMaxInterval:       getEnvDuration("POLL_MAX_INTERVAL", 5*time.Second),
		OutputDir:             getEnv("OUTPUT_DIR", "outputs"),
		SpeechEnabled:         getEnvBool("SPEECH_ENABLED", true),
		VideoEnabled:          getEnvBool("VIDEO_ENABLED", true),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 5),
	}
}

// StorageConfigured reports whether Supabase storage credentials are present.
func (c *Config) StorageConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

// AvatarConfigured reports whether the selected avatar provider has credentials.
func (c *Config) AvatarConfigured() bool {
	switch c.AvatarProvider {
	case "did":
		return c.DIDAPIKey != ""
	case "xai":
		return c.XAIAPIKey != ""
	case "veo":
		return c.GeminiKey != ""
	}
	return false
}

// ValidateServer checks the settings required by the API server and worker.
func (c *Config) ValidateServer() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if err := c.validateAvatar(); err != nil {
		return err
	}
	return c.validatePolling()
}

// ValidateChat checks the settings required by the interactive chat pipeline.
func (c *Config) ValidateChat() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.SpeechEnabled && c.ElevenLabsKey == "" && c.CartesiaKey == "" {
		return fmt.Errorf("either ELEVENLABS_API_KEY or CARTESIA_API_KEY is required when SPEECH_ENABLED=true")
	}
	if c.VideoEnabled {
		if err := c.validateAvatar(); err != nil {
			return err
		}
		if c.AvatarSourceURL == "" {
			return fmt.Errorf("AVATAR_SOURCE_URL is required when VIDEO_ENABLED=true")
		}
	}
	return c.validatePolling()
}

func (c *Config) validateAvatar() error {
	switch c.AvatarProvider {
	case "did", "xai", "veo":
	default:
		return fmt.Errorf("AVATAR_PROVIDER must be one of did, xai, veo (got %q)", c.AvatarProvider)
	}
	if !c.AvatarConfigured() {
		return fmt.Errorf("missing API key for avatar provider %q", c.AvatarProvider)
	}
	return nil
}

func (c *Config) validatePolling() error {
	if c.PollMaxWait <= 0 || c.PollBaseInterval <= 0 {
		return fmt.Errorf("POLL_MAX_WAIT and POLL_BASE_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "2m") or plain seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
