package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type RenderStatus string

const (
	RenderStatusQueued     RenderStatus = "queued"
	RenderStatusSubmitting RenderStatus = "submitting"
	RenderStatusPolling    RenderStatus = "polling"
	RenderStatusCompleted  RenderStatus = "completed"
	RenderStatusFailed     RenderStatus = "failed"
)

// Terminal reports whether no further work will happen for the render.
func (s RenderStatus) Terminal() bool {
	return s == RenderStatusCompleted || s == RenderStatusFailed
}

// Valid reports whether s is a known status.
func (s RenderStatus) Valid() bool {
	switch s {
	case RenderStatusQueued, RenderStatusSubmitting, RenderStatusPolling, RenderStatusCompleted, RenderStatusFailed:
		return true
	}
	return false
}

// Avatar providers
const (
	ProviderDID = "did"
	ProviderXAI = "xai"
	ProviderVeo = "veo"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(raw, j)
}

// Render is one talking-avatar video request and its lifecycle.
type Render struct {
	ID               uuid.UUID    `json:"id"`
	Provider         string       `json:"provider"`
	Script           string       `json:"script"`
	SourceURL        string       `json:"source_url"`
	VoiceID          *string      `json:"voice_id,omitempty"`
	UseSpeech        bool         `json:"use_speech"` // synthesize speech first and animate that audio
	Status           RenderStatus `json:"status"`
	RemoteJobID      *string      `json:"remote_job_id,omitempty"`
	ResultURL        *string      `json:"result_url,omitempty"`
	VideoStoragePath *string      `json:"video_storage_path,omitempty"`
	AudioStoragePath *string      `json:"audio_storage_path,omitempty"`
	ErrorCode        *string      `json:"error_code,omitempty"`
	ErrorMessage     *string      `json:"error_message,omitempty"`
	Attempts         int          `json:"attempts"`
	Metadata         JSONB        `json:"metadata,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// DTOs for API requests and responses

type CreateRenderRequest struct {
	Script    string  `json:"script"`
	SourceURL *string `json:"source_url,omitempty"` // Default: env AVATAR_SOURCE_URL
	Provider  *string `json:"provider,omitempty"`   // Default: env AVATAR_PROVIDER
	VoiceID   *string `json:"voice_id,omitempty"`   // Provider voice for text scripts
	UseSpeech *bool   `json:"use_speech,omitempty"` // Default: true when TTS and storage are configured
}

type CreateRenderResponse struct {
	RenderID uuid.UUID    `json:"render_id"`
	Status   RenderStatus `json:"status"`
}

// RenderResponse adds a playable URL: the mirrored copy when present,
// otherwise the provider's result URL.
type RenderResponse struct {
	Render
	VideoURL *string `json:"video_url,omitempty"`
	AudioURL *string `json:"audio_url,omitempty"`
}

type ListRendersResponse struct {
	Renders []Render `json:"renders"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}
