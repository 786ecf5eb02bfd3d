package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// ElevenLabs text-to-speech
// Turns a chat reply or render script into an MP3 that talking-avatar
// providers can lip-sync to.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2"
	elevenLabsDefaultVoice = "1SM7GgM6IMuvQlz2BwM3"
	elevenLabsOutputFormat = "mp3_44100_128"
	elevenLabsMaxChars     = 5000 // per-request limit for the flash models
)

type ElevenLabsService struct {
	apiKey   string
	baseURL  string
	voiceID  string
	modelID  string
	settings elevenLabsVoiceSettings
	client   *http.Client
}

var _ TTSService = (*ElevenLabsService)(nil)

func (s *ElevenLabsService) Name() string { return "elevenlabs" }

// NewElevenLabsService creates an ElevenLabs TTS service.
// Empty voiceID or modelID fall back to the defaults.
func NewElevenLabsService(apiKey, voiceID, modelID string) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	if modelID == "" {
		modelID = elevenLabsDefaultModel
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		voiceID: voiceID,
		modelID: modelID,
		settings: elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			UseSpeakerBoost: true,
		},
		client: &http.Client{Timeout: 90 * time.Second},
	}
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// GenerateSpeech synthesizes text with the configured voice and model.
func (s *ElevenLabsService) GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	if n := utf8.RuneCountInString(text); n > elevenLabsMaxChars {
		return nil, fmt.Errorf("text is too long for ElevenLabs: %d characters (max %d)", n, elevenLabsMaxChars)
	}

	payload, err := json.Marshal(elevenLabsRequest{
		Text:          text,
		ModelID:       s.modelID,
		VoiceSettings: s.settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, s.voiceID, elevenLabsOutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", s.apiKey)

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ElevenLabs returned status %d: %s", resp.StatusCode, describeElevenLabsError(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ElevenLabs audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("ElevenLabs returned empty audio")
	}

	durationMs := estimateAudioDuration(text, 1.0)
	log.Printf("[ElevenLabs] %d chars -> %d bytes in %v (voice=%s, ~%dms audio)",
		len(text), len(audio), time.Since(started).Round(time.Millisecond), s.voiceID, durationMs)

	return &TTSResponse{
		AudioData:  audio,
		DurationMs: durationMs,
		Format:     "mp3",
	}, nil
}

// describeElevenLabsError pulls the message out of an error body. ElevenLabs
// sends "detail" either as a plain string or as {status, message}.
func describeElevenLabsError(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return truncateBody(body)
	}

	var text string
	if json.Unmarshal(envelope.Detail, &text) == nil {
		return text
	}
	var detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if json.Unmarshal(envelope.Detail, &detail) == nil && detail.Message != "" {
		if detail.Status != "" {
			return detail.Status + ": " + detail.Message
		}
		return detail.Message
	}
	return truncateBody(body)
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
