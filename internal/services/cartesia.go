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
)

const (
	cartesiaAPIVersion     = "2024-06-10"
	cartesiaModel          = "sonic-english"
	cartesiaDefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// CartesiaService is the fallback TTS provider.
type CartesiaService struct {
	apiKey     string
	apiURL     string
	apiVersion string
	voiceID    string
	emotion    string
	client     *http.Client
}

// Ensure CartesiaService implements TTSService at compile time.
var _ TTSService = (*CartesiaService)(nil)

func (s *CartesiaService) Name() string { return "cartesia" }

// NewCartesiaService creates a Cartesia client. style is a free-form
// delivery hint ("calm and friendly") mapped to a Cartesia emotion.
func NewCartesiaService(apiKey, apiURL, voiceID, style string) *CartesiaService {
	if voiceID == "" {
		voiceID = cartesiaDefaultVoiceID
	}
	return &CartesiaService{
		apiKey:     apiKey,
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiVersion: cartesiaAPIVersion,
		voiceID:    voiceID,
		emotion:    parseEmotionFromStyle(style),
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

type cartesiaRequest struct {
	ModelID      string                    `json:"model_id"`
	Transcript   string                    `json:"transcript"`
	Voice        cartesiaVoiceSpecifier    `json:"voice"`
	Language     string                    `json:"language,omitempty"`
	OutputFormat cartesiaOutputFormat      `json:"output_format"`
	Config       *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpecifier struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Emotion string `json:"emotion,omitempty"` // e.g., "neutral", "excited", "calm"
}

// GenerateSpeech generates audio from text using Cartesia TTS.
func (s *CartesiaService) GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	reqBody := cartesiaRequest{
		ModelID:    cartesiaModel,
		Transcript: text,
		Voice:      cartesiaVoiceSpecifier{Mode: "id", ID: s.voiceID},
		Language:   "en",
		OutputFormat: cartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: 44100,
			BitRate:    128000,
		},
	}
	if s.emotion != "" && s.emotion != "neutral" {
		reqBody.Config = &cartesiaGenerationConfig{Emotion: s.emotion}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiURL+"/tts/bytes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cartesia-Version", s.apiVersion)

	log.Printf("[Cartesia] Generating speech (voiceID=%s, emotion=%s, textLen=%d)", s.voiceID, s.emotion, len(text))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cartesia returned status %d: %s", resp.StatusCode, string(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(text, 1.0),
		Format:     "mp3",
	}, nil
}

// cartesiaEmotions maps descriptive words to Cartesia emotions, checked in order.
var cartesiaEmotions = []struct{ keyword, emotion string }{
	{"energetic", "excited"},
	{"excited", "excited"},
	{"enthusias", "enthusiastic"},
	{"engaging", "enthusiastic"},
	{"friendly", "happy"},
	{"happy", "happy"},
	{"calm", "calm"},
	{"serious", "calm"},
	{"peaceful", "peaceful"},
	{"confident", "confident"},
	{"authoritative", "confident"},
	{"sad", "sad"},
}

// parseEmotionFromStyle extracts an emotion from a voice style instruction.
func parseEmotionFromStyle(style string) string {
	lower := strings.ToLower(style)
	for _, e := range cartesiaEmotions {
		if strings.Contains(lower, e.keyword) {
			return e.emotion
		}
	}
	return "neutral"
}
