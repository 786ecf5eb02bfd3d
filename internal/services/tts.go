package services

import (
	"context"
	"strings"
)

// ---------------------------------------------------------------------------
// TTSService: common interface for text-to-speech providers
// Both ElevenLabs and Cartesia implement this interface so the worker and
// the chat pipeline can use whichever is configured.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int
	Format     string // "mp3", "wav", etc.
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	// Name identifies the provider ("elevenlabs", "cartesia").
	Name() string

	// GenerateSpeech converts text to audio using the provider's configured voice.
	GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error)
}

// estimateAudioDuration estimates duration based on text length and speed.
// Conversational speech runs at roughly 150 words per minute.
func estimateAudioDuration(text string, speed float64) int {
	if speed <= 0 {
		speed = 1.0
	}
	words := len(strings.Fields(text))
	minutes := float64(words) / (150.0 * speed)
	return int(minutes * 60 * 1000)
}
