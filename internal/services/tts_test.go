package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElevenLabsService_GenerateSpeech(t *testing.T) {
	var (
		seenPath   string
		seenFormat string
		seenKey    string
		seenBody   elevenLabsRequest
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenFormat = r.URL.Query().Get("output_format")
		seenKey = r.Header.Get("xi-api-key")
		_ = json.NewDecoder(r.Body).Decode(&seenBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	}))
	defer ts.Close()

	svc := NewElevenLabsService("el-key", "", "")
	svc.baseURL = ts.URL

	resp, err := svc.GenerateSpeech(context.Background(), "Gamarjoba and welcome to Tbilisi")

	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), resp.AudioData)
	assert.Equal(t, "mp3", resp.Format)
	assert.Greater(t, resp.DurationMs, 0)
	assert.Equal(t, "/v1/text-to-speech/"+elevenLabsDefaultVoice, seenPath)
	assert.Equal(t, "mp3_44100_128", seenFormat)
	assert.Equal(t, "el-key", seenKey)
	assert.Equal(t, "eleven_flash_v2", seenBody.ModelID)
}

func TestElevenLabsService_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/text-to-speech/empty" {
			return
		}
		http.Error(w, `{"detail":"invalid_api_key"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	svc := NewElevenLabsService("bad", "v1", "")
	svc.baseURL = ts.URL
	_, err := svc.GenerateSpeech(context.Background(), "hi")
	require.ErrorContains(t, err, "status 401")

	svc = NewElevenLabsService("k", "empty", "")
	svc.baseURL = ts.URL
	_, err = svc.GenerateSpeech(context.Background(), "hi")
	require.ErrorContains(t, err, "empty audio")

	_, err = svc.GenerateSpeech(context.Background(), "")
	require.Error(t, err)
}

func TestElevenLabsService_RejectsOversizedText(t *testing.T) {
	svc := NewElevenLabsService("k", "", "")
	svc.baseURL = "http://127.0.0.1:0"
	_, err := svc.GenerateSpeech(context.Background(), strings.Repeat("a", elevenLabsMaxChars+1))
	require.ErrorContains(t, err, "too long")
}

func TestDescribeElevenLabsError(t *testing.T) {
	assert.Equal(t, "invalid_api_key", describeElevenLabsError([]byte(`{"detail":"invalid_api_key"}`)))
	assert.Equal(t, "quota_exceeded: out of credits",
		describeElevenLabsError([]byte(`{"detail":{"status":"quota_exceeded","message":"out of credits"}}`)))
	assert.Equal(t, "Bad Gateway", describeElevenLabsError([]byte("Bad Gateway\n")))
}

func TestCartesiaService_GenerateSpeech(t *testing.T) {
	var (
		seenBody    cartesiaRequest
		seenVersion string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tts/bytes", r.URL.Path)
		seenVersion = r.Header.Get("Cartesia-Version")
		_ = json.NewDecoder(r.Body).Decode(&seenBody)
		_, _ = w.Write([]byte("mp3"))
	}))
	defer ts.Close()

	svc := NewCartesiaService("ck", ts.URL+"/", "", "calm and friendly")
	resp, err := svc.GenerateSpeech(context.Background(), "Hello there")

	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), resp.AudioData)
	assert.Equal(t, cartesiaAPIVersion, seenVersion)
	assert.Equal(t, cartesiaDefaultVoiceID, seenBody.Voice.ID)
	require.NotNil(t, seenBody.Config)
	assert.Equal(t, "happy", seenBody.Config.Emotion)
}

func TestParseEmotionFromStyle(t *testing.T) {
	assert.Equal(t, "excited", parseEmotionFromStyle("Energetic and loud"))
	assert.Equal(t, "calm", parseEmotionFromStyle("calm"))
	assert.Equal(t, "neutral", parseEmotionFromStyle(""))
}

func TestEstimateAudioDuration(t *testing.T) {
	assert.Equal(t, 0, estimateAudioDuration("", 1))
	// 150 words at 1.0x is one minute.
	text := ""
	for i := 0; i < 150; i++ {
		text += "word "
	}
	assert.Equal(t, 60000, estimateAudioDuration(text, 1))
	assert.Equal(t, 60000, estimateAudioDuration(text, 0))
}
