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

	"github.com/bobarin/avatarcast/internal/jobs"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video
// Image-to-video generation: the portrait is the first frame and the prompt
// asks for the subject to deliver the script to camera. Output is silent.
// ---------------------------------------------------------------------------

const (
	xaiProviderName      = "xai"
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiMinDuration       = 1  // xAI minimum video duration
	xaiMaxDuration       = 15 // xAI maximum video duration
	xaiDefaultAspect     = "9:16"
	xaiDefaultResolution = "720p" // 720p or 480p supported
	xaiWordsPerSecond    = 2.5    // narration pace used to size the clip
)

// XAIVideoService handles avatar video generation via xAI's Grok Imagine Video API.
type XAIVideoService struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ VideoGenerator = (*XAIVideoService)(nil)

// NewXAIVideoService creates a new xAI video generation service.
func NewXAIVideoService(apiKey string) *XAIVideoService {
	return &XAIVideoService{
		apiKey:  apiKey,
		baseURL: xaiBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Timeout for individual HTTP calls, not the full poll cycle
		},
	}
}

func (s *XAIVideoService) Name() string        { return xaiProviderName }
func (s *XAIVideoService) SupportsAudio() bool { return false }

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the unified response from GET /v1/videos/{request_id}.
//
// xAI returns different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"grok-imagine-video"}
//     (no "status" field when completed)
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// buildXAIAvatarPrompt turns the spoken script into a motion prompt.
func buildXAIAvatarPrompt(script string) string {
	return fmt.Sprintf(`The person in the image looks directly into the camera and speaks warmly, as if saying: "%s"

Natural lip and jaw movement, subtle head motion, occasional blinks and friendly expressions. Keep the framing, lighting and background from the input image. Silent video only, no generated audio.`, script)
}

// scriptDuration sizes the clip to the narration, clamped to xAI's range.
func scriptDuration(script string) int {
	words := len(strings.Fields(script))
	secs := int(float64(words)/xaiWordsPerSecond + 0.999)
	if secs < xaiMinDuration {
		secs = xaiMinDuration
	}
	if secs > xaiMaxDuration {
		secs = xaiMaxDuration
	}
	return secs
}

// Submit sends the generation request and returns the request_id.
func (s *XAIVideoService) Submit(ctx context.Context, avatar *AvatarRequest) (string, error) {
	if err := checkAvatarRequest(xaiProviderName, avatar); err != nil {
		return "", err
	}

	reqBody := xaiGenerationRequest{
		Prompt:      buildXAIAvatarPrompt(avatar.Script),
		Model:       xaiVideoModel,
		Image:       &xaiImageInput{URL: avatar.SourceURL},
		Duration:    scriptDuration(avatar.Script),
		AspectRatio: xaiDefaultAspect,
		Resolution:  xaiDefaultResolution,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", &jobs.SubmissionError{Provider: xaiProviderName, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", &jobs.SubmissionError{Provider: xaiProviderName, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	log.Printf("[xAI Video] Starting avatar generation (scriptLen=%d, duration=%ds)", len(avatar.Script), reqBody.Duration)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &jobs.SubmissionError{Provider: xaiProviderName, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &jobs.SubmissionError{Provider: xaiProviderName, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", &jobs.SubmissionError{Provider: xaiProviderName, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", &jobs.SubmissionError{Provider: xaiProviderName, StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("failed to parse generation response: %w", err)}
	}

	if genResp.RequestID == "" {
		return "", &jobs.SubmissionError{Provider: xaiProviderName, StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("no request_id in generation response")}
	}

	log.Printf("[xAI Video] Generation submitted, request_id=%s", genResp.RequestID)
	return genResp.RequestID, nil
}

// FetchStatus fetches GET /v1/videos/{request_id} and normalizes it.
func (s *XAIVideoService) FetchStatus(ctx context.Context, requestID string) (*jobs.Status, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", s.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// xAI returns 202 with {"status":"pending"} while the video is being generated.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(body))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w (body: %s)", err, string(body))
	}

	return normalizeXAIResult(&result)
}

// normalizeXAIResult maps both xAI response shapes onto a canonical status.
// A completed response has no status field, only a video object.
func normalizeXAIResult(result *xaiVideoResult) (*jobs.Status, error) {
	switch strings.ToLower(result.Status) {
	case "":
		if result.Video == nil {
			return nil, &jobs.UnknownStatusError{Provider: xaiProviderName, Status: ""}
		}
		return &jobs.Status{State: jobs.StateDone, ResultRef: result.Video.URL}, nil
	case "done", "completed":
		st := &jobs.Status{State: jobs.StateDone}
		if result.Video != nil {
			st.ResultRef = result.Video.URL
		}
		return st, nil
	case "pending", "queued":
		return &jobs.Status{State: jobs.StatePending}, nil
	case "processing", "in_progress":
		return &jobs.Status{State: jobs.StateProcessing}, nil
	case "failed", "expired":
		return &jobs.Status{State: jobs.StateError, ErrorDetail: result.Error}, nil
	}
	return nil, &jobs.UnknownStatusError{Provider: xaiProviderName, Status: result.Status}
}

// Download fetches the video bytes from the returned URL.
func (s *XAIVideoService) Download(ctx context.Context, videoURL string) ([]byte, error) {
	data, _, err := downloadURL(ctx, videoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	log.Printf("[xAI Video] Video downloaded successfully (%d bytes)", len(data))
	return data, nil
}
