package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/bobarin/avatarcast/internal/jobs"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Google Veo
// Uses the Google Gen AI SDK. The portrait is passed as the first frame and
// the prompt asks the subject to deliver the script. The long-running
// operation name is the job id; the shared poller drives it to completion.
// ---------------------------------------------------------------------------

const (
	veoProviderName = "veo"
	defaultVeoModel = "veo-3.1-generate-preview"
)

// VeoService handles avatar video generation via Google's Veo model.
type VeoService struct {
	client *genai.Client
	model  string
}

var _ VideoGenerator = (*VeoService)(nil)

// NewVeoService creates a new Veo video generation service.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoService(ctx context.Context, apiKey, model string) (*VeoService, error) {
	if model == "" {
		model = defaultVeoModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &VeoService{client: client, model: model}, nil
}

func (s *VeoService) Name() string        { return veoProviderName }
func (s *VeoService) SupportsAudio() bool { return false }

// buildVeoPrompt asks for a realistic talking-head take of the script.
func buildVeoPrompt(script string) string {
	return fmt.Sprintf(`The person in the image faces the camera and says: "%s"

Motion direction: natural lip sync with the spoken line, gentle head movement, relaxed blinking and warm, friendly expressions. Keep the camera static or with a barely perceptible push-in.

Keep the exact look of the input image: same face, clothing, lighting and background. Avoid morphing, sudden movements or style changes between frames.`, script)
}

// Submit downloads the portrait, starts a GenerateVideos operation and
// returns the operation name.
func (s *VeoService) Submit(ctx context.Context, req *AvatarRequest) (string, error) {
	if err := checkAvatarRequest(veoProviderName, req); err != nil {
		return "", err
	}

	imageData, mimeType, err := downloadURL(ctx, req.SourceURL)
	if err != nil {
		return "", &jobs.SubmissionError{Provider: veoProviderName, Err: fmt.Errorf("failed to fetch source image: %w", err)}
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   mimeType,
	}

	// Portrait 9:16 at 720p, people allowed in image-to-video mode
	config := &genai.GenerateVideosConfig{
		AspectRatio:      "9:16",
		Resolution:       "720p",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	prompt := buildVeoPrompt(req.Script)
	log.Printf("[Veo] Starting video generation (model=%s, scriptLen=%d, imageSize=%d bytes)", s.model, len(req.Script), len(imageData))

	operation, err := s.client.Models.GenerateVideos(ctx, s.model, prompt, firstFrame, config)
	if err != nil {
		return "", &jobs.SubmissionError{Provider: veoProviderName, Err: fmt.Errorf("failed to start video generation: %w", err)}
	}
	if operation == nil || operation.Name == "" {
		return "", &jobs.SubmissionError{Provider: veoProviderName, Err: fmt.Errorf("no operation name returned")}
	}

	log.Printf("[Veo] Operation started: %s", operation.Name)
	return operation.Name, nil
}

// FetchStatus refreshes the operation by name.
func (s *VeoService) FetchStatus(ctx context.Context, operationName string) (*jobs.Status, error) {
	operation, err := s.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: operationName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return veoStatusFromOperation(operation), nil
}

// veoStatusFromOperation maps a long-running operation onto a canonical
// status. Operations only report done or not done, so there is no pending
// state and no unknown vendor status.
func veoStatusFromOperation(operation *genai.GenerateVideosOperation) *jobs.Status {
	if operation == nil || !operation.Done {
		return &jobs.Status{State: jobs.StateProcessing}
	}

	// Operation-level errors (e.g. invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		detail := ""
		if msg, ok := operation.Error["message"].(string); ok {
			detail = msg
		} else {
			errJSON, _ := json.Marshal(operation.Error)
			detail = string(errJSON)
		}
		return &jobs.Status{State: jobs.StateError, ErrorDetail: detail}
	}

	resp := operation.Response
	if resp == nil {
		return &jobs.Status{State: jobs.StateDone}
	}

	// Videos blocked by RAI (Responsible AI) safety filters
	if resp.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(resp.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(resp.RAIMediaFilteredReasons, ", ")
		}
		return &jobs.Status{
			State:       jobs.StateError,
			ErrorDetail: fmt.Sprintf("video blocked by safety filters: %d filtered, reasons: %s", resp.RAIMediaFilteredCount, reasons),
		}
	}

	if len(resp.GeneratedVideos) == 0 || resp.GeneratedVideos[0].Video == nil {
		return &jobs.Status{State: jobs.StateDone}
	}
	return &jobs.Status{State: jobs.StateDone, ResultRef: resp.GeneratedVideos[0].Video.URI}
}

// Download fetches the generated video through the Files API.
func (s *VeoService) Download(ctx context.Context, videoURI string) ([]byte, error) {
	downloadURI := genai.NewDownloadURIFromVideo(&genai.Video{URI: videoURI})
	videoBytes, err := s.client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	log.Printf("[Veo] Video downloaded (%d bytes)", len(videoBytes))
	return videoBytes, nil
}
