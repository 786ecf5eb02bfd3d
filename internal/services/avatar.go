package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bobarin/avatarcast/internal/jobs"
)

// ---------------------------------------------------------------------------
// Talking-avatar video generation
// Every provider follows the same deferred pattern: submit a job, poll its
// status by id, then download the finished video from the result locator.
// ---------------------------------------------------------------------------

// AvatarRequest is the payload for a talking-avatar job.
type AvatarRequest struct {
	Script    string // what the avatar says
	SourceURL string // publicly reachable portrait image
	VoiceID   string // provider voice for text scripts (empty = provider default)
	AudioURL  string // pre-synthesized speech; replaces the text script where supported
}

// VideoGenerator is a remote talking-avatar service.
type VideoGenerator interface {
	jobs.Backend[*AvatarRequest]

	// Name identifies the provider ("did", "xai", "veo").
	Name() string

	// SupportsAudio reports whether AudioURL is honoured.
	SupportsAudio() bool

	// Download fetches the finished video from a result locator.
	Download(ctx context.Context, resultRef string) ([]byte, error)
}

// checkAvatarRequest performs the presence checks shared by all providers.
func checkAvatarRequest(provider string, req *AvatarRequest) error {
	if req == nil {
		return &jobs.SubmissionError{Provider: provider, Err: fmt.Errorf("request is nil")}
	}
	if req.Script == "" && req.AudioURL == "" {
		return &jobs.SubmissionError{Provider: provider, Err: fmt.Errorf("script is required")}
	}
	if req.SourceURL == "" {
		return &jobs.SubmissionError{Provider: provider, Err: fmt.Errorf("source url is required")}
	}
	return nil
}

// downloadURL fetches the body at url with a long per-request timeout.
func downloadURL(ctx context.Context, url string) ([]byte, string, error) {
	// Use a longer timeout for video download (videos can be large)
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read download body: %w", err)
	}

	if len(data) == 0 {
		return nil, "", fmt.Errorf("downloaded file is empty (0 bytes)")
	}

	return data, resp.Header.Get("Content-Type"), nil
}
