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
// D-ID Talks
// Animates a portrait image so it speaks a script. The script is either text
// (voiced by a D-ID speech provider) or a URL to pre-synthesized audio.
// ---------------------------------------------------------------------------

const (
	didProviderName   = "did"
	didDefaultBaseURL = "https://api.d-id.com"
	didDefaultVoice   = "en-US-JennyNeural"
	didVoiceProvider  = "microsoft"
)

// DIDService handles talking-avatar generation via the D-ID Talks API.
type DIDService struct {
	apiKey     string
	baseURL    string
	voiceID    string
	httpClient *http.Client
}

var _ VideoGenerator = (*DIDService)(nil)

// NewDIDService creates a D-ID client. Empty baseURL or voiceID use defaults.
func NewDIDService(apiKey, baseURL, voiceID string) *DIDService {
	if baseURL == "" {
		baseURL = didDefaultBaseURL
	}
	if voiceID == "" {
		voiceID = didDefaultVoice
	}
	return &DIDService{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		voiceID: voiceID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
	}
}

func (s *DIDService) Name() string        { return didProviderName }
func (s *DIDService) SupportsAudio() bool { return true }

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// didTalkRequest is the body for POST /talks
type didTalkRequest struct {
	SourceURL string     `json:"source_url"`
	Script    didScript  `json:"script"`
	Config    *didConfig `json:"config,omitempty"`
}

type didScript struct {
	Type     string            `json:"type"` // "text" or "audio"
	Input    string            `json:"input,omitempty"`
	AudioURL string            `json:"audio_url,omitempty"`
	Provider *didVoiceSettings `json:"provider,omitempty"`
}

type didVoiceSettings struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

type didConfig struct {
	Stitch bool `json:"stitch"`
}

// didTalkResponse is the response from POST /talks
type didTalkResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// didTalkResult is the response from GET /talks/{id}.
//
//   - Queued:   {"status":"created"}
//   - Running:  {"status":"started"}
//   - Finished: {"status":"done","result_url":"https://..."}
//   - Failed:   {"status":"error","error":{"kind":"...","description":"..."}}
type didTalkResult struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	ResultURL string          `json:"result_url"`
	Error     json.RawMessage `json:"error,omitempty"`
}

func buildDIDTalkRequest(req *AvatarRequest, defaultVoice string) didTalkRequest {
	body := didTalkRequest{
		SourceURL: req.SourceURL,
		Config:    &didConfig{Stitch: true},
	}
	if req.AudioURL != "" {
		body.Script = didScript{Type: "audio", AudioURL: req.AudioURL}
		return body
	}

	voice := defaultVoice
	if req.VoiceID != "" {
		voice = req.VoiceID
	}
	body.Script = didScript{
		Type:     "text",
		Input:    req.Script,
		Provider: &didVoiceSettings{Type: didVoiceProvider, VoiceID: voice},
	}
	return body
}

// Submit creates a talk and returns its id.
func (s *DIDService) Submit(ctx context.Context, req *AvatarRequest) (string, error) {
	if err := checkAvatarRequest(didProviderName, req); err != nil {
		return "", err
	}

	jsonData, err := json.Marshal(buildDIDTalkRequest(req, s.voiceID))
	if err != nil {
		return "", &jobs.SubmissionError{Provider: didProviderName, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/talks", bytes.NewReader(jsonData))
	if err != nil {
		return "", &jobs.SubmissionError{Provider: didProviderName, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	log.Printf("[D-ID] Submitting talk (scriptLen=%d, audio=%v)", len(req.Script), req.AudioURL != "")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", &jobs.SubmissionError{Provider: didProviderName, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &jobs.SubmissionError{Provider: didProviderName, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", &jobs.SubmissionError{Provider: didProviderName, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var talk didTalkResponse
	if err := json.Unmarshal(body, &talk); err != nil {
		return "", &jobs.SubmissionError{Provider: didProviderName, StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if talk.ID == "" {
		return "", &jobs.SubmissionError{Provider: didProviderName, StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("no id in response")}
	}

	log.Printf("[D-ID] Talk submitted, id=%s", talk.ID)
	return talk.ID, nil
}

// FetchStatus queries GET /talks/{id} and normalizes the vendor status.
func (s *DIDService) FetchStatus(ctx context.Context, jobID string) (*jobs.Status, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/talks/%s", s.baseURL, jobID), nil)
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

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("D-ID returned status %d: %s", resp.StatusCode, string(body))
	}

	var result didTalkResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse talk status: %w (body: %s)", err, string(body))
	}

	state, err := normalizeDIDStatus(result.Status)
	if err != nil {
		return nil, err
	}

	status := &jobs.Status{State: state}
	switch state {
	case jobs.StateDone:
		status.ResultRef = result.ResultURL
	case jobs.StateError:
		status.ErrorDetail = describeDIDError(result.Error)
	}
	return status, nil
}

// Download fetches the rendered MP4 from the talk's result URL.
func (s *DIDService) Download(ctx context.Context, resultRef string) ([]byte, error) {
	data, _, err := downloadURL(ctx, resultRef)
	return data, err
}

// normalizeDIDStatus maps D-ID talk statuses onto the canonical job states.
func normalizeDIDStatus(status string) (jobs.State, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "created":
		return jobs.StatePending, nil
	case "started":
		return jobs.StateProcessing, nil
	case "done":
		return jobs.StateDone, nil
	case "error", "rejected":
		return jobs.StateError, nil
	}
	return "", &jobs.UnknownStatusError{Provider: didProviderName, Status: status}
}

// describeDIDError flattens D-ID's error payload into a single message.
// The payload is usually {"kind","description"} but may be a bare string.
func describeDIDError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var structured struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil && (structured.Kind != "" || structured.Description != "") {
		switch {
		case structured.Kind == "":
			return structured.Description
		case structured.Description == "":
			return structured.Kind
		default:
			return structured.Kind + ": " + structured.Description
		}
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return string(raw)
}
