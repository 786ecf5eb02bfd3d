package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Per-attempt timeouts, independent of the caller's ctx
	uploadTimeout   = 180 * time.Second
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Storage is a Supabase Storage client. It hosts synthesized speech (so
// avatar providers can fetch it by URL) and mirrors finished videos.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	retryBase  time.Duration
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		retryBase:  baseRetryDelay,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// RenderPath returns the object path for a file belonging to a render.
func RenderPath(renderID uuid.UUID, filename string) string {
	return path.Join("renders", renderID.String(), filename)
}

func (s *Storage) objectURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)
}

// Upload stores data at objectPath, overwriting any existing object.
// Uses PUT with Content-Length and x-upsert; transient failures are retried.
func (s *Storage) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	_, err := s.withRetry(ctx, "Upload", objectPath, uploadTimeout, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, "PUT", s.objectURL(objectPath), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")
		return req, nil
	})
	return err
}

// Download fetches the object at objectPath.
func (s *Storage) Download(ctx context.Context, objectPath string) ([]byte, error) {
	return s.withRetry(ctx, "Download", objectPath, downloadTimeout, func(attemptCtx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(attemptCtx, "GET", s.objectURL(objectPath), nil)
	})
}

// withRetry runs one storage request with exponential backoff. newReq is
// called per attempt so request bodies are rewound. Returns the 2xx body.
func (s *Storage) withRetry(ctx context.Context, op, objectPath string, timeout time.Duration, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryDelay(attempt)
			log.Printf("[Storage] %s retry %d/%d for %s (waiting %v)...", op, attempt, maxRetries, objectPath, delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s cancelled: %w", strings.ToLower(op), ctx.Err())
			case <-time.After(delay):
			}
		}

		body, status, err := s.do(ctx, timeout, newReq)
		if err != nil {
			lastErr = fmt.Errorf("%s request failed: %w", strings.ToLower(op), err)
			if isRetryableError(err) {
				log.Printf("[Storage] %s attempt %d failed (retryable): %v", op, attempt+1, err)
				continue
			}
			return nil, lastErr
		}

		if status == http.StatusOK || status == http.StatusCreated {
			if attempt > 0 {
				log.Printf("[Storage] %s succeeded on attempt %d for %s", op, attempt+1, objectPath)
			}
			return body, nil
		}

		lastErr = fmt.Errorf("%s failed with status %d: %s", strings.ToLower(op), status, truncate(string(body), 200))
		if isRetryableStatus(status) {
			log.Printf("[Storage] %s attempt %d returned status %d (retryable)", op, attempt+1, status)
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return nil, lastErr
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", strings.ToLower(op), maxRetries+1, lastErr)
}

func (s *Storage) do(ctx context.Context, timeout time.Duration, newReq func(context.Context) (*http.Request, error)) ([]byte, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := newReq(attemptCtx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// GetPublicURL returns the public URL for an object in a public bucket.
func (s *Storage) GetPublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, objectPath)
}

// GetSignedURL creates a signed URL for temporary access.
func (s *Storage) GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, objectPath)

	body := fmt.Sprintf(`{"expiresIn": %d}`, expiresIn)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBufferString(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}
	if result.SignedURL == "" {
		return "", fmt.Errorf("signed URL response is empty")
	}

	// Supabase returns the path relative to /storage/v1
	return s.url + "/storage/v1" + result.SignedURL, nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^(attempt-1) + 0-25%
func (s *Storage) retryDelay(attempt int) time.Duration {
	delay := float64(s.retryBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
