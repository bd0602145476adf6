package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/video-service/internal/config"
)

// LipsyncClient implements Generator for the speech-to-video provider: it
// animates a scene image in sync with the chunk's audio slice. When it is
// not configured, or a call fails at the adapter level, the pipeline falls
// back to the silent image-to-video provider.
type LipsyncClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *zap.SugaredLogger
}

type lipsyncGenerateRequest struct {
	ImageURL    string `json:"image_url"`
	AudioURL    string `json:"audio_url"`
	StartMs     int64  `json:"start_ms"`
	DurationMs  int64  `json:"duration_ms"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// NewLipsyncClient creates a new speech-to-video provider client.
func NewLipsyncClient(cfg *config.LipsyncConfig, log *zap.SugaredLogger) *LipsyncClient {
	return &LipsyncClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		log:        log.Named("lipsync-client"),
	}
}

// Generate starts audio-synchronized video generation.
func (c *LipsyncClient) Generate(ctx context.Context, input *GenerateInput) (*Operation, error) {
	req := &lipsyncGenerateRequest{
		ImageURL:    input.ImageURL,
		AudioURL:    input.AudioURL,
		StartMs:     input.StartMs,
		DurationMs:  input.DurationMs,
		AspectRatio: input.AspectRatio,
	}
	var resp videoOperationResponse
	if err := c.post(ctx, "/v1/lipsync/generate", req, &resp); err != nil {
		return nil, err
	}
	return &Operation{
		ID:       resp.OperationID,
		State:    mapVideoState(resp.Status),
		Progress: resp.Progress,
	}, nil
}

// GetStatus reads the current state of an in-flight operation.
func (c *LipsyncClient) GetStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	var resp videoOperationResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/lipsync/operations/%s", operationID), &resp); err != nil {
		return nil, err
	}

	status := &OperationStatus{
		State:     mapVideoState(resp.Status),
		OutputURL: resp.VideoURL,
		Progress:  resp.Progress,
		Error:     resp.Error,
	}
	if status.State == OperationFailed && status.Error == "" {
		status.Error = resp.Status
	}
	return status, nil
}

// GetResult fetches the produced segment for a succeeded operation.
func (c *LipsyncClient) GetResult(ctx context.Context, operationID string) (*OperationResult, error) {
	var resp struct {
		VideoURL    string `json:"video_url"`
		ContentType string `json:"content_type"`
		DurationMs  int64  `json:"duration_ms"`
	}
	if err := c.get(ctx, fmt.Sprintf("/v1/lipsync/operations/%s/result", operationID), &resp); err != nil {
		return nil, err
	}
	return &OperationResult{
		ContentURL:  resp.VideoURL,
		ContentType: resp.ContentType,
		DurationMs:  resp.DurationMs,
	}, nil
}

// Cancel asks the provider to abandon an in-flight operation. Best effort.
func (c *LipsyncClient) Cancel(ctx context.Context, operationID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/lipsync/operations/%s/cancel", operationID), struct{}{}, &struct{}{})
}

// IsConfigured returns true if the client has valid configuration
func (c *LipsyncClient) IsConfigured() bool {
	return c.apiKey != ""
}

// post sends a POST request with JSON body
func (c *LipsyncClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *LipsyncClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *LipsyncClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debugw("provider request", "method", req.Method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{Provider: "lipsync", StatusCode: resp.StatusCode, Message: string(respBody)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Message != "" {
			perr.Code = envelope.Error.Code
			perr.Message = envelope.Error.Message
		}
		c.log.Warnw("provider error response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)
		return perr
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
