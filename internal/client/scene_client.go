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

// SceneClient implements Generator for the scene-image provider. Scene
// generation turns a character reference image plus a prompt into a still
// keyframe for one chunk.
type SceneClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *zap.SugaredLogger
}

type sceneGenerateRequest struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type sceneOperationResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// NewSceneClient creates a new scene-image provider client.
func NewSceneClient(cfg *config.SceneConfig, log *zap.SugaredLogger) *SceneClient {
	return &SceneClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		log:        log.Named("scene-client"),
	}
}

// Generate starts scene-image generation and returns the operation handle.
func (c *SceneClient) Generate(ctx context.Context, input *GenerateInput) (*Operation, error) {
	req := &sceneGenerateRequest{
		Prompt:      input.Prompt,
		ImageURL:    input.ImageURL,
		AspectRatio: input.AspectRatio,
	}
	var resp sceneOperationResponse
	if err := c.post(ctx, "/v1/images/generate", req, &resp); err != nil {
		return nil, err
	}
	return &Operation{
		ID:       resp.OperationID,
		State:    c.mapState(resp.Status),
		Progress: resp.Progress,
	}, nil
}

// GetStatus reads the current state of an in-flight operation.
func (c *SceneClient) GetStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	var resp sceneOperationResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/images/operations/%s", operationID), &resp); err != nil {
		return nil, err
	}

	status := &OperationStatus{
		State:     c.mapState(resp.Status),
		OutputURL: resp.ImageURL,
		Progress:  resp.Progress,
		Error:     resp.Error,
	}
	if status.State == OperationFailed && status.Error == "" {
		status.Error = resp.Status
	}
	return status, nil
}

// GetResult fetches the produced image for a succeeded operation.
func (c *SceneClient) GetResult(ctx context.Context, operationID string) (*OperationResult, error) {
	var resp struct {
		ImageURL    string `json:"image_url"`
		ContentType string `json:"content_type"`
	}
	if err := c.get(ctx, fmt.Sprintf("/v1/images/operations/%s/result", operationID), &resp); err != nil {
		return nil, err
	}
	return &OperationResult{
		ContentURL:  resp.ImageURL,
		ContentType: resp.ContentType,
	}, nil
}

// Cancel asks the provider to abandon an in-flight operation. Best effort.
func (c *SceneClient) Cancel(ctx context.Context, operationID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/images/operations/%s/cancel", operationID), struct{}{}, &struct{}{})
}

// IsConfigured returns true if the client has valid configuration
func (c *SceneClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *SceneClient) mapState(raw string) OperationState {
	switch raw {
	case "pending", "queued", "submitted":
		return OperationPending
	case "running", "processing", "in_progress":
		return OperationRunning
	case "completed", "success", "succeeded":
		return OperationSucceeded
	case "failed", "error", "canceled", "cancelled":
		return OperationFailed
	default:
		return OperationRunning
	}
}

// post sends a POST request with JSON body
func (c *SceneClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
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
func (c *SceneClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *SceneClient) doRequest(req *http.Request, result interface{}) error {
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
		perr := &ProviderError{Provider: "scene", StatusCode: resp.StatusCode, Message: string(respBody)}
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
