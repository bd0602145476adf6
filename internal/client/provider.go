package client

import (
	"context"
	"fmt"
)

// OperationState is the normalized lifecycle of an asynchronous provider
// operation. Adapters map each provider's raw status strings onto these;
// endpoint and status-string quirks stay inside the adapter.
type OperationState string

const (
	OperationPending   OperationState = "pending"
	OperationRunning   OperationState = "running"
	OperationSucceeded OperationState = "succeeded"
	OperationFailed    OperationState = "failed"
)

// Operation is a provider's handle for an in-flight generation call.
type Operation struct {
	ID       string
	State    OperationState
	Progress int
}

// OperationStatus is a point-in-time view of an in-flight operation.
type OperationStatus struct {
	State     OperationState
	OutputURL string
	Error     string
	Progress  int
}

// OperationResult is the final artifact of a succeeded operation.
type OperationResult struct {
	ContentURL  string
	ContentType string
	DurationMs  int64
}

// GenerateInput carries everything an adapter needs to start a generation.
// Adapters ignore the fields their provider family has no use for.
type GenerateInput struct {
	Prompt      string
	ImageURL    string
	AudioURL    string
	StartMs     int64
	DurationMs  int64
	AspectRatio string
}

// Generator is the contract every generation provider family implements:
// start an asynchronous operation, poll it, fetch its artifact, and
// best-effort cancel it.
type Generator interface {
	Generate(ctx context.Context, input *GenerateInput) (*Operation, error)
	GetStatus(ctx context.Context, operationID string) (*OperationStatus, error)
	GetResult(ctx context.Context, operationID string) (*OperationResult, error)
	Cancel(ctx context.Context, operationID string) error
	IsConfigured() bool
}

// ProviderError is a non-2xx or failed-status answer from a provider. The
// retry policy decides from Code/Message/StatusCode whether it is worth
// retrying.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error (status %d, code %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}
