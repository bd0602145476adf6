package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"

	"github.com/makeasinger/video-service/internal/client"
	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/store"
	"github.com/makeasinger/video-service/internal/task"
)

// phase identifies which generation stage a failure belongs to; the retry
// counters and reset targets differ per phase.
type phase int

const (
	phaseScene phase = iota
	phaseVideo
)

// transientPatterns are the provider error fragments worth retrying.
// Anything else (quota, invalid request, content policy) is permanent.
var transientPatterns = []string{
	"internal error",
	"internal_error",
	"internal server error",
	"try again",
	"please retry",
	"temporarily unavailable",
	"service unavailable",
	"overloaded",
	"timed out",
	"timeout",
}

// isTransientProviderMessage classifies the error text a provider reported
// for a failed operation.
func isTransientProviderMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// isPermanentProviderError classifies an error returned by a generate call.
// Provider 4xx answers will not resolve on retry; 5xx answers and transient
// texts are worth redelivering. Transport errors are not provider answers
// at all and never count as permanent.
func isPermanentProviderError(err error) bool {
	var perr *client.ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	if perr.StatusCode >= 500 {
		return false
	}
	return !isTransientProviderMessage(perr.Message)
}

// handleStageFailure applies the retry policy to a failed provider
// operation: a transient failure within the retry budget resets the chunk
// to the prior ready state (clearing the stale operation id, bumping the
// counter) and schedules the generate stage again with exponential backoff;
// everything else is a permanent failure.
func (w *PipelineWorker) handleStageFailure(ctx context.Context, job *model.Job, chunk *model.Chunk, p phase, cause string) error {
	meta := chunk.Meta.Data()

	var (
		retries    int
		maxRetries int
		generating model.ChunkStatus
		prior      model.ChunkStatus
		opColumn   string
		stageName  string
	)
	switch p {
	case phaseScene:
		retries = meta.SceneRetries
		maxRetries = w.cfg.SceneMaxRetries
		generating = model.ChunkStatusSceneGenerating
		prior = model.ChunkStatusAudioReady
		opColumn = "scene_operation_id"
		stageName = "scene"
	case phaseVideo:
		retries = meta.VideoRetries
		maxRetries = w.cfg.VideoMaxRetries
		generating = model.ChunkStatusVideoGenerating
		prior = model.ChunkStatusSceneReady
		opColumn = "video_operation_id"
		stageName = "video"
	}

	if !isTransientProviderMessage(cause) || retries >= maxRetries {
		return w.failChunkPermanently(ctx, job, chunk,
			fmt.Sprintf("%s generation failed after %d retries: %s", stageName, retries, cause))
	}

	switch p {
	case phaseScene:
		meta.SceneRetries++
	case phaseVideo:
		meta.VideoRetries++
	}

	ok, err := w.store.TryTransition(ctx, chunk.ID,
		[]model.ChunkStatus{generating}, prior,
		map[string]interface{}{
			opColumn: nil,
			"meta":   datatypes.NewJSONType(meta),
		})
	if err != nil {
		return err
	}
	if !ok {
		// Someone else already moved the chunk; this delivery is done.
		return nil
	}

	backoff := time.Duration(w.cfg.RetryBaseSeconds) * time.Second << retries

	var retryTask *asynq.Task
	switch p {
	case phaseScene:
		retryTask, err = task.NewGenerateSceneTask(job.ID, chunk.ID)
	case phaseVideo:
		retryTask, err = task.NewGenerateVideoTask(job.ID, chunk.ID)
	}
	if err != nil {
		return err
	}
	if err := w.enqueue(retryTask, asynq.ProcessIn(backoff)); err != nil {
		return err
	}

	w.log.Warnw("transient provider failure, retry scheduled",
		"jobId", job.ID, "chunkId", chunk.ID, "stage", stageName,
		"retry", retries+1, "backoff", backoff, "cause", cause)
	return nil
}

// failChunkPermanently records a permanent failure on the chunk, runs the
// job-scope cleanup exactly once (the chunk's own failed transition is the
// guard), and fails the job. The returned error wraps asynq.SkipRetry so
// the queue acknowledges the message instead of redelivering a failure
// that cannot resolve.
func (w *PipelineWorker) failChunkPermanently(ctx context.Context, job *model.Job, chunk *model.Chunk, cause string) error {
	ok, err := w.store.TryTransition(ctx, chunk.ID,
		[]model.ChunkStatus{
			model.ChunkStatusPending,
			model.ChunkStatusAudioReady,
			model.ChunkStatusSceneGenerating,
			model.ChunkStatusSceneReady,
			model.ChunkStatusVideoGenerating,
		},
		model.ChunkStatusFailed,
		map[string]interface{}{"error": cause})
	if err != nil {
		return err
	}
	if !ok {
		// Already failed or finished through another delivery; the cleanup
		// ran (or will run) with that delivery.
		return nil
	}

	w.log.Errorw("chunk permanently failed", "jobId", job.ID, "chunkId", chunk.ID, "cause", cause)

	w.cleanupJob(ctx, job)

	jobErr := fmt.Sprintf("chunk %d failed: %s", chunk.ChunkIndex, cause)
	if _, err := w.store.MarkJobFailed(ctx, job.ID, jobErr); err != nil {
		w.log.Errorw("failed to mark job failed", "jobId", job.ID, "error", err)
	}
	w.hub.BroadcastError(job.ID, "GENERATION_FAILED", jobErr)

	return fmt.Errorf("chunk %s permanently failed: %s: %w", chunk.ID, cause, asynq.SkipRetry)
}

// HandleCleanup reaps a terminal job: it best-effort cancels the provider
// operations left open and deletes the stored manifest. Cancel enqueues it
// after flipping the job; the permanent-failure path runs the same sweep
// inline. The sweep is idempotent, so redelivery is harmless.
func (w *PipelineWorker) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	var p task.JobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Errorw("unreadable cleanup payload", "error", err)
		return nil
	}

	job, err := w.store.GetJob(ctx, p.JobID)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Warnw("dropping cleanup for missing job", "jobId", p.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		w.log.Debugw("dropping cleanup for running job", "jobId", job.ID, "status", job.Status)
		return nil
	}

	w.cleanupJob(ctx, job)
	return nil
}

// cancelAbandonedOperation best-effort cancels the provider operation a
// dropped poll message was tracking. Operations recorded after the job's
// cleanup sweep ran are reaped here.
func (w *PipelineWorker) cancelAbandonedOperation(ctx context.Context, job *model.Job, gen client.Generator, chunkID, operationID string) {
	if job == nil || job.Status != model.JobStatusCancelled || operationID == "" {
		return
	}
	if err := gen.Cancel(ctx, operationID); err != nil {
		w.log.Debugw("abandoned operation cancel failed",
			"jobId", job.ID, "chunkId", chunkID, "operationId", operationID, "error", err)
		return
	}
	w.log.Infow("abandoned operation cancelled",
		"jobId", job.ID, "chunkId", chunkID, "operationId", operationID)
}

// cleanupJob best-effort cancels every still-open provider operation for
// the job and deletes the manifest this service wrote to blob storage.
// Errors are logged and swallowed; cleanup must never mask the failure
// that triggered it.
func (w *PipelineWorker) cleanupJob(ctx context.Context, job *model.Job) {
	chunks, err := w.store.ListChunks(ctx, job.ID)
	if err != nil {
		w.log.Warnw("cleanup could not list chunks", "jobId", job.ID, "error", err)
		return
	}

	for i := range chunks {
		chunk := &chunks[i]
		if chunk.SceneOperationID != nil {
			if err := w.scene.Cancel(ctx, *chunk.SceneOperationID); err != nil {
				w.log.Debugw("scene cancel failed", "chunkId", chunk.ID, "error", err)
			}
		}
		if chunk.VideoOperationID != nil {
			if err := w.videoGeneratorFor(chunk).Cancel(ctx, *chunk.VideoOperationID); err != nil {
				w.log.Debugw("video cancel failed", "chunkId", chunk.ID, "error", err)
			}
		}
	}

	if w.storage != nil {
		if err := w.storage.Delete(ctx, manifestKey(job.ID)); err != nil {
			w.log.Debugw("manifest delete failed", "jobId", job.ID, "error", err)
		}
	}
}
