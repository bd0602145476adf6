package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/store"
	"github.com/makeasinger/video-service/internal/task"
)

func manifestKey(jobID string) string {
	return fmt.Sprintf("videos/%s/manifest.json", jobID)
}

// HandleStitch assembles the manifest from the job's ready chunks, persists
// the result record, and completes the job. The handler is re-runnable: a
// redelivery after a partial run picks up the existing result instead of
// creating a second one.
func (w *PipelineWorker) HandleStitch(ctx context.Context, t *asynq.Task) error {
	var payload task.JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid stitch payload: %w", asynq.SkipRetry)
	}

	job, proceed, err := w.preflight(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	notReady, err := w.store.CountChunksNotReady(ctx, job.ID)
	if err != nil {
		return err
	}
	if notReady > 0 {
		// Stale message; a chunk was retried back after the guard was won.
		w.log.Warnw("stitch message with chunks still pending", "jobId", job.ID, "notReady", notReady)
		return nil
	}

	chunks, err := w.store.ListChunks(ctx, job.ID)
	if err != nil {
		return err
	}

	manifest := buildManifest(job, chunks)

	key := manifestKey(job.ID)
	manifestURL := ""
	if w.storage != nil {
		manifestURL, err = w.storage.UploadJSON(ctx, key, manifest)
		if err != nil {
			return fmt.Errorf("failed to upload manifest for job %s: %w", job.ID, err)
		}
	}

	result, err := w.store.GetResultByJob(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		result = &model.VideoResult{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			ManifestKey: key,
			ManifestURL: manifestURL,
			DurationMs:  job.TotalDurationMs,
			ChunkCount:  len(chunks),
		}
		if err := w.store.CreateResult(ctx, result); err != nil {
			return err
		}
	}

	ok, err := w.store.TryJobTransition(ctx, job.ID,
		[]model.JobStatus{model.JobStatusProcessing},
		model.JobStatusCompleted,
		map[string]interface{}{
			"progress":  100,
			"result_id": result.ID,
		})
	if err != nil {
		return err
	}
	if !ok {
		// The job left processing while we stitched (a cancel raced in).
		w.log.Warnw("job not in processing at stitch completion", "jobId", job.ID)
		return nil
	}

	w.log.Infow("job completed", "jobId", job.ID, "chunks", len(chunks), "manifestKey", key)
	w.hub.BroadcastComplete(job.ID, result)
	return nil
}

func buildManifest(job *model.Job, chunks []model.Chunk) *model.Manifest {
	segments := make([]model.ManifestSegment, 0, len(chunks))
	for _, chunk := range chunks {
		seg := model.ManifestSegment{
			Index:      chunk.ChunkIndex,
			StartMs:    chunk.StartMs,
			EndMs:      chunk.EndMs,
			DurationMs: chunk.DurationMs,
		}
		if chunk.VideoURL != nil {
			seg.VideoURL = *chunk.VideoURL
		}
		if chunk.SceneImageURL != nil {
			seg.SceneImageURL = *chunk.SceneImageURL
		}
		seg.Placeholder = chunk.Meta.Data().PlaceholderVideo
		segments = append(segments, seg)
	}

	return &model.Manifest{
		JobID:           job.ID,
		TotalDurationMs: job.TotalDurationMs,
		AspectRatio:     job.AspectRatio,
		AudioURL:        job.AudioURL,
		Segments:        segments,
		CreatedAt:       time.Now(),
	}
}
