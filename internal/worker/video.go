package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"

	"github.com/makeasinger/video-service/internal/client"
	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/pool"
	"github.com/makeasinger/video-service/internal/task"
)

// HandleGenerateVideo starts video generation for one chunk from its scene
// image. Chunks below the minimum generation length skip the external call
// entirely: the scene image stands in for the segment. The render pool
// bounds how many provider calls this process has in flight.
func (w *PipelineWorker) HandleGenerateVideo(ctx context.Context, t *asynq.Task) error {
	var p task.ChunkPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Errorw("unreadable generate-video payload", "error", err)
		return nil
	}

	job, proceed, err := w.preflight(ctx, p.JobID)
	if err != nil || !proceed {
		return err
	}
	chunk, proceed, err := w.chunkFor(ctx, p.JobID, p.ChunkID)
	if err != nil || !proceed {
		return err
	}

	if chunk.DurationMs < w.cfg.MinVideoChunkMs {
		return w.completeShortChunk(ctx, job, chunk)
	}

	ok, err := w.store.TryTransition(ctx, chunk.ID,
		[]model.ChunkStatus{model.ChunkStatusSceneReady},
		model.ChunkStatusVideoGenerating, nil)
	if err != nil {
		return err
	}
	if !ok {
		w.log.Debugw("video stage already claimed", "jobId", job.ID, "chunkId", chunk.ID)
		return nil
	}

	sceneURL := ""
	if chunk.SceneImageURL != nil {
		sceneURL = *chunk.SceneImageURL
	}
	// Chunks may carry a pre-sliced audio URL; otherwise the provider
	// slices the full track from the chunk's start offset.
	audioURL := job.AudioURL
	startMs := chunk.StartMs
	if chunk.AudioURL != nil {
		audioURL = *chunk.AudioURL
		startMs = 0
	}
	input := &client.GenerateInput{
		Prompt:      job.Prompt,
		ImageURL:    sceneURL,
		AudioURL:    audioURL,
		StartMs:     startMs,
		DurationMs:  chunk.DurationMs,
		AspectRatio: job.AspectRatio,
	}

	// Prefer the audio-synchronized provider when deployed; fall back to
	// the silent image-to-video provider if its call fails outright.
	provider := "video"
	var op *client.Operation
	acquireTimeout := w.renderAcquireTimeout()
	err = w.pool.Execute(ctx, acquireTimeout, func(ctx context.Context) error {
		var gerr error
		if w.lipsync != nil && w.lipsync.IsConfigured() {
			provider = "lipsync"
			op, gerr = w.lipsync.Generate(ctx, input)
			if gerr == nil {
				return nil
			}
			w.log.Warnw("lipsync generate failed, falling back to silent video",
				"jobId", job.ID, "chunkId", chunk.ID, "error", gerr)
			provider = "video"
		}
		op, gerr = w.video.Generate(ctx, input)
		return gerr
	})
	if err != nil {
		if errors.Is(err, pool.ErrAcquireTimeout) {
			w.releaseClaim(ctx, chunk.ID, model.ChunkStatusVideoGenerating, model.ChunkStatusSceneReady, "video_operation_id")
			return fmt.Errorf("render pool congested for chunk %s: %w", chunk.ID, err)
		}
		if isPermanentProviderError(err) {
			return w.failChunkPermanently(ctx, job, chunk, fmt.Sprintf("video generation rejected: %v", err))
		}
		w.releaseClaim(ctx, chunk.ID, model.ChunkStatusVideoGenerating, model.ChunkStatusSceneReady, "video_operation_id")
		return fmt.Errorf("video generate call failed for chunk %s: %w", chunk.ID, err)
	}

	meta := chunk.Meta.Data()
	meta.VideoProvider = provider
	if _, err := w.store.TryTransition(ctx, chunk.ID,
		[]model.ChunkStatus{model.ChunkStatusVideoGenerating},
		model.ChunkStatusVideoGenerating,
		map[string]interface{}{
			"video_operation_id": op.ID,
			"meta":               datatypes.NewJSONType(meta),
		}); err != nil {
		return err
	}

	pollTask, err := task.NewPollVideoTask(job.ID, chunk.ID, op.ID, 1)
	if err != nil {
		return err
	}
	if err := w.enqueue(pollTask, asynq.ProcessIn(w.videoPollInterval())); err != nil {
		return err
	}

	w.log.Infow("video generation started",
		"jobId", job.ID, "chunkId", chunk.ID, "provider", provider, "operationId", op.ID)
	w.publishProgress(ctx, job)
	return nil
}

// HandlePollVideo checks one video operation and, when the last chunk turns
// ready, triggers stitching through the single-shot job guard.
func (w *PipelineWorker) HandlePollVideo(ctx context.Context, t *asynq.Task) error {
	var p task.PollPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Errorw("unreadable poll-video payload", "error", err)
		return nil
	}

	job, proceed, err := w.preflight(ctx, p.JobID)
	if err != nil {
		return err
	}
	if !proceed {
		if job != nil && job.Status == model.JobStatusCancelled {
			// The owning adapter depends on chunk metadata; fall back to
			// the silent provider when the chunk row is gone.
			gen := client.Generator(w.video)
			if c, cerr := w.store.GetChunk(ctx, p.ChunkID); cerr == nil {
				gen = w.videoGeneratorFor(c)
			}
			w.cancelAbandonedOperation(ctx, job, gen, p.ChunkID, p.OperationID)
		}
		return nil
	}
	chunk, proceed, err := w.chunkFor(ctx, p.JobID, p.ChunkID)
	if err != nil || !proceed {
		return err
	}

	if chunk.Status != model.ChunkStatusVideoGenerating {
		w.log.Debugw("poll-video for already advanced chunk", "chunkId", chunk.ID, "status", chunk.Status)
		return nil
	}
	if chunk.VideoOperationID == nil || *chunk.VideoOperationID != p.OperationID {
		w.log.Debugw("stale video operation, dropping poll", "chunkId", chunk.ID, "operationId", p.OperationID)
		return nil
	}

	gen := w.videoGeneratorFor(chunk)
	status, err := gen.GetStatus(ctx, p.OperationID)
	if err != nil {
		return fmt.Errorf("video status check failed for chunk %s: %w", chunk.ID, err)
	}

	switch status.State {
	case client.OperationSucceeded:
		url := status.OutputURL
		if url == "" {
			result, err := gen.GetResult(ctx, p.OperationID)
			if err != nil {
				return fmt.Errorf("video result fetch failed for chunk %s: %w", chunk.ID, err)
			}
			url = result.ContentURL
		}

		ok, err := w.store.TryTransition(ctx, chunk.ID,
			[]model.ChunkStatus{model.ChunkStatusVideoGenerating},
			model.ChunkStatusVideoReady,
			map[string]interface{}{
				"video_url":          url,
				"video_operation_id": nil,
			})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		w.log.Infow("video segment ready", "jobId", job.ID, "chunkId", chunk.ID)
		w.publishProgress(ctx, job)
		return w.maybeStitch(ctx, job)

	case client.OperationFailed:
		return w.handleStageFailure(ctx, job, chunk, phaseVideo, status.Error)

	default:
		if p.Attempt >= w.cfg.VideoPollMaxAttempts {
			return w.failChunkPermanently(ctx, job, chunk,
				fmt.Sprintf("video generation timed out after %d poll attempts", p.Attempt))
		}
		next, err := task.NewPollVideoTask(job.ID, chunk.ID, p.OperationID, p.Attempt+1)
		if err != nil {
			return err
		}
		return w.enqueue(next, asynq.ProcessIn(w.videoPollInterval()))
	}
}

// completeShortChunk marks a below-threshold chunk ready with the scene
// image as its segment. This is an accepted degradation for sub-second
// leftovers at the end of a song, not a failure.
func (w *PipelineWorker) completeShortChunk(ctx context.Context, job *model.Job, chunk *model.Chunk) error {
	sceneURL := ""
	if chunk.SceneImageURL != nil {
		sceneURL = *chunk.SceneImageURL
	}
	meta := chunk.Meta.Data()
	meta.PlaceholderVideo = true
	meta.Note = fmt.Sprintf("chunk of %dms is below the %dms generation minimum; scene image used as segment",
		chunk.DurationMs, w.cfg.MinVideoChunkMs)

	ok, err := w.store.TryTransition(ctx, chunk.ID,
		[]model.ChunkStatus{model.ChunkStatusSceneReady},
		model.ChunkStatusVideoReady,
		map[string]interface{}{
			"video_url": sceneURL,
			"meta":      datatypes.NewJSONType(meta),
		})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	w.log.Infow("short chunk completed with scene placeholder",
		"jobId", job.ID, "chunkId", chunk.ID, "durationMs", chunk.DurationMs)
	w.publishProgress(ctx, job)
	return w.maybeStitch(ctx, job)
}

// maybeStitch enqueues the stitch stage when every chunk is ready. The
// stitching flag is a single-shot guard: of any number of workers that
// observe the all-ready condition at once, exactly one enqueues.
func (w *PipelineWorker) maybeStitch(ctx context.Context, job *model.Job) error {
	notReady, err := w.store.CountChunksNotReady(ctx, job.ID)
	if err != nil {
		return err
	}
	if notReady > 0 {
		return nil
	}

	won, err := w.store.TryMarkStitching(ctx, job.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	stitchTask, err := task.NewStitchTask(job.ID)
	if err != nil {
		return err
	}
	if err := w.enqueue(stitchTask); err != nil {
		// Give the guard back so the next all-ready observer can retry.
		if resetErr := w.store.ResetStitching(ctx, job.ID); resetErr != nil {
			w.log.Errorw("failed to reset stitching guard", "jobId", job.ID, "error", resetErr)
		}
		return err
	}

	w.log.Infow("all chunks ready, stitch enqueued", "jobId", job.ID)
	return nil
}

// videoGeneratorFor returns the adapter that owns a chunk's in-flight video
// operation.
func (w *PipelineWorker) videoGeneratorFor(chunk *model.Chunk) client.Generator {
	if chunk.Meta.Data().VideoProvider == "lipsync" && w.lipsync != nil {
		return w.lipsync
	}
	return w.video
}
