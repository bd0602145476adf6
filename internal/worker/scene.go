package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/video-service/internal/client"
	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/task"
)

// HandleGenerateScene starts scene-image generation for one chunk. The
// conditional transition to scene_generating is the claim: whichever
// delivery wins it makes the provider call, every other delivery exits
// without side effects.
func (w *PipelineWorker) HandleGenerateScene(ctx context.Context, t *asynq.Task) error {
	var p task.ChunkPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Errorw("unreadable generate-scene payload", "error", err)
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

	ok, err := w.store.TryTransition(ctx, chunk.ID,
		[]model.ChunkStatus{model.ChunkStatusPending, model.ChunkStatusAudioReady},
		model.ChunkStatusSceneGenerating, nil)
	if err != nil {
		return err
	}
	if !ok {
		w.log.Debugw("scene stage already claimed", "jobId", job.ID, "chunkId", chunk.ID)
		return nil
	}

	input := &client.GenerateInput{
		Prompt:      scenePrompt(job, chunk),
		ImageURL:    job.CharacterImageURL,
		AspectRatio: job.AspectRatio,
	}
	op, err := w.scene.Generate(ctx, input)
	if err != nil {
		if isPermanentProviderError(err) {
			return w.failChunkPermanently(ctx, job, chunk, fmt.Sprintf("scene generation rejected: %v", err))
		}
		// Transport or transient failure before any operation existed:
		// release the claim and let the queue redeliver the whole message.
		w.releaseClaim(ctx, chunk.ID, model.ChunkStatusSceneGenerating, model.ChunkStatusAudioReady, "scene_operation_id")
		return fmt.Errorf("scene generate call failed for chunk %s: %w", chunk.ID, err)
	}

	if _, err := w.store.TryTransition(ctx, chunk.ID,
		[]model.ChunkStatus{model.ChunkStatusSceneGenerating},
		model.ChunkStatusSceneGenerating,
		map[string]interface{}{"scene_operation_id": op.ID}); err != nil {
		return err
	}

	pollTask, err := task.NewPollSceneTask(job.ID, chunk.ID, op.ID, 1)
	if err != nil {
		return err
	}
	if err := w.enqueue(pollTask, asynq.ProcessIn(w.scenePollInterval())); err != nil {
		return err
	}

	w.log.Infow("scene generation started", "jobId", job.ID, "chunkId", chunk.ID, "operationId", op.ID)
	w.publishProgress(ctx, job)
	return nil
}

// HandlePollScene checks one scene operation. A still-pending operation is
// handed back to the queue as a delayed message rather than blocking the
// worker; the attempt counter caps the total wait.
func (w *PipelineWorker) HandlePollScene(ctx context.Context, t *asynq.Task) error {
	var p task.PollPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Errorw("unreadable poll-scene payload", "error", err)
		return nil
	}

	job, proceed, err := w.preflight(ctx, p.JobID)
	if err != nil {
		return err
	}
	if !proceed {
		w.cancelAbandonedOperation(ctx, job, w.scene, p.ChunkID, p.OperationID)
		return nil
	}
	chunk, proceed, err := w.chunkFor(ctx, p.JobID, p.ChunkID)
	if err != nil || !proceed {
		return err
	}

	if chunk.Status != model.ChunkStatusSceneGenerating {
		w.log.Debugw("poll-scene for already advanced chunk", "chunkId", chunk.ID, "status", chunk.Status)
		return nil
	}
	if chunk.SceneOperationID == nil || *chunk.SceneOperationID != p.OperationID {
		// A retry replaced the operation this message was polling.
		w.log.Debugw("stale scene operation, dropping poll", "chunkId", chunk.ID, "operationId", p.OperationID)
		return nil
	}

	status, err := w.scene.GetStatus(ctx, p.OperationID)
	if err != nil {
		return fmt.Errorf("scene status check failed for chunk %s: %w", chunk.ID, err)
	}

	switch status.State {
	case client.OperationSucceeded:
		url := status.OutputURL
		if url == "" {
			result, err := w.scene.GetResult(ctx, p.OperationID)
			if err != nil {
				return fmt.Errorf("scene result fetch failed for chunk %s: %w", chunk.ID, err)
			}
			url = result.ContentURL
		}

		ok, err := w.store.TryTransition(ctx, chunk.ID,
			[]model.ChunkStatus{model.ChunkStatusSceneGenerating},
			model.ChunkStatusSceneReady,
			map[string]interface{}{
				"scene_image_url":    url,
				"scene_operation_id": nil,
			})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		videoTask, err := task.NewGenerateVideoTask(job.ID, chunk.ID)
		if err != nil {
			return err
		}
		if err := w.enqueue(videoTask); err != nil {
			return err
		}

		w.log.Infow("scene ready", "jobId", job.ID, "chunkId", chunk.ID)
		w.publishProgress(ctx, job)
		return nil

	case client.OperationFailed:
		return w.handleStageFailure(ctx, job, chunk, phaseScene, status.Error)

	default:
		if p.Attempt >= w.cfg.ScenePollMaxAttempts {
			return w.failChunkPermanently(ctx, job, chunk,
				fmt.Sprintf("scene generation timed out after %d poll attempts", p.Attempt))
		}
		next, err := task.NewPollSceneTask(job.ID, chunk.ID, p.OperationID, p.Attempt+1)
		if err != nil {
			return err
		}
		return w.enqueue(next, asynq.ProcessIn(w.scenePollInterval()))
	}
}

// scenePrompt describes one chunk's keyframe to the scene provider.
func scenePrompt(job *model.Job, chunk *model.Chunk) string {
	return fmt.Sprintf("%s. Music video scene %d, covering %.1fs to %.1fs of the song.",
		job.Prompt, chunk.ChunkIndex+1,
		float64(chunk.StartMs)/1000, float64(chunk.EndMs)/1000)
}
