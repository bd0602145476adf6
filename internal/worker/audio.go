package worker

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/task"
)

// HandleChunkAudio binds the song audio to every pending chunk of a job.
// The chunk rows already carry their timeline offsets, so binding records
// the full-track reference; physical slicing is left to the providers that
// consume the offsets. Each chunk that transitions pending→audio_ready gets
// its own scene-generation message, so a redelivered audio message never
// fans out twice for the same chunk.
func (w *PipelineWorker) HandleChunkAudio(ctx context.Context, t *asynq.Task) error {
	var p task.JobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Errorw("unreadable chunk-audio payload", "error", err)
		return nil
	}

	job, proceed, err := w.preflight(ctx, p.JobID)
	if err != nil || !proceed {
		return err
	}

	chunks, err := w.store.ListChunks(ctx, job.ID)
	if err != nil {
		return err
	}

	bound := 0
	for _, chunk := range chunks {
		if chunk.Status != model.ChunkStatusPending {
			continue
		}
		ok, err := w.store.TryTransition(ctx, chunk.ID,
			[]model.ChunkStatus{model.ChunkStatusPending},
			model.ChunkStatusAudioReady,
			map[string]interface{}{"audio_url": job.AudioURL})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		bound++

		sceneTask, err := task.NewGenerateSceneTask(job.ID, chunk.ID)
		if err != nil {
			return err
		}
		if err := w.enqueue(sceneTask); err != nil {
			return err
		}
	}

	w.log.Infow("audio bound", "jobId", job.ID, "chunks", bound)
	w.publishProgress(ctx, job)
	return nil
}
