// Package worker runs the chunk pipeline. Each stage is an asynq handler;
// every handler claims its work with the store's conditional transition
// before touching a provider, so at-least-once delivery and concurrent
// workers never duplicate expensive calls.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeasinger/video-service/internal/client"
	"github.com/makeasinger/video-service/internal/config"
	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/pool"
	"github.com/makeasinger/video-service/internal/store"
	"github.com/makeasinger/video-service/internal/task"
	"github.com/makeasinger/video-service/internal/websocket"
)

// PipelineWorker holds everything the stage handlers need. It is built once
// per process and registered on the asynq mux.
type PipelineWorker struct {
	store    *store.Store
	enqueuer task.Enqueuer
	scene    client.Generator
	video    client.Generator
	lipsync  client.Generator // optional audio-synchronized provider, may be nil
	storage  client.StorageClient
	pool     *pool.RenderPool
	cfg      *config.PipelineConfig
	hub      *websocket.Hub
	log      *zap.SugaredLogger
}

// NewPipelineWorker creates the pipeline worker.
func NewPipelineWorker(
	st *store.Store,
	enqueuer task.Enqueuer,
	scene client.Generator,
	video client.Generator,
	lipsync client.Generator,
	storage client.StorageClient,
	renderPool *pool.RenderPool,
	cfg *config.PipelineConfig,
	hub *websocket.Hub,
	log *zap.SugaredLogger,
) *PipelineWorker {
	return &PipelineWorker{
		store:    st,
		enqueuer: enqueuer,
		scene:    scene,
		video:    video,
		lipsync:  lipsync,
		storage:  storage,
		pool:     renderPool,
		cfg:      cfg,
		hub:      hub,
		log:      log.Named("pipeline"),
	}
}

// Register wires every stage task type to its handler.
func (w *PipelineWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(task.TypeChunkAudio, w.HandleChunkAudio)
	mux.HandleFunc(task.TypeGenerateScene, w.HandleGenerateScene)
	mux.HandleFunc(task.TypePollScene, w.HandlePollScene)
	mux.HandleFunc(task.TypeGenerateVideo, w.HandleGenerateVideo)
	mux.HandleFunc(task.TypePollVideo, w.HandlePollVideo)
	mux.HandleFunc(task.TypeStitch, w.HandleStitch)
	mux.HandleFunc(task.TypeCleanup, w.HandleCleanup)
}

// preflight loads the job referenced by a message and applies the shared
// drop rules: a missing job means the message is permanently unprocessable
// (acknowledge, nothing to retry); a terminal job means cooperative
// cancellation, no stage may start new work. The second return value is
// false when the caller must acknowledge without side effects.
func (w *PipelineWorker) preflight(ctx context.Context, jobID string) (*model.Job, bool, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Warnw("dropping message for missing job", "jobId", jobID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if job.Status.Terminal() {
		w.log.Infow("dropping message for finished job", "jobId", jobID, "status", job.Status)
		return job, false, nil
	}
	return job, true, nil
}

// chunkFor loads a message's chunk. A missing chunk is acknowledged the
// same way a missing job is.
func (w *PipelineWorker) chunkFor(ctx context.Context, jobID, chunkID string) (*model.Chunk, bool, error) {
	chunk, err := w.store.GetChunk(ctx, chunkID)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Warnw("dropping message for missing chunk", "jobId", jobID, "chunkId", chunkID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if chunk.JobID != jobID {
		w.log.Warnw("dropping message with mismatched chunk/job", "jobId", jobID, "chunkId", chunkID)
		return nil, false, nil
	}
	return chunk, true, nil
}

// publishProgress recomputes the job's overall progress from its chunks and
// pushes it to the store and the websocket hub. Failures here never fail
// the stage.
func (w *PipelineWorker) publishProgress(ctx context.Context, job *model.Job) {
	chunks, err := w.store.ListChunks(ctx, job.ID)
	if err != nil {
		w.log.Warnw("failed to list chunks for progress", "jobId", job.ID, "error", err)
		return
	}
	progress := model.ComputeOverallProgress(job.Status, chunks)
	if err := w.store.UpdateJobProgress(ctx, job.ID, progress); err != nil {
		w.log.Warnw("failed to persist progress", "jobId", job.ID, "error", err)
	}
	w.hub.BroadcastProgress(job.ID, job.Status, progress, model.CountCompleted(chunks), len(chunks))
}

// releaseClaim rolls a chunk back from its generating status to the prior
// ready status when a generate call could not be issued, so the redelivered
// message can claim it again.
func (w *PipelineWorker) releaseClaim(ctx context.Context, chunkID string, generating, prior model.ChunkStatus, opColumn string) {
	ok, err := w.store.TryTransition(ctx, chunkID,
		[]model.ChunkStatus{generating}, prior,
		map[string]interface{}{opColumn: nil})
	if err != nil {
		w.log.Errorw("failed to release chunk claim", "chunkId", chunkID, "error", err)
		return
	}
	if !ok {
		w.log.Warnw("chunk claim already released or advanced", "chunkId", chunkID)
	}
}

func (w *PipelineWorker) scenePollInterval() time.Duration {
	return time.Duration(w.cfg.ScenePollSeconds) * time.Second
}

func (w *PipelineWorker) videoPollInterval() time.Duration {
	return time.Duration(w.cfg.VideoPollSeconds) * time.Second
}

func (w *PipelineWorker) renderAcquireTimeout() time.Duration {
	return time.Duration(w.cfg.RenderAcquireSeconds) * time.Second
}

func (w *PipelineWorker) enqueue(t *asynq.Task, opts ...asynq.Option) error {
	opts = append(opts, asynq.Queue(task.Queue), asynq.MaxRetry(5))
	_, err := w.enqueuer.Enqueue(t, opts...)
	return err
}
