package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/makeasinger/video-service/internal/config"
	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/planner"
	"github.com/makeasinger/video-service/internal/store"
	"github.com/makeasinger/video-service/internal/task"
)

// ErrValidation marks synchronously rejected input; handlers map it to a
// 400 and the queue never sees it.
var ErrValidation = errors.New("validation failed")

// ErrJobFinished is returned when an operation targets a job that already
// reached a terminal status.
var ErrJobFinished = errors.New("job already finished")

// VideoService manages generation jobs: it plans the chunk timeline, seeds
// the chunk rows and hands the first stage to the queue. Everything after
// that happens in the workers.
type VideoService struct {
	store    *store.Store
	enqueuer task.Enqueuer
	cfg      *config.PipelineConfig
	log      *zap.SugaredLogger
}

func NewVideoService(st *store.Store, enqueuer task.Enqueuer, cfg *config.PipelineConfig, log *zap.SugaredLogger) *VideoService {
	return &VideoService{
		store:    st,
		enqueuer: enqueuer,
		cfg:      cfg,
		log:      log.Named("video-service"),
	}
}

// Initialize validates the request, plans the chunk windows, inserts the
// chunk rows and enqueues the first stage. The pending→processing guard
// makes it safe to call twice for the same job id: only the first caller
// enqueues anything.
func (s *VideoService) Initialize(ctx context.Context, userID string, req *model.GenerateVideoRequest) (*model.GenerateVideoResponse, error) {
	chunkSeconds := req.ChunkDurationSeconds
	if chunkSeconds == 0 {
		chunkSeconds = s.cfg.ChunkDurationSeconds
	}
	targetMs := int64(chunkSeconds) * 1000

	windows, err := planner.Plan(req.DurationMs, targetMs, s.cfg.MaxDurationMs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(windows) > s.cfg.MaxChunks {
		return nil, fmt.Errorf("%w: plan of %d chunks exceeds maximum %d", ErrValidation, len(windows), s.cfg.MaxChunks)
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "9:16"
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		job = &model.Job{
			ID:                jobID,
			UserID:            userID,
			SingerID:          req.SingerID,
			SongID:            req.SongID,
			AudioURL:          req.AudioURL,
			Prompt:            req.Prompt,
			AspectRatio:       aspectRatio,
			CharacterImageURL: req.CharacterImageURL,
			TotalDurationMs:   req.DurationMs,
			ChunkDurationMs:   targetMs,
			Status:            model.JobStatusPending,
			CreatedAt:         time.Now(),
		}
		if err := s.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	// Only the caller that wins pending→processing seeds chunks and
	// enqueues; a duplicate initialize for the same job is a no-op.
	started, err := s.store.TryJobTransition(ctx, jobID,
		[]model.JobStatus{model.JobStatusPending}, model.JobStatusProcessing, nil)
	if err != nil {
		return nil, err
	}
	if !started {
		s.log.Infow("initialize skipped, job already started", "jobId", jobID)
		return &model.GenerateVideoResponse{
			JobID:       jobID,
			Status:      job.Status,
			TotalChunks: len(windows),
			CreatedAt:   job.CreatedAt,
		}, nil
	}

	chunks := make([]model.Chunk, 0, len(windows))
	for _, w := range windows {
		chunks = append(chunks, model.Chunk{
			ID:         uuid.New().String(),
			JobID:      jobID,
			ChunkIndex: w.Index,
			StartMs:    w.StartMs,
			EndMs:      w.EndMs,
			DurationMs: w.DurationMs,
			Status:     model.ChunkStatusPending,
			Meta:       datatypes.NewJSONType(model.ChunkMeta{}),
		})
	}
	if err := s.store.CreateChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to create chunks: %w", err)
	}

	t, err := task.NewChunkAudioTask(jobID)
	if err != nil {
		return nil, err
	}
	if _, err := s.enqueuer.Enqueue(t,
		asynq.Queue(task.Queue),
		asynq.MaxRetry(5),
		asynq.Retention(24*time.Hour),
	); err != nil {
		return nil, fmt.Errorf("failed to enqueue first stage: %w", err)
	}

	s.log.Infow("job initialized", "jobId", jobID, "chunks", len(chunks), "totalMs", req.DurationMs)

	return &model.GenerateVideoResponse{
		JobID:       jobID,
		Status:      model.JobStatusProcessing,
		TotalChunks: len(chunks),
		CreatedAt:   job.CreatedAt,
	}, nil
}

// GetProgress reports the latest known state of a job and its chunks.
func (s *VideoService) GetProgress(ctx context.Context, jobID string) (*model.ProgressResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &model.ProgressResponse{
		JobID:       job.ID,
		Status:      job.Status,
		TotalChunks: len(chunks),
		Error:       job.Error,
		Chunks:      make([]model.ChunkProgress, 0, len(chunks)),
	}
	for _, c := range chunks {
		if c.Status == model.ChunkStatusVideoReady {
			resp.ChunksCompleted++
		}
		resp.Chunks = append(resp.Chunks, model.ChunkProgress{
			Index:  c.ChunkIndex,
			Status: c.Status,
			Error:  c.Error,
		})
	}
	resp.OverallProgress = model.ComputeOverallProgress(job.Status, chunks)

	if job.Status == model.JobStatusCompleted {
		if result, err := s.store.GetResultByJob(ctx, jobID); err == nil {
			resp.FinalResultURL = result.ManifestURL
		}
	}
	return resp, nil
}

// Cancel flips a job to cancelled and hands the queue a cleanup sweep for
// the operations already in flight. Workers observe the status before doing
// expensive work, so in-flight messages drain without new provider calls.
func (s *VideoService) Cancel(ctx context.Context, jobID string) (*model.CancelResponse, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	ok, err := s.store.TryJobTransition(ctx, jobID,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing},
		model.JobStatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobFinished
	}

	// The cancellation itself is committed; a failed enqueue only delays
	// reaping, the poll handlers cancel abandoned operations as a backstop.
	if t, err := task.NewCleanupTask(jobID); err != nil {
		s.log.Warnw("failed to build cleanup task", "jobId", jobID, "error", err)
	} else if _, err := s.enqueuer.Enqueue(t, asynq.Queue(task.Queue), asynq.MaxRetry(5)); err != nil {
		s.log.Warnw("failed to enqueue cleanup", "jobId", jobID, "error", err)
	}

	s.log.Infow("job cancelled", "jobId", jobID)
	return &model.CancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCancelled,
	}, nil
}
