package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makeasinger/video-service/internal/client"
	"github.com/makeasinger/video-service/internal/config"
	"github.com/makeasinger/video-service/internal/model"
	"github.com/makeasinger/video-service/internal/pool"
	"github.com/makeasinger/video-service/internal/store"
	"github.com/makeasinger/video-service/internal/task"
	"github.com/makeasinger/video-service/internal/websocket"
)

type stubEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (e *stubEnqueuer) Enqueue(t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, t)
	return &asynq.TaskInfo{ID: uuid.New().String(), Type: t.Type()}, nil
}

func (e *stubEnqueuer) byType(taskType string) []*asynq.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*asynq.Task
	for _, t := range e.tasks {
		if t.Type() == taskType {
			out = append(out, t)
		}
	}
	return out
}

type stubGenerator struct {
	mu           sync.Mutex
	unconfigured bool
	generateErr  error
	status       *client.OperationStatus
	statusErr    error
	generates    int
	cancels      int
	cancelled    []string
	nextOp       int
}

func (g *stubGenerator) Generate(ctx context.Context, input *client.GenerateInput) (*client.Operation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generates++
	if g.generateErr != nil {
		return nil, g.generateErr
	}
	g.nextOp++
	return &client.Operation{ID: fmt.Sprintf("op-%d", g.nextOp), State: client.OperationPending}, nil
}

func (g *stubGenerator) GetStatus(ctx context.Context, operationID string) (*client.OperationStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if g.status != nil {
		return g.status, nil
	}
	return &client.OperationStatus{State: client.OperationRunning}, nil
}

func (g *stubGenerator) GetResult(ctx context.Context, operationID string) (*client.OperationResult, error) {
	return &client.OperationResult{ContentURL: "https://cdn.test/" + operationID}, nil
}

func (g *stubGenerator) Cancel(ctx context.Context, operationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	g.cancelled = append(g.cancelled, operationID)
	return nil
}

func (g *stubGenerator) IsConfigured() bool { return !g.unconfigured }

func (g *stubGenerator) generateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generates
}

func (g *stubGenerator) cancelCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancels
}

func (g *stubGenerator) cancelledOps() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

type workerFixture struct {
	worker   *PipelineWorker
	store    *store.Store
	enqueuer *stubEnqueuer
	scene    *stubGenerator
	video    *stubGenerator
	lipsync  *stubGenerator
	cfg      *config.PipelineConfig
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "worker.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))

	cfg := &config.PipelineConfig{
		ChunkDurationSeconds: 8,
		MaxDurationMs:        600000,
		MaxChunks:            90,
		MinVideoChunkMs:      1000,
		ScenePollSeconds:     1,
		ScenePollMaxAttempts: 3,
		VideoPollSeconds:     1,
		VideoPollMaxAttempts: 3,
		RetryBaseSeconds:     1,
		SceneMaxRetries:      2,
		VideoMaxRetries:      2,
		RenderConcurrency:    2,
		RenderAcquireSeconds: 1,
	}

	f := &workerFixture{
		store:    st,
		enqueuer: &stubEnqueuer{},
		scene:    &stubGenerator{},
		video:    &stubGenerator{},
		lipsync:  &stubGenerator{unconfigured: true},
		cfg:      cfg,
	}
	log := zap.NewNop().Sugar()
	f.worker = NewPipelineWorker(f.store, f.enqueuer, f.scene, f.video, f.lipsync, nil,
		pool.New(cfg.RenderConcurrency), cfg, websocket.NewHub(log), log)
	return f
}

func (f *workerFixture) seedJob(t *testing.T, status model.JobStatus) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:              uuid.New().String(),
		UserID:          uuid.New().String(),
		AudioURL:        "https://cdn.test/song.mp3",
		Prompt:          "neon city at night",
		AspectRatio:     "16:9",
		TotalDurationMs: 16000,
		ChunkDurationMs: 8000,
		Status:          status,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *workerFixture) seedChunk(t *testing.T, jobID string, index int, status model.ChunkStatus, mutate func(*model.Chunk)) *model.Chunk {
	t.Helper()
	start := int64(index) * 8000
	chunk := model.Chunk{
		ID:         uuid.New().String(),
		JobID:      jobID,
		ChunkIndex: index,
		StartMs:    start,
		EndMs:      start + 8000,
		DurationMs: 8000,
		Status:     status,
	}
	if mutate != nil {
		mutate(&chunk)
	}
	require.NoError(t, f.store.CreateChunks(context.Background(), []model.Chunk{chunk}))
	return &chunk
}

func (f *workerFixture) reloadChunk(t *testing.T, chunkID string) *model.Chunk {
	t.Helper()
	chunk, err := f.store.GetChunk(context.Background(), chunkID)
	require.NoError(t, err)
	return chunk
}

func (f *workerFixture) reloadJob(t *testing.T, jobID string) *model.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func strPtr(s string) *string { return &s }

func placeholderMeta() datatypes.JSONType[model.ChunkMeta] {
	return datatypes.NewJSONType(model.ChunkMeta{PlaceholderVideo: true})
}

func TestHandleChunkAudioFansOutOncePerChunk(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusPending, nil)
	f.seedChunk(t, job.ID, 1, model.ChunkStatusPending, nil)

	audioTask, err := task.NewChunkAudioTask(job.ID)
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleChunkAudio(context.Background(), audioTask))
	// Redelivery of the same message must not fan out again.
	require.NoError(t, f.worker.HandleChunkAudio(context.Background(), audioTask))

	assert.Len(t, f.enqueuer.byType(task.TypeGenerateScene), 2)

	chunks, err := f.store.ListChunks(context.Background(), job.ID)
	require.NoError(t, err)
	for _, chunk := range chunks {
		assert.Equal(t, model.ChunkStatusAudioReady, chunk.Status)
		require.NotNil(t, chunk.AudioURL)
		assert.Equal(t, job.AudioURL, *chunk.AudioURL)
	}
}

func TestHandleGenerateSceneDuplicateDeliveryCallsProviderOnce(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusAudioReady, nil)

	sceneTask, err := task.NewGenerateSceneTask(job.ID, chunk.ID)
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleGenerateScene(context.Background(), sceneTask))
	require.NoError(t, f.worker.HandleGenerateScene(context.Background(), sceneTask))

	assert.Equal(t, 1, f.scene.generateCalls())
	assert.Len(t, f.enqueuer.byType(task.TypePollScene), 1)

	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusSceneGenerating, got.Status)
	require.NotNil(t, got.SceneOperationID)
	assert.Equal(t, "op-1", *got.SceneOperationID)
}

func TestHandleGenerateSceneFinishedJobMakesNoCalls(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusCancelled)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusAudioReady, nil)

	sceneTask, err := task.NewGenerateSceneTask(job.ID, chunk.ID)
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleGenerateScene(context.Background(), sceneTask))

	assert.Zero(t, f.scene.generateCalls())
	assert.Equal(t, model.ChunkStatusAudioReady, f.reloadChunk(t, chunk.ID).Status)
}

func TestHandleGenerateScenePermanentRejectionFailsJob(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusAudioReady, nil)

	f.scene.generateErr = &client.ProviderError{
		Provider: "scene", StatusCode: 400, Code: "invalid_prompt", Message: "prompt violates content policy",
	}

	sceneTask, err := task.NewGenerateSceneTask(job.ID, chunk.ID)
	require.NoError(t, err)

	err = f.worker.HandleGenerateScene(context.Background(), sceneTask)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	assert.Equal(t, model.ChunkStatusFailed, f.reloadChunk(t, chunk.ID).Status)
	got := f.reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "chunk 0")
}

func TestHandleGenerateSceneTransportFailureReleasesClaim(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusAudioReady, nil)

	f.scene.generateErr = fmt.Errorf("dial tcp: connection refused")

	sceneTask, err := task.NewGenerateSceneTask(job.ID, chunk.ID)
	require.NoError(t, err)

	err = f.worker.HandleGenerateScene(context.Background(), sceneTask)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	// The claim is back where a redelivery can take it.
	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusAudioReady, got.Status)
	assert.Nil(t, got.SceneOperationID)
}

func TestHandlePollSceneSuccessAdvancesAndEnqueuesVideo(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneGenerating, func(c *model.Chunk) {
		c.SceneOperationID = strPtr("op-1")
	})

	f.scene.status = &client.OperationStatus{
		State:     client.OperationSucceeded,
		OutputURL: "https://cdn.test/scene.png",
	}

	pollTask, err := task.NewPollSceneTask(job.ID, chunk.ID, "op-1", 1)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandlePollScene(context.Background(), pollTask))

	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusSceneReady, got.Status)
	require.NotNil(t, got.SceneImageURL)
	assert.Equal(t, "https://cdn.test/scene.png", *got.SceneImageURL)
	assert.Nil(t, got.SceneOperationID)
	assert.Len(t, f.enqueuer.byType(task.TypeGenerateVideo), 1)

	// A late duplicate of the same poll is dropped without a second fan-out.
	require.NoError(t, f.worker.HandlePollScene(context.Background(), pollTask))
	assert.Len(t, f.enqueuer.byType(task.TypeGenerateVideo), 1)
}

func TestHandlePollSceneIgnoresSupersededOperation(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneGenerating, func(c *model.Chunk) {
		c.SceneOperationID = strPtr("op-2")
	})

	f.scene.status = &client.OperationStatus{State: client.OperationSucceeded, OutputURL: "https://cdn.test/old.png"}

	pollTask, err := task.NewPollSceneTask(job.ID, chunk.ID, "op-1", 1)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandlePollScene(context.Background(), pollTask))

	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusSceneGenerating, got.Status)
	assert.Empty(t, f.enqueuer.byType(task.TypeGenerateVideo))
}

func TestHandlePollSceneTransientFailuresRetryThenFail(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneGenerating, func(c *model.Chunk) {
		c.SceneOperationID = strPtr("op-1")
	})

	f.scene.status = &client.OperationStatus{
		State: client.OperationFailed,
		Error: "internal error, please try again",
	}

	ctx := context.Background()
	for round := 1; round <= f.cfg.SceneMaxRetries; round++ {
		opID := fmt.Sprintf("op-%d", round)
		pollTask, err := task.NewPollSceneTask(job.ID, chunk.ID, opID, 1)
		require.NoError(t, err)
		require.NoError(t, f.worker.HandlePollScene(ctx, pollTask))

		got := f.reloadChunk(t, chunk.ID)
		assert.Equal(t, model.ChunkStatusAudioReady, got.Status)
		assert.Nil(t, got.SceneOperationID)
		assert.Equal(t, round, got.Meta.Data().SceneRetries)
		assert.Len(t, f.enqueuer.byType(task.TypeGenerateScene), round)

		// Simulate the retried generate stage claiming the chunk again.
		nextOp := fmt.Sprintf("op-%d", round+1)
		ok, err := f.store.TryTransition(ctx, chunk.ID,
			[]model.ChunkStatus{model.ChunkStatusAudioReady},
			model.ChunkStatusSceneGenerating,
			map[string]interface{}{"scene_operation_id": nextOp})
		require.NoError(t, err)
		require.True(t, ok)
	}

	// The budget is spent; the next provider failure is permanent.
	finalOp := fmt.Sprintf("op-%d", f.cfg.SceneMaxRetries+1)
	pollTask, err := task.NewPollSceneTask(job.ID, chunk.ID, finalOp, 1)
	require.NoError(t, err)

	err = f.worker.HandlePollScene(ctx, pollTask)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusFailed, got.Status)
	assert.Equal(t, f.cfg.SceneMaxRetries, got.Meta.Data().SceneRetries)
	assert.Equal(t, model.JobStatusFailed, f.reloadJob(t, job.ID).Status)

	// Cleanup cancels the operation that was still open on the failed chunk.
	assert.Equal(t, 1, f.scene.cancelCalls())

	// No further retries were scheduled past the budget.
	assert.Len(t, f.enqueuer.byType(task.TypeGenerateScene), f.cfg.SceneMaxRetries)
}

func TestHandlePollSceneTimesOutAfterAttemptCeiling(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneGenerating, func(c *model.Chunk) {
		c.SceneOperationID = strPtr("op-1")
	})

	// Provider never finishes.
	f.scene.status = &client.OperationStatus{State: client.OperationRunning}

	pollTask, err := task.NewPollSceneTask(job.ID, chunk.ID, "op-1", f.cfg.ScenePollMaxAttempts)
	require.NoError(t, err)

	err = f.worker.HandlePollScene(context.Background(), pollTask)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
	assert.Equal(t, model.JobStatusFailed, f.reloadJob(t, job.ID).Status)
}

func TestHandleGenerateVideoShortChunkUsesScenePlaceholder(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneReady, func(c *model.Chunk) {
		c.DurationMs = 600
		c.SceneImageURL = strPtr("https://cdn.test/scene.png")
	})

	videoTask, err := task.NewGenerateVideoTask(job.ID, chunk.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleGenerateVideo(context.Background(), videoTask))

	assert.Zero(t, f.video.generateCalls())

	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusVideoReady, got.Status)
	require.NotNil(t, got.VideoURL)
	assert.Equal(t, "https://cdn.test/scene.png", *got.VideoURL)
	assert.True(t, got.Meta.Data().PlaceholderVideo)

	// It was the only chunk, so readiness triggers the stitch.
	assert.Len(t, f.enqueuer.byType(task.TypeStitch), 1)
}

func TestHandleGenerateVideoPrefersLipsyncAndFallsBack(t *testing.T) {
	f := newWorkerFixture(t)
	f.lipsync.unconfigured = false
	f.lipsync.generateErr = fmt.Errorf("lipsync pipeline busy, timeout")

	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneReady, func(c *model.Chunk) {
		c.SceneImageURL = strPtr("https://cdn.test/scene.png")
	})

	videoTask, err := task.NewGenerateVideoTask(job.ID, chunk.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleGenerateVideo(context.Background(), videoTask))

	assert.Equal(t, 1, f.lipsync.generateCalls())
	assert.Equal(t, 1, f.video.generateCalls())

	got := f.reloadChunk(t, chunk.ID)
	assert.Equal(t, model.ChunkStatusVideoGenerating, got.Status)
	assert.Equal(t, "video", got.Meta.Data().VideoProvider)
	require.NotNil(t, got.VideoOperationID)
	assert.Len(t, f.enqueuer.byType(task.TypePollVideo), 1)
}

func TestHandlePollVideoLastChunkTriggersStitchOnce(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusVideoReady, func(c *model.Chunk) {
		c.VideoURL = strPtr("https://cdn.test/seg-0.mp4")
	})
	chunk := f.seedChunk(t, job.ID, 1, model.ChunkStatusVideoGenerating, func(c *model.Chunk) {
		c.VideoOperationID = strPtr("op-1")
	})

	f.video.status = &client.OperationStatus{
		State:     client.OperationSucceeded,
		OutputURL: "https://cdn.test/seg-1.mp4",
	}

	pollTask, err := task.NewPollVideoTask(job.ID, chunk.ID, "op-1", 1)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandlePollVideo(context.Background(), pollTask))
	// The redelivered poll sees the advanced chunk and does nothing.
	require.NoError(t, f.worker.HandlePollVideo(context.Background(), pollTask))

	assert.Len(t, f.enqueuer.byType(task.TypeStitch), 1)
	assert.True(t, f.reloadJob(t, job.ID).Stitching)
}

func TestMaybeStitchGuardAdmitsOneCaller(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusVideoReady, nil)
	f.seedChunk(t, job.ID, 1, model.ChunkStatusVideoReady, nil)

	ctx := context.Background()
	require.NoError(t, f.worker.maybeStitch(ctx, job))
	require.NoError(t, f.worker.maybeStitch(ctx, job))

	assert.Len(t, f.enqueuer.byType(task.TypeStitch), 1)
}

func TestMaybeStitchWaitsForAllChunks(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusVideoReady, nil)
	f.seedChunk(t, job.ID, 1, model.ChunkStatusVideoGenerating, nil)

	require.NoError(t, f.worker.maybeStitch(context.Background(), job))

	assert.Empty(t, f.enqueuer.byType(task.TypeStitch))
	assert.False(t, f.reloadJob(t, job.ID).Stitching)
}

func TestHandleStitchCompletesJob(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusVideoReady, func(c *model.Chunk) {
		c.VideoURL = strPtr("https://cdn.test/seg-0.mp4")
	})
	f.seedChunk(t, job.ID, 1, model.ChunkStatusVideoReady, func(c *model.Chunk) {
		c.VideoURL = strPtr("https://cdn.test/seg-1.mp4")
	})

	stitchTask, err := task.NewStitchTask(job.ID)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.worker.HandleStitch(ctx, stitchTask))

	got := f.reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.ResultID)

	result, err := f.store.GetResultByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, *got.ResultID, result.ID)
	assert.Equal(t, 2, result.ChunkCount)
	assert.Equal(t, manifestKey(job.ID), result.ManifestKey)

	// A redelivered stitch for the now completed job is a no-op.
	require.NoError(t, f.worker.HandleStitch(ctx, stitchTask))
	again, err := f.store.GetResultByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, again.ID)
}

func TestHandleStitchRefusesWithChunksPending(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusVideoReady, nil)
	f.seedChunk(t, job.ID, 1, model.ChunkStatusAudioReady, nil)

	stitchTask, err := task.NewStitchTask(job.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleStitch(context.Background(), stitchTask))

	assert.Equal(t, model.JobStatusProcessing, f.reloadJob(t, job.ID).Status)
	_, err = f.store.GetResultByJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuildManifestMarksPlaceholders(t *testing.T) {
	job := &model.Job{
		ID:              uuid.New().String(),
		AudioURL:        "https://cdn.test/song.mp3",
		AspectRatio:     "9:16",
		TotalDurationMs: 8600,
	}
	chunks := []model.Chunk{
		{
			ChunkIndex: 0, StartMs: 0, EndMs: 8000, DurationMs: 8000,
			VideoURL: strPtr("https://cdn.test/seg-0.mp4"),
		},
		{
			ChunkIndex: 1, StartMs: 8000, EndMs: 8600, DurationMs: 600,
			VideoURL:      strPtr("https://cdn.test/scene-1.png"),
			SceneImageURL: strPtr("https://cdn.test/scene-1.png"),
			Meta:          placeholderMeta(),
		},
	}

	manifest := buildManifest(job, chunks)

	require.Len(t, manifest.Segments, 2)
	assert.Equal(t, "9:16", manifest.AspectRatio)
	assert.False(t, manifest.Segments[0].Placeholder)
	assert.True(t, manifest.Segments[1].Placeholder)
	assert.Equal(t, int64(8600), manifest.Segments[1].EndMs)
}

func TestProviderErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{
			name:      "client rejection",
			err:       &client.ProviderError{Provider: "scene", StatusCode: 400, Message: "invalid aspect ratio"},
			permanent: true,
		},
		{
			name:      "server error",
			err:       &client.ProviderError{Provider: "scene", StatusCode: 503, Message: "service unavailable"},
			permanent: false,
		},
		{
			name:      "transient text on 4xx",
			err:       &client.ProviderError{Provider: "video", StatusCode: 429, Message: "overloaded, try again"},
			permanent: false,
		},
		{
			name:      "transport error",
			err:       fmt.Errorf("dial tcp: i/o timeout"),
			permanent: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, isPermanentProviderError(tt.err))
		})
	}
}

func TestHandleCleanupCancelsOpenOperations(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneGenerating, func(c *model.Chunk) {
		c.SceneOperationID = strPtr("op-scene-1")
	})
	f.seedChunk(t, job.ID, 1, model.ChunkStatusVideoGenerating, func(c *model.Chunk) {
		c.VideoOperationID = strPtr("op-video-1")
	})

	ok, err := f.store.TryJobTransition(context.Background(), job.ID,
		[]model.JobStatus{model.JobStatusProcessing}, model.JobStatusCancelled, nil)
	require.NoError(t, err)
	require.True(t, ok)

	cleanupTask, err := task.NewCleanupTask(job.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleCleanup(context.Background(), cleanupTask))

	assert.Equal(t, []string{"op-scene-1"}, f.scene.cancelledOps())
	assert.Equal(t, []string{"op-video-1"}, f.video.cancelledOps())

	// Redelivery repeats the sweep without erroring.
	require.NoError(t, f.worker.HandleCleanup(context.Background(), cleanupTask))
}

func TestHandleCleanupLeavesRunningJobAlone(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneGenerating, func(c *model.Chunk) {
		c.SceneOperationID = strPtr("op-1")
	})

	cleanupTask, err := task.NewCleanupTask(job.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleCleanup(context.Background(), cleanupTask))

	assert.Zero(t, f.scene.cancelCalls())
}

func TestHandlePollSceneForCancelledJobCancelsOperation(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusSceneGenerating, func(c *model.Chunk) {
		c.SceneOperationID = strPtr("op-1")
	})

	ok, err := f.store.TryJobTransition(context.Background(), job.ID,
		[]model.JobStatus{model.JobStatusProcessing}, model.JobStatusCancelled, nil)
	require.NoError(t, err)
	require.True(t, ok)

	pollTask, err := task.NewPollSceneTask(job.ID, chunk.ID, "op-1", 1)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandlePollScene(context.Background(), pollTask))

	assert.Equal(t, []string{"op-1"}, f.scene.cancelledOps())
	assert.Empty(t, f.enqueuer.byType(task.TypePollScene))
}

func TestHandlePollVideoForCancelledJobCancelsOperation(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, model.JobStatusProcessing)
	chunk := f.seedChunk(t, job.ID, 0, model.ChunkStatusVideoGenerating, func(c *model.Chunk) {
		c.VideoOperationID = strPtr("op-7")
		c.Meta = datatypes.NewJSONType(model.ChunkMeta{VideoProvider: "video"})
	})

	ok, err := f.store.TryJobTransition(context.Background(), job.ID,
		[]model.JobStatus{model.JobStatusProcessing}, model.JobStatusCancelled, nil)
	require.NoError(t, err)
	require.True(t, ok)

	pollTask, err := task.NewPollVideoTask(job.ID, chunk.ID, "op-7", 1)
	require.NoError(t, err)
	require.NoError(t, f.worker.HandlePollVideo(context.Background(), pollTask))

	assert.Equal(t, []string{"op-7"}, f.video.cancelledOps())
	assert.Zero(t, f.scene.cancelCalls())
}
