package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makeasinger/video-service/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedJob(t *testing.T, s *Store, status model.JobStatus) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:              uuid.New().String(),
		UserID:          uuid.New().String(),
		Status:          status,
		TotalDurationMs: 47000,
		ChunkDurationMs: 8000,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func seedChunk(t *testing.T, s *Store, jobID string, idx int, status model.ChunkStatus) *model.Chunk {
	t.Helper()
	chunk := model.Chunk{
		ID:         uuid.New().String(),
		JobID:      jobID,
		ChunkIndex: idx,
		StartMs:    int64(idx) * 8000,
		EndMs:      int64(idx+1) * 8000,
		DurationMs: 8000,
		Status:     status,
		Meta:       datatypes.NewJSONType(model.ChunkMeta{}),
	}
	require.NoError(t, s.CreateChunks(context.Background(), []model.Chunk{chunk}))
	return &chunk
}

func TestTryTransitionAdvancesMatchingChunk(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, model.JobStatusProcessing)
	chunk := seedChunk(t, s, job.ID, 0, model.ChunkStatusAudioReady)

	opID := "op-123"
	ok, err := s.TryTransition(context.Background(), chunk.ID,
		[]model.ChunkStatus{model.ChunkStatusPending, model.ChunkStatusAudioReady},
		model.ChunkStatusSceneGenerating,
		map[string]interface{}{"scene_operation_id": opID},
	)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetChunk(context.Background(), chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStatusSceneGenerating, got.Status)
	require.NotNil(t, got.SceneOperationID)
	assert.Equal(t, opID, *got.SceneOperationID)
}

func TestTryTransitionIsNoOpWhenStatusDoesNotMatch(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, model.JobStatusProcessing)
	chunk := seedChunk(t, s, job.ID, 0, model.ChunkStatusSceneGenerating)

	// A duplicate delivery of the generate-scene stage must not touch the row.
	ok, err := s.TryTransition(context.Background(), chunk.ID,
		[]model.ChunkStatus{model.ChunkStatusPending, model.ChunkStatusAudioReady},
		model.ChunkStatusSceneGenerating,
		map[string]interface{}{"scene_operation_id": "op-duplicate"},
	)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetChunk(context.Background(), chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStatusSceneGenerating, got.Status)
	assert.Nil(t, got.SceneOperationID)
}

func TestTryTransitionOnlyOneOfTwoCompetingCallsWins(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, model.JobStatusProcessing)
	chunk := seedChunk(t, s, job.ID, 0, model.ChunkStatusAudioReady)

	from := []model.ChunkStatus{model.ChunkStatusAudioReady}
	first, err := s.TryTransition(context.Background(), chunk.ID, from, model.ChunkStatusSceneGenerating, nil)
	require.NoError(t, err)
	second, err := s.TryTransition(context.Background(), chunk.ID, from, model.ChunkStatusSceneGenerating, nil)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestTryMarkStitchingIsSingleShot(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, model.JobStatusProcessing)

	first, err := s.TryMarkStitching(context.Background(), job.ID)
	require.NoError(t, err)
	second, err := s.TryMarkStitching(context.Background(), job.ID)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestTryMarkStitchingRefusesTerminalJob(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, model.JobStatusCancelled)

	ok, err := s.TryMarkStitching(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkJobFailedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, model.JobStatusProcessing)

	first, err := s.MarkJobFailed(context.Background(), job.ID, "scene generation failed")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkJobFailed(context.Background(), job.ID, "another error")
	require.NoError(t, err)
	assert.False(t, second)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, "scene generation failed", got.Error)
}

func TestCountChunksNotReady(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, model.JobStatusProcessing)
	seedChunk(t, s, job.ID, 0, model.ChunkStatusVideoReady)
	seedChunk(t, s, job.ID, 1, model.ChunkStatusVideoGenerating)
	seedChunk(t, s, job.ID, 2, model.ChunkStatusVideoReady)

	n, err := s.CountChunksNotReady(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetChunkNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetChunk(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetJob(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}
