package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/makeasinger/video-service/internal/model"
)

// CreateChunks bulk-inserts the planned chunk rows for a job.
func (s *Store) CreateChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&chunks).Error
}

// GetChunk fetches a chunk by id.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	var chunk model.Chunk
	err := s.db.WithContext(ctx).First(&chunk, "id = ?", chunkID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &chunk, nil
}

// ListChunks returns a job's chunks in timeline order.
func (s *Store) ListChunks(ctx context.Context, jobID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// TryTransition conditionally advances a chunk's status, applying the extra
// fields in the same UPDATE. It only touches the row when the current status
// is one of from, and reports whether it did. A false return means another
// delivery of the same stage already advanced this chunk; callers must stop
// without side effects.
func (s *Store) TryTransition(ctx context.Context, chunkID string, from []model.ChunkStatus, to model.ChunkStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("id = ? AND status IN ?", chunkID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountChunksNotReady returns how many of a job's chunks have not yet
// reached video_ready. Zero means the job is ready to stitch.
func (s *Store) CountChunksNotReady(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("job_id = ? AND status <> ?", jobID, model.ChunkStatusVideoReady).
		Count(&n).Error
	return n, err
}
