package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/makeasinger/video-service/internal/model"
)

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// TryJobTransition conditionally moves a job between statuses, optionally
// applying extra fields. Returns false when the job was not in any of the
// expected statuses, meaning another worker got there first.
func (s *Store) TryJobTransition(ctx context.Context, jobID string, from []model.JobStatus, to model.JobStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status IN ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TryMarkStitching flips the single-shot stitching guard. Only the caller
// that sees true may run the stitch stage.
func (s *Store) TryMarkStitching(ctx context.Context, jobID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND stitching = ?", jobID, model.JobStatusProcessing, false).
		Update("stitching", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ResetStitching releases the stitching guard so a later trigger can claim
// it again. Used when the stitch message could not be enqueued after the
// guard was won.
func (s *Store) ResetStitching(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ?", jobID).
		Update("stitching", false).Error
}

// UpdateJobProgress records the derived overall progress percentage.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	return s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ?", jobID).
		Update("progress", progress).Error
}

// MarkJobFailed moves a job to failed unless it already reached a terminal
// status. Repeat calls for the same job are no-ops.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, errMsg string) (bool, error) {
	return s.TryJobTransition(ctx, jobID,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing},
		model.JobStatusFailed,
		map[string]interface{}{"error": errMsg},
	)
}

// CreateResult persists the stitched result record.
func (s *Store) CreateResult(ctx context.Context, result *model.VideoResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(result).Error
}

// GetResultByJob fetches the result record for a job, if any.
func (s *Store) GetResultByJob(ctx context.Context, jobID string) (*model.VideoResult, error) {
	var result model.VideoResult
	err := s.db.WithContext(ctx).First(&result, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}
