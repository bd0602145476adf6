package model

import "time"

// JobStatus is the lifecycle status of a video generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further pipeline work may happen for the job.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents one music-video generation job. A row is created when
// generation starts and is mutated only by the pipeline from then on;
// deletion is handled elsewhere.
type Job struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	UserID            string    `gorm:"size:36;index" json:"userId"`
	SingerID          string    `gorm:"size:36" json:"singerId"`
	SongID            string    `gorm:"size:36" json:"songId"`
	AudioURL          string    `json:"audioUrl"`
	Prompt            string    `json:"prompt"`
	AspectRatio       string    `gorm:"size:8" json:"aspectRatio"`
	CharacterImageURL string    `json:"characterImageUrl"`
	TotalDurationMs   int64     `json:"totalDurationMs"`
	ChunkDurationMs   int64     `json:"chunkDurationMs"`
	Status            JobStatus `gorm:"size:16;index" json:"status"`
	Progress          int       `json:"progress"`
	Error             string    `json:"error,omitempty"`

	// Stitching is flipped exactly once by the conditional "mark stitching
	// started" update; it is the guard that keeps stitch single-shot.
	Stitching bool `json:"-"`

	ResultID *string `gorm:"size:36" json:"resultId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VideoResult is the record produced by stitching: a pointer to the
// persisted manifest describing every segment of the final video.
type VideoResult struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	JobID       string    `gorm:"size:36;uniqueIndex" json:"jobId"`
	ManifestKey string    `json:"manifestKey"`
	ManifestURL string    `json:"manifestUrl"`
	DurationMs  int64     `json:"durationMs"`
	ChunkCount  int       `json:"chunkCount"`
	CreatedAt   time.Time `json:"createdAt"`
}
