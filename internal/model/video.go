package model

import "time"

// GenerateVideoRequest starts a music-video generation job.
// JobID may reference a job row pre-created by the caller; when omitted a
// fresh job is created.
type GenerateVideoRequest struct {
	JobID                string `json:"jobId,omitempty" validate:"omitempty,uuid4"`
	SingerID             string `json:"singerId" validate:"required"`
	SongID               string `json:"songId" validate:"required"`
	AudioURL             string `json:"audioUrl" validate:"required,url"`
	Prompt               string `json:"prompt" validate:"required,max=2000"`
	DurationMs           int64  `json:"durationMs" validate:"required,gt=0"`
	ChunkDurationSeconds int    `json:"chunkDurationSeconds,omitempty" validate:"omitempty,min=1,max=60"`
	AspectRatio          string `json:"aspectRatio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1"`
	CharacterImageURL    string `json:"characterImageUrl" validate:"required,url"`
}

// GenerateVideoResponse acknowledges an accepted generation job.
type GenerateVideoResponse struct {
	JobID       string    `json:"jobId"`
	Status      JobStatus `json:"status"`
	TotalChunks int       `json:"totalChunks"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ChunkProgress is one chunk's entry in a progress report.
type ChunkProgress struct {
	Index  int         `json:"index"`
	Status ChunkStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// ProgressResponse reports the latest known state of a job.
type ProgressResponse struct {
	JobID           string          `json:"jobId"`
	Status          JobStatus       `json:"status"`
	TotalChunks     int             `json:"totalChunks"`
	ChunksCompleted int             `json:"chunksCompleted"`
	OverallProgress int             `json:"overallProgress"`
	Chunks          []ChunkProgress `json:"chunks"`
	FinalResultURL  string          `json:"finalResultUrl,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
