// Package task defines the stage messages that drive the chunk pipeline.
// Messages are delivered at least once; every consumer tolerates duplicates
// and stale redeliveries.
package task

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Queue is the asynq queue all pipeline stages run on.
const Queue = "video"

// Stage task types.
const (
	TypeChunkAudio    = "video:chunk_audio"
	TypeGenerateScene = "video:generate_scene"
	TypePollScene     = "video:poll_scene"
	TypeGenerateVideo = "video:generate_video"
	TypePollVideo     = "video:poll_video"
	TypeStitch        = "video:stitch"
	TypeCleanup       = "video:cleanup"
)

// Enqueuer is the slice of asynq.Client the pipeline uses; tests substitute
// a recording stub.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobPayload is carried by job-scoped stages (chunk-audio, stitch).
type JobPayload struct {
	JobID string `json:"jobId"`
}

// ChunkPayload is carried by the generate stages.
type ChunkPayload struct {
	JobID   string `json:"jobId"`
	ChunkID string `json:"chunkId"`
}

// PollPayload is carried by the poll stages. OperationID pins the message to
// one specific provider operation so a redelivered poll for a superseded
// operation is recognizable as stale. Attempt counts from 1.
type PollPayload struct {
	JobID       string `json:"jobId"`
	ChunkID     string `json:"chunkId"`
	OperationID string `json:"operationId"`
	Attempt     int    `json:"attempt"`
}

// NewChunkAudioTask builds the stage-1 message for a job.
func NewChunkAudioTask(jobID string) (*asynq.Task, error) {
	return newTask(TypeChunkAudio, JobPayload{JobID: jobID})
}

// NewGenerateSceneTask builds the scene-generation message for a chunk.
func NewGenerateSceneTask(jobID, chunkID string) (*asynq.Task, error) {
	return newTask(TypeGenerateScene, ChunkPayload{JobID: jobID, ChunkID: chunkID})
}

// NewPollSceneTask builds a scene poll message.
func NewPollSceneTask(jobID, chunkID, operationID string, attempt int) (*asynq.Task, error) {
	return newTask(TypePollScene, PollPayload{JobID: jobID, ChunkID: chunkID, OperationID: operationID, Attempt: attempt})
}

// NewGenerateVideoTask builds the video-generation message for a chunk.
func NewGenerateVideoTask(jobID, chunkID string) (*asynq.Task, error) {
	return newTask(TypeGenerateVideo, ChunkPayload{JobID: jobID, ChunkID: chunkID})
}

// NewPollVideoTask builds a video poll message.
func NewPollVideoTask(jobID, chunkID, operationID string, attempt int) (*asynq.Task, error) {
	return newTask(TypePollVideo, PollPayload{JobID: jobID, ChunkID: chunkID, OperationID: operationID, Attempt: attempt})
}

// NewStitchTask builds the final assembly message for a job.
func NewStitchTask(jobID string) (*asynq.Task, error) {
	return newTask(TypeStitch, JobPayload{JobID: jobID})
}

// NewCleanupTask builds the message that reaps a finished job's open
// provider operations and stored artifacts.
func NewCleanupTask(jobID string) (*asynq.Task, error) {
	return newTask(TypeCleanup, JobPayload{JobID: jobID})
}

func newTask(taskType string, payload interface{}) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, data), nil
}
