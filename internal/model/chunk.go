package model

import (
	"time"

	"gorm.io/datatypes"
)

// ChunkStatus is the per-chunk state machine. A chunk only moves forward
// through this sequence (or to failed); the single exception is a counted
// retry, which resets the chunk to the prior ready state.
type ChunkStatus string

const (
	ChunkStatusPending         ChunkStatus = "pending"
	ChunkStatusAudioReady      ChunkStatus = "audio_ready"
	ChunkStatusSceneGenerating ChunkStatus = "scene_generating"
	ChunkStatusSceneReady      ChunkStatus = "scene_ready"
	ChunkStatusVideoGenerating ChunkStatus = "video_generating"
	ChunkStatusVideoReady      ChunkStatus = "video_ready"
	ChunkStatusFailed          ChunkStatus = "failed"
)

// ChunkMeta carries the small mutable flags and retry counters for a chunk.
type ChunkMeta struct {
	SceneRetries     int    `json:"sceneRetries,omitempty"`
	VideoRetries     int    `json:"videoRetries,omitempty"`
	VideoProvider    string `json:"videoProvider,omitempty"`
	PlaceholderVideo bool   `json:"placeholderVideo,omitempty"`
	Note             string `json:"note,omitempty"`
}

// Chunk is one time-aligned slice of the song, carrying its own generation
// state. All status mutations go through the store's conditional transition.
type Chunk struct {
	ID         string      `gorm:"primaryKey;size:36" json:"id"`
	JobID      string      `gorm:"size:36;index" json:"jobId"`
	ChunkIndex int         `gorm:"index" json:"index"`
	StartMs    int64       `json:"startMs"`
	EndMs      int64       `json:"endMs"`
	DurationMs int64       `json:"durationMs"`
	Status     ChunkStatus `gorm:"size:24;index" json:"status"`

	// At most one in-flight provider operation per phase at any time.
	SceneOperationID *string `gorm:"size:128" json:"sceneOperationId,omitempty"`
	VideoOperationID *string `gorm:"size:128" json:"videoOperationId,omitempty"`

	AudioURL      *string `json:"audioUrl,omitempty"`
	SceneImageURL *string `json:"sceneImageUrl,omitempty"`
	VideoURL      *string `json:"videoUrl,omitempty"`

	Error string                        `json:"error,omitempty"`
	Meta  datatypes.JSONType[ChunkMeta] `json:"meta"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manifest is the stitched description of the final video: every segment's
// artifact references plus timing metadata. Actual media concatenation is
// the player's concern; this service's output stops at the manifest.
type Manifest struct {
	JobID           string            `json:"jobId"`
	TotalDurationMs int64             `json:"totalDurationMs"`
	AspectRatio     string            `json:"aspectRatio"`
	AudioURL        string            `json:"audioUrl"`
	Segments        []ManifestSegment `json:"segments"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// ManifestSegment describes one chunk's slot in the final timeline.
type ManifestSegment struct {
	Index         int    `json:"index"`
	StartMs       int64  `json:"startMs"`
	EndMs         int64  `json:"endMs"`
	DurationMs    int64  `json:"durationMs"`
	VideoURL      string `json:"videoUrl"`
	SceneImageURL string `json:"sceneImageUrl,omitempty"`
	Placeholder   bool   `json:"placeholder,omitempty"`
}
