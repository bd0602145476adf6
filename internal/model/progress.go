package model

// chunkProgressWeights maps each chunk status to its share of that chunk's
// completion percentage.
var chunkProgressWeights = map[ChunkStatus]int{
	ChunkStatusPending:         0,
	ChunkStatusAudioReady:      10,
	ChunkStatusSceneGenerating: 20,
	ChunkStatusSceneReady:      45,
	ChunkStatusVideoGenerating: 55,
	ChunkStatusVideoReady:      100,
	ChunkStatusFailed:          0,
}

// ComputeOverallProgress derives the job-level percentage from chunk states.
// It only reads 100 once the job itself is completed, since stitching runs
// after the last chunk turns ready.
func ComputeOverallProgress(status JobStatus, chunks []Chunk) int {
	if status == JobStatusCompleted {
		return 100
	}
	if len(chunks) == 0 {
		return 0
	}
	total := 0
	for _, c := range chunks {
		total += chunkProgressWeights[c.Status]
	}
	progress := total / len(chunks)
	if progress > 99 {
		progress = 99
	}
	return progress
}

// CountCompleted returns how many chunks have reached video_ready.
func CountCompleted(chunks []Chunk) int {
	n := 0
	for _, c := range chunks {
		if c.Status == ChunkStatusVideoReady {
			n++
		}
	}
	return n
}
