// Package planner slices a song timeline into the ordered, non-overlapping
// windows the generation pipeline works on.
package planner

import "fmt"

// Window is one planned time slice of the source timeline.
type Window struct {
	Index      int   `json:"index"`
	StartMs    int64 `json:"startMs"`
	EndMs      int64 `json:"endMs"`
	DurationMs int64 `json:"durationMs"`
}

// Plan splits [0, totalMs) into consecutive windows of targetMs each. The
// final window holds the remainder; when totalMs < targetMs a single short
// window covers the whole timeline. maxTotalMs bounds the accepted input
// (0 disables the bound); callers enforce their own chunk-count ceiling.
func Plan(totalMs, targetMs, maxTotalMs int64) ([]Window, error) {
	if totalMs <= 0 {
		return nil, fmt.Errorf("total duration must be positive, got %dms", totalMs)
	}
	if targetMs <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %dms", targetMs)
	}
	if maxTotalMs > 0 && totalMs > maxTotalMs {
		return nil, fmt.Errorf("total duration %dms exceeds maximum %dms", totalMs, maxTotalMs)
	}

	count := int((totalMs + targetMs - 1) / targetMs)
	windows := make([]Window, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * targetMs
		end := start + targetMs
		if end > totalMs {
			end = totalMs
		}
		windows = append(windows, Window{
			Index:      i,
			StartMs:    start,
			EndMs:      end,
			DurationMs: end - start,
		})
	}
	return windows, nil
}
