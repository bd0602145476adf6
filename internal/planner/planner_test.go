package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSplitsWithRemainder(t *testing.T) {
	windows, err := Plan(47000, 8000, 0)
	require.NoError(t, err)
	require.Len(t, windows, 6)

	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(8000), windows[i].DurationMs, "window %d", i)
	}
	assert.Equal(t, int64(7000), windows[5].DurationMs)
	assert.Equal(t, int64(40000), windows[5].StartMs)
	assert.Equal(t, int64(47000), windows[5].EndMs)
}

func TestPlanExactMultiple(t *testing.T) {
	windows, err := Plan(24000, 8000, 0)
	require.NoError(t, err)
	require.Len(t, windows, 3)
	for _, w := range windows {
		assert.Equal(t, int64(8000), w.DurationMs)
	}
}

func TestPlanShorterThanTarget(t *testing.T) {
	windows, err := Plan(3500, 8000, 0)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(0), windows[0].StartMs)
	assert.Equal(t, int64(3500), windows[0].EndMs)
	assert.Equal(t, int64(3500), windows[0].DurationMs)
}

func TestPlanCoversTimelineWithoutGaps(t *testing.T) {
	cases := []struct{ total, target int64 }{
		{1, 1},
		{999, 1000},
		{1000, 1000},
		{1001, 1000},
		{180000, 8000},
		{47000, 8000},
		{60001, 7000},
	}

	for _, tc := range cases {
		windows, err := Plan(tc.total, tc.target, 0)
		require.NoError(t, err)

		wantCount := int((tc.total + tc.target - 1) / tc.target)
		assert.Len(t, windows, wantCount, "total=%d target=%d", tc.total, tc.target)

		var cursor int64
		for i, w := range windows {
			assert.Equal(t, i, w.Index)
			assert.Equal(t, cursor, w.StartMs, "window %d must start where the previous ended", i)
			assert.Equal(t, w.EndMs-w.StartMs, w.DurationMs)
			assert.Greater(t, w.DurationMs, int64(0))
			cursor = w.EndMs
		}
		assert.Equal(t, tc.total, cursor, "windows must cover the full timeline")
	}
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	_, err := Plan(0, 8000, 0)
	assert.Error(t, err)

	_, err = Plan(-5, 8000, 0)
	assert.Error(t, err)

	_, err = Plan(47000, 0, 0)
	assert.Error(t, err)

	_, err = Plan(47000, -1, 0)
	assert.Error(t, err)
}

func TestPlanRejectsTotalBeyondMaximum(t *testing.T) {
	_, err := Plan(600001, 8000, 600000)
	assert.Error(t, err)

	windows, err := Plan(600000, 8000, 600000)
	require.NoError(t, err)
	assert.Len(t, windows, 75)
}
