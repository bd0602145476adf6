package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteNeverExceedsLimit(t *testing.T) {
	p := New(2)

	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Execute(context.Background(), 5*time.Second, func(ctx context.Context) error {
				cur := atomic.AddInt32(&active, 1)
				for {
					prev := atomic.LoadInt32(&maxActive)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(2))
	assert.Greater(t, atomic.LoadInt32(&maxActive), int32(0))
}

func TestExecuteWaiterTimesOutInsteadOfHanging(t *testing.T) {
	p := New(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Execute(context.Background(), time.Second, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := p.Execute(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		t.Error("operation must not run after acquire timeout")
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquireTimeout)

	close(release)
}

func TestExecutePropagatesContextCancellation(t *testing.T) {
	p := New(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Execute(context.Background(), time.Second, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Execute(ctx, 5*time.Second, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}

func TestExecuteRunsImmediatelyWhenSlotsFree(t *testing.T) {
	p := New(2)

	ran := false
	err := p.Execute(context.Background(), time.Millisecond, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestExecuteReleasesSlotOnFailure(t *testing.T) {
	p := New(1)

	wantErr := assert.AnError
	err := p.Execute(context.Background(), time.Second, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The slot must be free again.
	err = p.Execute(context.Background(), 50*time.Millisecond, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}
