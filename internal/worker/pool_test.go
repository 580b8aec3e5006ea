package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"medscribe/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(3, 10)
	p.Start(context.Background())

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) { n.Add(1) }, time.Second))
	}

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(10), n.Load())
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	p.Start(context.Background())

	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-block
	}, time.Second))
	<-started
	require.NoError(t, p.Submit(func(ctx context.Context) {}, time.Second))

	err := p.Submit(func(ctx context.Context) {}, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLimit))

	close(block)
	require.NoError(t, p.Stop(context.Background()))
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1)
	p.Start(context.Background())
	require.NoError(t, p.Stop(context.Background()))

	err := p.Submit(func(ctx context.Context) {}, time.Millisecond)
	assert.Error(t, err)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(1, 2)
	p.Start(context.Background())

	var ran atomic.Bool
	require.NoError(t, p.Submit(func(ctx context.Context) { panic("boom") }, time.Second))
	require.NoError(t, p.Submit(func(ctx context.Context) { ran.Store(true) }, time.Second))

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, ran.Load())
}

func TestStopCancelsRunningJobsOnDeadline(t *testing.T) {
	p := NewPool(1, 0)
	p.Start(context.Background())

	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, time.Second))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}
