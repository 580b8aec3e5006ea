package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"medscribe/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingObserver struct {
	acquired atomic.Int32
	busy     atomic.Int32
}

func (o *countingObserver) LockAcquired(time.Duration) { o.acquired.Add(1) }
func (o *countingObserver) LockBusy()                  { o.busy.Add(1) }

func TestAcquireRelease(t *testing.T) {
	obs := &countingObserver{}
	m := NewManager(50*time.Millisecond, obs)
	id := uuid.New()

	release, err := m.Acquire(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, m.Held(id))

	release()
	release()
	assert.False(t, m.Held(id))
	assert.Equal(t, int32(1), obs.acquired.Load())
}

func TestAcquireFailsFastWhenBusy(t *testing.T) {
	obs := &countingObserver{}
	m := NewManager(20*time.Millisecond, obs)
	id := uuid.New()

	release, err := m.Acquire(context.Background(), id)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = m.Acquire(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConsultationBusy)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), obs.busy.Load())
}

func TestDistinctIDsDoNotContend(t *testing.T) {
	m := NewManager(10*time.Millisecond, nil)

	r1, err := m.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	defer r1()

	r2, err := m.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	defer r2()
}

func TestWaiterProceedsAfterRelease(t *testing.T) {
	m := NewManager(time.Second, nil)
	id := uuid.New()

	release, err := m.Acquire(context.Background(), id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var waiterErr error
	go func() {
		defer wg.Done()
		r, err := m.Acquire(context.Background(), id)
		waiterErr = err
		if err == nil {
			r()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	release()
	wg.Wait()

	require.NoError(t, waiterErr)
	assert.False(t, m.Held(id))
}

func TestAcquireHonoursContext(t *testing.T) {
	m := NewManager(time.Second, nil)
	id := uuid.New()

	release, err := m.Acquire(context.Background(), id)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdvisoryKeyIsStable(t *testing.T) {
	id := uuid.MustParse("6f1c2a3b-4d5e-4f60-8172-839405a6b7c8")
	assert.Equal(t, advisoryKey(id), advisoryKey(id))
	assert.NotEqual(t, advisoryKey(id), advisoryKey(uuid.New()))
}
