package sender

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sirosfoundation/go-as2/internal/metrics"
	"github.com/sirosfoundation/go-as2/pkg/as2"
)

var _ as2.Dispatcher = (*Queue)(nil)

func TestQueue_RunsAfterDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(&QueueConfig{Workers: 2, QueueSize: 4})
	done := make(chan time.Duration, 1)
	start := time.Now()
	q.Dispatch(50*time.Millisecond, func(ctx context.Context) {
		assert.NoError(t, ctx.Err())
		done <- time.Since(start)
	})

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_StopRunsPendingTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(&QueueConfig{Workers: 1})
	var ran atomic.Int32
	for range 3 {
		q.Dispatch(time.Hour, func(ctx context.Context) {
			ran.Add(1)
		})
	}

	require.NoError(t, q.Stop(context.Background()))
	assert.EqualValues(t, 3, ran.Load())
	assert.ErrorIs(t, q.Stop(context.Background()), ErrQueueClosed)
}

func TestQueue_DispatchAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	q := NewQueue(&QueueConfig{Metrics: m})
	require.NoError(t, q.Stop(context.Background()))

	var cancelled bool
	q.Dispatch(0, func(ctx context.Context) {
		cancelled = ctx.Err() != nil
	})
	assert.True(t, cancelled)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueueDropsTotal))
}

func TestQueue_StopDeadlineCancelsRunningTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(&QueueConfig{Workers: 1})
	started := make(chan struct{})
	var sawCancel atomic.Bool
	q.Dispatch(0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)
	assert.True(t, sawCancel.Load())
}

func TestQueue_ConcurrentDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(&QueueConfig{Workers: 4, QueueSize: 2})
	var (
		wg  sync.WaitGroup
		ran atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Dispatch(time.Millisecond, func(context.Context) { ran.Add(1) })
		}()
	}
	wg.Wait()
	require.NoError(t, q.Stop(context.Background()))
	assert.EqualValues(t, 50, ran.Load())
}
