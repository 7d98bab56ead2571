package auditqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	processed := make(chan []byte, 10)
	nextProcessed := func() []byte {
		select {
		case data := <-processed:
			return data
		case <-time.After(1 * time.Second):
			t.Fatal("timeout")
		}
		return nil
	}
	processOk := func(ctx context.Context, data []byte, info ItemInfo) error {
		processed <- data
		return nil
	}
	queue := NewRedisQueue(log, red, "queue_test")
	err = queue.CleanQueue(ctx)
	require.NoError(t, err)

	// test that queue can be cancelled
	t.Run("empty queue cancel", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		// wait so code gets to the blocking pop operation
		time.Sleep(10 * time.Millisecond)

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueue(context.Background()))
	})

	// test that normal processing works
	t.Run("normal processing", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		err = queue.Push(ctx, []byte("test"))
		require.NoError(t, err)

		require.Equal(t, "test", string(nextProcessed()))
		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueue(context.Background()))
	})

	// test multiple workers
	t.Run("multiple workers", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		workers := MultipleWorkers(processOk, 10, rate.Inf, 1)
		wg := queue.StartProcessLoop(procCtx, workers)

		for i := 0; i < 5; i++ {
			err = queue.Push(ctx, []byte("item"))
			require.NoError(t, err)
		}
		for i := 0; i < 5; i++ {
			require.Equal(t, "item", string(nextProcessed()))
		}

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueue(context.Background()))
	})

	// test that a failing item is retried with an incremented count
	t.Run("retry then success", func(t *testing.T) {
		var calls atomic.Int32
		processFlaky := func(ctx context.Context, data []byte, info ItemInfo) error {
			if calls.Add(1) == 1 {
				require.Equal(t, 0, info.Retries)
				return ErrProcessRetry
			}
			require.Equal(t, 1, info.Retries)
			processed <- data
			return nil
		}

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processFlaky})

		err = queue.Push(ctx, []byte("flaky"))
		require.NoError(t, err)

		require.Equal(t, "flaky", string(nextProcessed()))
		require.Equal(t, int32(2), calls.Load())

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueue(context.Background()))
	})

	// test that an unprocessable item is dropped, not requeued
	t.Run("unrecoverable item dropped", func(t *testing.T) {
		var calls atomic.Int32
		processBroken := func(ctx context.Context, data []byte, info ItemInfo) error {
			calls.Add(1)
			return ErrProcessUnrecoverable
		}

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processBroken})

		err = queue.Push(ctx, []byte("garbage"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return calls.Load() == 1
		}, time.Second, 10*time.Millisecond)
		// give a requeue a chance to happen before asserting it did not
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, int32(1), calls.Load())

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueue(context.Background()))
	})
}

func TestRedisQueueFull(t *testing.T) {
	ctx := context.Background()
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	queue := NewRedisQueue(zap.NewNop(), red, "queue_full_test")
	queue.MaxQueued = 2
	require.NoError(t, queue.CleanQueue(ctx))

	require.NoError(t, queue.Push(ctx, []byte("one")))
	require.NoError(t, queue.Push(ctx, []byte("two")))
	require.ErrorIs(t, queue.Push(ctx, []byte("three")), ErrQueueFull)

	require.NoError(t, queue.CleanQueue(ctx))
}

func TestRedisQueueMaxRetries(t *testing.T) {
	ctx := context.Background()
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	queue := NewRedisQueue(zap.NewNop(), red, "queue_retries_test")
	queue.MaxRetries = 1
	require.NoError(t, queue.CleanQueue(ctx))

	var calls atomic.Int32
	processFail := func(ctx context.Context, data []byte, info ItemInfo) error {
		calls.Add(1)
		return ErrProcessRetry
	}

	procCtx, procCancel := context.WithCancel(ctx)
	wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processFail})

	require.NoError(t, queue.Push(ctx, []byte("doomed")))

	// initial attempt plus one retry, then the item is dropped
	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), calls.Load())

	procCancel()
	wg.Wait()
	require.NoError(t, queue.CleanQueue(ctx))
}
