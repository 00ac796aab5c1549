package concurrency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreCapacityNeverExceeded(t *testing.T) {
	sem := New(3)
	var current, max int64

	items := make([]int, 20)
	_, err := RunIndexed(context.Background(), sem, items, func(ctx context.Context, idx int, item int) (int, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			m := atomic.LoadInt64(&max)
			if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&current, -1)
		return idx, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&max), int64(3))
}

func TestRunIndexedPreservesOrder(t *testing.T) {
	sem := New(4)
	items := []int{5, 4, 3, 2, 1}
	results, err := RunIndexed(context.Background(), sem, items, func(ctx context.Context, idx int, item int) (int, error) {
		time.Sleep(time.Duration(item) * time.Millisecond)
		return item * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{50, 40, 30, 20, 10}, results)
}

func TestTryAcquire(t *testing.T) {
	sem := New(1)
	assert.True(t, sem.TryAcquire())
	assert.False(t, sem.TryAcquire())
	sem.Release()
	assert.True(t, sem.TryAcquire())
}
