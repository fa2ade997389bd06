package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/pkg/contracts"
)

func TestPool_Run_PreservesOrderUnderConcurrency(t *testing.T) {
	rows := make([]map[string]interface{}, 20)
	for i := range rows {
		rows[i] = map[string]interface{}{"i": i}
	}

	pool := NewPool(5, nil)
	pctx := contracts.PluginContext{Context: context.Background()}

	results, err := pool.Run(pctx, rows, func(_ contracts.PluginContext, row map[string]interface{}) contracts.TransformResult {
		n := row["i"].(int)
		time.Sleep(time.Duration(20-n) * time.Microsecond)
		return contracts.Success(map[string]interface{}{"i": n})
	})
	require.NoError(t, err)
	require.Len(t, results, 20)
	for i, r := range results {
		require.True(t, r.IsSuccess())
		require.Equal(t, i, r.Row()["i"])
	}
}

func TestPool_Run_BoundsConcurrency(t *testing.T) {
	rows := make([]map[string]interface{}, 10)
	for i := range rows {
		rows[i] = map[string]interface{}{}
	}

	var inFlight int32
	var maxSeen int32
	pool := NewPool(3, nil)
	pctx := contracts.PluginContext{Context: context.Background()}

	_, err := pool.Run(pctx, rows, func(_ contracts.PluginContext, row map[string]interface{}) contracts.TransformResult {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxSeen)
			if cur <= max || atomic.CompareAndSwapInt32(&maxSeen, max, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return contracts.Success(row)
	})
	require.NoError(t, err)
	require.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 3)
}

func TestPool_Run_RateLimitFailureBecomesRowFailure(t *testing.T) {
	rows := []map[string]interface{}{{"i": 0}}
	pool := NewPool(1, nil).WithRateLimit(func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	pctx := contracts.PluginContext{Context: context.Background()}

	results, err := pool.Run(pctx, rows, func(_ contracts.PluginContext, row map[string]interface{}) contracts.TransformResult {
		t.Fatal("fn should not be called when the rate limiter fails")
		return contracts.TransformResult{}
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].IsSuccess())
	require.Equal(t, contracts.CategoryRateLimited, results[0].Reason().Category)
}

func TestPool_Run_EmptyInput(t *testing.T) {
	pool := NewPool(4, nil)
	pctx := contracts.PluginContext{Context: context.Background()}
	results, err := pool.Run(pctx, nil, func(_ contracts.PluginContext, row map[string]interface{}) contracts.TransformResult {
		t.Fatal("fn should not be called for empty input")
		return contracts.TransformResult{}
	})
	require.NoError(t, err)
	require.Nil(t, results)
}
