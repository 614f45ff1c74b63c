package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthLimiter_Unlimited(t *testing.T) {
	bl := NewBandwidthLimiter(0)

	start := time.Now()
	require.NoError(t, bl.Wait(context.Background(), 10*1024*1024))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(0), bl.Rate())
}

func TestBandwidthLimiter_SplitsOversizedChunks(t *testing.T) {
	// 4 KiB/s with a 4 KiB bucket: an 8 KiB request needs roughly one extra second.
	bl := NewBandwidthLimiter(4 * 1024)

	start := time.Now()
	require.NoError(t, bl.Wait(context.Background(), 8*1024))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 800*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestBandwidthLimiter_ContextCancel(t *testing.T) {
	bl := NewBandwidthLimiter(1024)
	require.NoError(t, bl.Wait(context.Background(), 1024))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, bl.Wait(ctx, 1024))
}

func TestBandwidthLimiter_SetRate(t *testing.T) {
	bl := NewBandwidthLimiter(1024)
	assert.Equal(t, int64(1024), bl.Rate())

	bl.SetRate(-5)
	assert.Equal(t, int64(0), bl.Rate())
	require.NoError(t, bl.Wait(context.Background(), 1<<20))
}

func TestFromRate(t *testing.T) {
	assert.IsType(t, &NullLimiter{}, FromRate(0))
	assert.IsType(t, &BandwidthLimiter{}, FromRate(1024))
}

func TestNullLimiter(t *testing.T) {
	nl := NewNullLimiter()
	nl.SetRate(100)

	assert.Equal(t, int64(0), nl.Rate())
	assert.NoError(t, nl.Wait(context.Background(), 1<<30))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, nl.Wait(ctx, 1), context.Canceled)
}

func TestSleep(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start = time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Minute), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), 0))
}
