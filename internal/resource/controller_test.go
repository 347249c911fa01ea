package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	assert.True(t, c.TryAcquireMemory(50))
	assert.Equal(t, int64(50), c.MemoryUsage())

	assert.True(t, c.TryAcquireMemory(40))
	assert.Equal(t, int64(90), c.MemoryUsage())

	// Limit exceeded
	assert.False(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(90), c.MemoryUsage())

	c.ReleaseMemory(50)
	assert.Equal(t, int64(40), c.MemoryUsage())

	assert.True(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(60), c.MemoryUsage())
	assert.Equal(t, int64(100), c.MemoryLimit())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 0})

	assert.True(t, c.TryAcquireMemory(1000))
	assert.Equal(t, int64(1000), c.MemoryUsage())

	c.ReleaseMemory(500)
	assert.Equal(t, int64(500), c.MemoryUsage())
}

func TestController_Background(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.Equal(t, int64(2), c.BackgroundActive())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireBackground(ctx))
	assert.Equal(t, int64(2), c.BackgroundActive())

	c.ReleaseBackground()
	assert.Equal(t, int64(1), c.BackgroundActive())
	require.NoError(t, c.AcquireBackground(t.Context()))
}

func TestController_IO(t *testing.T) {
	ctx := context.Background()

	c := NewController(Config{IOLimitBytesPerSec: 1000})
	assert.NoError(t, c.AcquireIO(ctx, 100))

	// Requests above the burst are charged in steps and wait for refills.
	start := time.Now()
	assert.NoError(t, c.AcquireIO(ctx, 1400))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, c.AcquireIO(cancelled, 5000))

	unlimited := NewController(Config{})
	assert.NoError(t, unlimited.AcquireIO(ctx, 1_000_000))
}

func TestController_NilChecks(t *testing.T) {
	var c *Controller
	assert.True(t, c.TryAcquireMemory(10))
	c.ReleaseMemory(10)
	assert.NoError(t, c.AcquireBackground(context.Background()))
	assert.Zero(t, c.BackgroundActive())
	c.ReleaseBackground()
	assert.NoError(t, c.AcquireIO(context.Background(), 10))
	assert.Zero(t, c.MemoryUsage())
}
