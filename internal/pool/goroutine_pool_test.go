package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoroutinePool_SubmitRunsTasks(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 4, QueueSize: 16})
	defer p.Close()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return ran.Load() == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGoroutinePool_SubmitWaitReturnsTaskError(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 4})
	defer p.Close()

	wantErr := errors.New("task failed")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	err = p.SubmitWait(context.Background(), func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestGoroutinePool_SubmitAfterClose(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestGoroutinePool_CloseDrainsQueuedWork(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 16})

	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}

	p.Close()
	assert.Equal(t, int32(8), ran.Load())

	// Close is idempotent.
	p.Close()
}

func TestGoroutinePool_RejectsWhenSaturated(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	// One slot in the queue, then rejection.
	sawFull := false
	for i := 0; i < 3; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
		if errors.Is(err, ErrPoolFull) {
			sawFull = true
		}
	}
	close(block)

	assert.True(t, sawFull)
	assert.Greater(t, p.Stats().Rejected, int64(0))
}

func TestGoroutinePool_RecoversFromPanic(t *testing.T) {
	var captured atomic.Value
	p := NewGoroutinePool(GoroutinePoolConfig{
		MaxWorkers: 1,
		QueueSize:  1,
		PanicHandler: func(r any) {
			captured.Store(r)
		},
	})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, "boom", captured.Load())

	// Pool still usable after the panic.
	assert.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestGoroutinePool_Stats(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 8})
	defer p.Close()

	require.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
	require.Error(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return errors.New("x") }))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestDefaultGoroutinePoolConfig(t *testing.T) {
	cfg := DefaultGoroutinePoolConfig()
	assert.Equal(t, 100, cfg.MaxWorkers)
	assert.Equal(t, 1000, cfg.QueueSize)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)

	// Constructor backfills zero values.
	p := NewGoroutinePool(GoroutinePoolConfig{})
	defer p.Close()
	assert.Equal(t, 100, p.maxWorkers)
	assert.Equal(t, 60*time.Second, p.idleTimeout)
}
