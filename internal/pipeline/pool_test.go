package pipeline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	p := NewPool("test", 1, 2, zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.TrySubmit(func() {
		close(started)
		<-release
	}))
	<-started

	var ran atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, p.TrySubmit(func() { ran.Add(1) }))
	}
	err := p.TrySubmit(func() { ran.Add(1) })
	assert.ErrorIs(t, err, ErrPoolSaturated)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, uint64(1), stats.Rejected)

	close(release)
	p.Close()
	assert.Equal(t, int32(2), ran.Load())
	assert.Equal(t, uint64(3), p.Stats().Completed)

	assert.ErrorIs(t, p.TrySubmit(func() {}), ErrPoolClosed)
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := NewPool("drain", 2, 16, zap.NewNop())

	var ran atomic.Int32
	for i := 0; i < 16; i++ {
		require.NoError(t, p.TrySubmit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	p.Close()
	assert.Equal(t, int32(16), ran.Load())
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool("panics", 1, 4, zap.NewNop())
	defer p.Close()

	require.NoError(t, p.TrySubmit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.TrySubmit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	assert.Equal(t, uint64(1), p.Stats().Panics)
}
