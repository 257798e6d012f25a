package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ecg.report/internal/monitoring"
)

func TestLoop_RunsInPostingOrder(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Sync(context.Background()))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_PostFromManyGoroutinesIsSerialized(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Sync(context.Background()))

	assert.Equal(t, 2000, counter)
}

func TestLoop_PostFromInsideLoop(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post did not run")
	}
}

func TestLoop_CloseRejectsNewWork(t *testing.T) {
	l := NewLoop()
	l.Close()
	l.Close()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
}

func TestLoop_DoHonoursContext(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	release := make(chan struct{})
	l.Post(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestLoop_RecoversPanics(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()
	monitoring.SetLogger(nil)

	l := NewLoop()
	defer l.Close()

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestInline(t *testing.T) {
	var e Runner = Inline{}
	ran := 0
	assert.True(t, e.Post(func() { ran++ }))
	require.NoError(t, e.Do(context.Background(), func() { ran++ }))
	assert.Equal(t, 2, ran)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Do(ctx, func() { ran++ }), context.Canceled)
	assert.Equal(t, 2, ran)
}
