package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolPreservesPerKeyOrder(t *testing.T) {
	p := New(4, 8, nil)
	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b", "c"} {
			key, i := key, i
			require.NoError(t, p.Submit(context.Background(), key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	p.Close()
	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			assert.Equal(t, i, v)
		}
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New(1, 4, nil)
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "k", func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), "k", func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
	p.Close()
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := New(2, 1, nil)
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), "k", func() {}), ErrClosed)
}

func TestPoolSubmitHonoursContext(t *testing.T) {
	p := New(1, 1, nil)
	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "k", func() { <-block }))
	// occupies the only queue slot while the first task blocks
	require.NoError(t, p.Submit(context.Background(), "k", func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, "k", func() {}), context.DeadlineExceeded)
	close(block)
	p.Close()
}
