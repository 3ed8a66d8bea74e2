package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeoutShort = 2 * time.Second
	tick         = 5 * time.Millisecond
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[string]()

	for _, s := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(s))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := NewQueue[int]()
	require.True(t, q.Enqueue(1))
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(2))
	assert.True(t, q.Closed())

	v, ok := q.TryDequeue()
	require.True(t, ok, "items queued before Close remain")
	assert.Equal(t, 1, v)
}

func TestQueue_NextBlocksUntilItem(t *testing.T) {
	q := NewQueue[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(7)
	}()

	v, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestQueue_NextHonorsContext(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := q.Next(ctx)
	assert.False(t, ok)
}

func TestQueue_NextReturnsOnCloseWhenEmpty(t *testing.T) {
	q := NewQueue[int]()
	q.Enqueue(1)
	q.Close()

	v, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.Next(context.Background())
	assert.False(t, ok)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	const producers, each = 10, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*each, q.Len())
}

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())

	resumed := NewClockAt(41)
	assert.Equal(t, int64(42), resumed.Next())
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("s1", "s2")
	assert.Equal(t, "s1", g.Generate())
	assert.Equal(t, "s2", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	a := UUIDv7Generator{}.Generate()
	b := UUIDv7Generator{}.Generate()

	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
