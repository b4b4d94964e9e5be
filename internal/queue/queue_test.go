package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dequeueIDs(t *testing.T, q *Queue, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		ids = append(ids, e.JobID)
	}
	return ids
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := New(0)
	defer q.Close()

	require.NoError(t, q.Enqueue(Entry{JobID: "low-1", Priority: 5}))
	require.NoError(t, q.Enqueue(Entry{JobID: "high-1", Priority: 1}))
	require.NoError(t, q.Enqueue(Entry{JobID: "low-2", Priority: 5}))
	require.NoError(t, q.Enqueue(Entry{JobID: "high-2", Priority: 1}))
	require.NoError(t, q.Enqueue(Entry{JobID: "mid", Priority: 3}))

	assert.Equal(t, 5, q.Len())
	assert.Equal(t, []string{"high-1", "high-2", "mid", "low-1", "low-2"}, dequeueIDs(t, q, 5))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ReenqueueGoesBehindEqualPriority(t *testing.T) {
	q := New(0)
	defer q.Close()

	require.NoError(t, q.Enqueue(Entry{JobID: "retry", Priority: 2}))
	first := dequeueIDs(t, q, 1)
	require.Equal(t, []string{"retry"}, first)

	require.NoError(t, q.Enqueue(Entry{JobID: "newer", Priority: 2}))
	require.NoError(t, q.Enqueue(Entry{JobID: "retry", Priority: 2}))

	assert.Equal(t, []string{"newer", "retry"}, dequeueIDs(t, q, 2))
}

func TestQueue_BoundedRejects(t *testing.T) {
	q := New(2)
	defer q.Close()

	require.NoError(t, q.Enqueue(Entry{JobID: "a"}))
	require.NoError(t, q.Enqueue(Entry{JobID: "b"}))
	err := q.Enqueue(Entry{JobID: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(0)
	defer q.Close()

	got := make(chan string, 1)
	go func() {
		e, err := q.Dequeue(context.Background())
		if err == nil {
			got <- e.JobID
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(Entry{JobID: "late"}))
	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestQueue_DequeueRespectsContext(t *testing.T) {
	q := New(0)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Remove(t *testing.T) {
	q := New(0)
	defer q.Close()

	require.NoError(t, q.Enqueue(Entry{JobID: "a"}))
	require.NoError(t, q.Enqueue(Entry{JobID: "b"}))
	require.NoError(t, q.Enqueue(Entry{JobID: "c"}))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, dequeueIDs(t, q, 2))
}

func TestQueue_CloseUnblocksAndRejects(t *testing.T) {
	q := New(0)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrQueueClosed)
	}
	assert.ErrorIs(t, q.Enqueue(Entry{JobID: "x"}), ErrQueueClosed)
	assert.False(t, q.Remove("x"))
	assert.Equal(t, 0, q.Len())
	q.Close()
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New(0)
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(Entry{JobID: string(rune('A' + i%26)), Priority: i % 3})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	last := -1
	for i := 0; i < 50; i++ {
		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, e.Priority, last)
		last = e.Priority
	}
}
