package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueThenNext(t *testing.T) {
	q := New()

	pos := q.Enqueue(json.RawMessage(`{"task":"a"}`))
	assert.Equal(t, 1, pos)
	pos = q.Enqueue(json.RawMessage(`{"task":"b"}`))
	assert.Equal(t, 2, pos)

	item, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `{"task":"a"}`, string(item))

	stats := q.Stats()
	assert.Equal(t, 2, stats.Length)
	assert.True(t, stats.Working)
}

func TestNextBlocksUntilEnqueue(t *testing.T) {
	q := New()

	got := make(chan json.RawMessage, 1)
	go func() {
		item, ok := q.Next(context.Background())
		if ok {
			got <- item
		}
	}()

	// Give the waiter time to register before waking it.
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(json.RawMessage(`{"task":"late"}`))

	select {
	case item := <-got:
		assert.JSONEq(t, `{"task":"late"}`, string(item))
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestNextTimesOut(t *testing.T) {
	q := New()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	item, ok := q.Next(ctx)
	assert.False(t, ok)
	assert.Nil(t, item)
	assert.Equal(t, 0, q.Stats().Waiting, "timed-out waiter must be removed")
}

func TestAtMostOneOutstanding(t *testing.T) {
	q := New()
	q.Enqueue(json.RawMessage(`{"task":"a"}`))
	q.Enqueue(json.RawMessage(`{"task":"b"}`))

	first, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `{"task":"a"}`, string(first))

	// While "a" is outstanding, a second /next must not receive "b".
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok = q.Next(ctx)
	assert.False(t, ok)

	remaining := q.Complete()
	assert.Equal(t, 1, remaining)

	second, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `{"task":"b"}`, string(second))
}

func TestCompleteWakesWaiter(t *testing.T) {
	q := New()
	q.Enqueue(json.RawMessage(`{"task":"a"}`))
	q.Enqueue(json.RawMessage(`{"task":"b"}`))

	_, ok := q.Next(context.Background())
	require.True(t, ok)

	got := make(chan json.RawMessage, 1)
	go func() {
		item, ok := q.Next(context.Background())
		if ok {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Complete()

	select {
	case item := <-got:
		assert.JSONEq(t, `{"task":"b"}`, string(item))
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken after complete")
	}
}

func TestCompleteOnEmptyQueue(t *testing.T) {
	q := New()
	assert.Equal(t, 0, q.Complete())
	assert.False(t, q.Stats().Working)
}

func TestWaitersServedInOrder(t *testing.T) {
	q := New()

	type result struct {
		waiter int
		item   string
	}
	results := make(chan result, 2)

	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			item, ok := q.Next(context.Background())
			if ok {
				results <- result{waiter: i, item: string(item)}
			}
		}()
		// Register waiters in a known order.
		time.Sleep(20 * time.Millisecond)
	}

	q.Enqueue(json.RawMessage(`{"task":"a"}`))
	first := <-results
	assert.Equal(t, 1, first.waiter)
	assert.JSONEq(t, `{"task":"a"}`, first.item)

	q.Complete()
	q.Enqueue(json.RawMessage(`{"task":"b"}`))
	second := <-results
	assert.Equal(t, 2, second.waiter)
	assert.JSONEq(t, `{"task":"b"}`, second.item)
}
