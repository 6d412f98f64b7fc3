package llm

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// chatQueue bounds how many chats run at once against one local model.
// Callers past the limit wait in arrival order until a slot frees or their
// context ends.
type chatQueue struct {
	limit int64

	mu      sync.Mutex
	slots   map[string]*semaphore.Weighted
	waiting map[string]int
}

// newChatQueue returns nil for a non-positive limit, which queues nothing.
func newChatQueue(limit int) *chatQueue {
	if limit <= 0 {
		return nil
	}
	return &chatQueue{
		limit:   int64(limit),
		slots:   make(map[string]*semaphore.Weighted),
		waiting: make(map[string]int),
	}
}

func (q *chatQueue) acquire(ctx context.Context, key string) (func(), error) {
	if q == nil {
		return func() {}, nil
	}

	q.mu.Lock()
	sem, ok := q.slots[key]
	if !ok {
		sem = semaphore.NewWeighted(q.limit)
		q.slots[key] = sem
	}
	q.waiting[key]++
	q.mu.Unlock()

	err := sem.Acquire(ctx, 1)

	q.mu.Lock()
	q.waiting[key]--
	if q.waiting[key] == 0 {
		delete(q.waiting, key)
	}
	q.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// depth reports the callers waiting for a slot, per model key
func (q *chatQueue) depth() map[string]int {
	out := make(map[string]int)
	if q == nil {
		return out
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, n := range q.waiting {
		out[k] = n
	}
	return out
}
