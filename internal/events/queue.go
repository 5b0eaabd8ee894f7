package events

import (
	"container/heap"
	"sync"
)

// eventHeap orders by priority, then enqueue time, then arrival sequence,
// so equal-priority events dispatch FIFO.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// queue is a bounded blocking priority queue with a single consumer.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	heap     eventHeap
	capacity int
	nextSeq  uint64
}

func newQueue(capacity int) *queue {
	q := &queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push enqueues without blocking; it reports false when the queue is full.
// Sentinels bypass the capacity check so shutdown always lands.
func (q *queue) push(e *Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !e.sentinel && len(q.heap) >= q.capacity {
		return false
	}
	e.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, e)
	q.notEmpty.Signal()
	return true
}

// pop blocks until an event is available and returns the highest-priority
// one.
func (q *queue) pop() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 {
		q.notEmpty.Wait()
	}
	return heap.Pop(&q.heap).(*Event)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
