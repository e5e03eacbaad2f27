package record

import (
	"container/list"
	"sync"
)

// strand runs the callbacks posted for one conversation in FIFO order, one
// at a time. The goroutine that finds the strand idle drains it; concurrent
// posters only enqueue.
type strand struct {
	mu      sync.Mutex
	queue   *list.List
	running bool
}

func newStrand() *strand {
	return &strand{queue: list.New()}
}

func (s *strand) post(fn func()) {
	s.mu.Lock()
	s.queue.PushBack(fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.drain()
}

func (s *strand) drain() {
	for {
		s.mu.Lock()
		front := s.queue.Front()
		if front == nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.queue.Remove(front)
		s.mu.Unlock()

		if fn, ok := front.Value.(func()); ok {
			fn()
		}
	}
}

// pending reports how many callbacks are queued behind the running one.
func (s *strand) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}
