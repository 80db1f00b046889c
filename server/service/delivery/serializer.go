package delivery

import (
	"sync"

	"github.com/hrygo/wxbridge/internal/apperr"
)

// chatQueueCapacity bounds how many units may wait per chat before enqueue
// rejects with an overload error.
const chatQueueCapacity = 32

// serializer runs units strictly in order within one chat key while allowing
// different chats to proceed in parallel, bounded by the shared worker pool.
type serializer struct {
	process func(*unit)

	mu     sync.Mutex
	queues map[string]*chatQueue
	wg     sync.WaitGroup
}

type chatQueue struct {
	pending chan *unit
	running bool
}

func newSerializer(process func(*unit)) *serializer {
	return &serializer{
		process: process,
		queues:  make(map[string]*chatQueue),
	}
}

// enqueue appends a unit to its chat queue, starting a drain goroutine when
// none is running. A full queue rejects immediately.
func (s *serializer) enqueue(key string, u *unit) error {
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &chatQueue{pending: make(chan *unit, chatQueueCapacity)}
		s.queues[key] = q
	}

	select {
	case q.pending <- u:
	default:
		s.mu.Unlock()
		return apperr.New(apperr.KindOverload, "chat queue full for %s", key)
	}

	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.drain(key, q)
	}
	s.mu.Unlock()
	return nil
}

func (s *serializer) drain(key string, q *chatQueue) {
	defer s.wg.Done()
	for {
		select {
		case u := <-q.pending:
			s.process(u)
		default:
			s.mu.Lock()
			// Re-check under the lock so a unit enqueued between the failed
			// receive and here is not stranded.
			if len(q.pending) == 0 {
				q.running = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}
}

// wait blocks until every drain goroutine has finished.
func (s *serializer) wait() {
	s.wg.Wait()
}
