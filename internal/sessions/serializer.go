package sessions

import (
	"context"
	"fmt"
	"sync"
)

// JobSerializer guarantees FIFO, concurrency-1 execution per key with
// unlimited concurrency across distinct keys. Cryptographic operations use
// "serviceID.deviceID" keys; whole-send ordering uses the conversation or
// recipient ID as the key.
//
// Queues are created on first use and removed once drained, so the arena does
// not grow with the set of recipients ever contacted.
type JobSerializer struct {
	mu     sync.Mutex
	queues map[string]*jobQueue
}

type jobQueue struct {
	running bool
	waiters []chan struct{} // FIFO
}

// NewJobSerializer returns an empty serializer.
func NewJobSerializer() *JobSerializer {
	return &JobSerializer{queues: make(map[string]*jobQueue)}
}

// SessionKey builds the serialization key for one device's ratchet state.
func SessionKey(serviceID string, deviceID int) string {
	return fmt.Sprintf("%s.%d", serviceID, deviceID)
}

// RunExclusive runs fn while holding the exclusive slot for key. Callers
// queued behind an in-flight job run in arrival order. Cancellation is
// honored while waiting; once fn starts it runs to completion so sessions
// are never left half-advanced.
func (s *JobSerializer) RunExclusive(ctx context.Context, key string, fn func() error) error {
	wait := s.acquire(key)
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			s.abandon(key, wait)
			return ctx.Err()
		}
	}
	defer s.release(key)
	return fn()
}

// acquire claims the slot for key, returning nil when it was free or a
// channel that is closed when it is this caller's turn.
func (s *JobSerializer) acquire(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		q = &jobQueue{}
		s.queues[key] = q
	}
	if !q.running {
		q.running = true
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	return ch
}

// release hands the slot to the next waiter, or discards the queue when
// nobody is waiting.
func (s *JobSerializer) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[key]
	if len(q.waiters) == 0 {
		delete(s.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// abandon removes a waiter that gave up before its turn. If its channel was
// closed concurrently with cancellation, the slot was already handed over and
// must be released like a normal completion.
func (s *JobSerializer) abandon(key string, ch chan struct{}) {
	s.mu.Lock()
	q, ok := s.queues[key]
	if ok {
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				s.mu.Unlock()
				return
			}
		}
	}
	s.mu.Unlock()

	// Not found in the waiter list: the slot was granted between the
	// cancellation and this call.
	select {
	case <-ch:
		s.release(key)
	default:
	}
}

// Len reports the number of live queues. Only used by tests to verify that
// drained queues are evicted.
func (s *JobSerializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
