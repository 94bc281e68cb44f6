package rxnostr

import (
	"context"
	"sync"
)

// Stream delivers values of one engine output in order. Values are queued
// without bound so producers never block; a single goroutine drains the queue
// into C.
//
// C is closed once the stream has completed and every queued value has been
// received, or right away after Close.
type Stream[T any] struct {
	c      chan T
	done   chan struct{}
	cancel chan struct{}
	wake   chan struct{}

	mu       sync.Mutex
	queue    []T
	finished bool

	closeOnce sync.Once
	onClose   func()
}

func newStream[T any]() *Stream[T] {
	s := &Stream[T]{
		c:      make(chan T),
		done:   make(chan struct{}),
		cancel: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

// C returns the channel values are delivered on.
func (s *Stream[T]) C() <-chan T { return s.c }

// Done is closed after C is closed.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Close unsubscribes. The engine tears down whatever backs the stream (CLOSE
// for subscriptions, listeners for acknowledgements) and queued values are
// discarded. Close is safe to call more than once and from any goroutine.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		s.complete()
		close(s.cancel)
	})
}

// Collect receives until the stream completes or ctx is done. On ctx expiry
// the stream is closed and the values received so far are returned with the
// context error.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for {
		select {
		case v, ok := <-s.c:
			if !ok {
				return out, nil
			}
			out = append(out, v)
		case <-ctx.Done():
			s.Close()
			return out, ctx.Err()
		}
	}
}

// push queues v and reports whether the stream still accepts values.
func (s *Stream[T]) push(v T) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
	return true
}

// complete stops accepting values. C closes once the queue is drained.
func (s *Stream[T]) complete() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *Stream[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream[T]) pump() {
	defer close(s.done)
	defer close(s.c)

	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.cancel:
				return
			}
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.c <- v:
		case <-s.cancel:
			return
		}
	}
}
