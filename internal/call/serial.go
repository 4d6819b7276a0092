package call

import "sync"

// serial runs fn for each pushed value on a single goroutine in push order.
// A paused serial buffers until resume.
type serial[T any] struct {
	fn func(T)

	mu      sync.Mutex
	items   []T
	paused  bool
	stopped bool
	drain   bool

	wake chan struct{}
	done chan struct{}
}

func newSerial[T any](fn func(T), paused bool) *serial[T] {
	s := &serial[T]{
		fn:     fn,
		paused: paused,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *serial[T]) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.stopped && (!s.drain || len(s.items) == 0 || s.paused) {
			s.mu.Unlock()
			return
		}
		if s.paused || len(s.items) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		v := s.items[0]
		var zero T
		s.items[0] = zero
		s.items = s.items[1:]
		s.mu.Unlock()

		s.fn(v)
	}
}

func (s *serial[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *serial[T]) push(v T) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, v)
	s.mu.Unlock()
	s.signal()
}

func (s *serial[T]) resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
}

// stop ends the goroutine. With drain set, values already pushed are still
// delivered first. Never blocks, so it is safe to call from fn.
func (s *serial[T]) stop(drain bool) {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.drain = drain
		if !drain {
			s.items = nil
		}
	}
	s.mu.Unlock()
	s.signal()
}

// wait blocks until the goroutine has exited. Must not be called from fn.
func (s *serial[T]) wait() {
	<-s.done
}
