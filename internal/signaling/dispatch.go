package signaling

import "sync"

// dispatcher runs a handler on its own goroutine over an unbounded FIFO so
// publishers never block on slow subscribers
type dispatcher[T any] struct {
	fn func(T)

	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newDispatcher[T any](fn func(T)) *dispatcher[T] {
	d := &dispatcher[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher[T]) push(v T) {
	d.mu.Lock()
	d.queue = append(d.queue, v)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher[T]) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			v := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			select {
			case <-d.done:
				return
			default:
			}
			d.fn(v)
		}
	}
}

// stop halts delivery; a handler already running is allowed to finish.
// Safe to call from inside the handler.
func (d *dispatcher[T]) stop() {
	d.once.Do(func() { close(d.done) })
}
