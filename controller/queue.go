package controller

import (
	"sync"

	"gopkg.in/tomb.v2"
)

// SequentialQueue hands items to one worker goroutine in arrival order, so
// the handler never runs concurrently with itself.
type SequentialQueue[T any] struct {
	handler func(T)

	mu     sync.Mutex
	items  []T
	signal chan struct{}

	t       tomb.Tomb
	started bool
}

func NewSequentialQueue[T any](handler func(T)) *SequentialQueue[T] {
	return &SequentialQueue[T]{
		handler: handler,
		signal:  make(chan struct{}, 1),
	}
}

func (q *SequentialQueue[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.t.Go(q.run)
}

// Stop ends the worker after the item in progress. Queued items are dropped.
func (q *SequentialQueue[T]) Stop() {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()

	q.t.Kill(nil)
	if started {
		q.t.Wait()
	}
}

func (q *SequentialQueue[T]) Add(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *SequentialQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *SequentialQueue[T]) next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *SequentialQueue[T]) run() error {
	for {
		for {
			select {
			case <-q.t.Dying():
				return nil
			default:
			}

			item, ok := q.next()
			if !ok {
				break
			}

			q.handle(item)
		}

		select {
		case <-q.t.Dying():
			return nil
		case <-q.signal:
		}
	}
}

func (q *SequentialQueue[T]) handle(item T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("queue handler panicked")
		}
	}()

	q.handler(item)
}
