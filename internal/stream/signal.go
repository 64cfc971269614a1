// Package stream turns callback-style notifications into subscribable
// values. A Signal either replays its most recent values to new subscribers
// (state-like signals such as connection status) or multicasts future values
// only (event-like signals).
//
// Publishing never blocks: each subscriber owns an unbounded FIFO drained by
// its own goroutine, so every subscriber observes values in publication order.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by WaitFor when the signal is closed before a
// matching value arrives.
var ErrClosed = errors.New("signal closed")

// Source is the read side of a Signal handed to consumers.
type Source[T any] interface {
	Subscribe() *Subscription[T]
	Latest() (T, bool)
	WaitFor(ctx context.Context, match func(T) bool) (T, error)
}

// Signal is a publish/subscribe primitive.
type Signal[T any] struct {
	mu     sync.Mutex
	replay *ringBuffer[T]
	subs   map[string]*Subscription[T]
	closed bool
}

// NewBehavior creates a replay-of-latest signal seeded with initial.
func NewBehavior[T any](initial T) *Signal[T] {
	s := NewReplay[T](1)
	s.Publish(initial)
	return s
}

// NewReplay creates a signal replaying up to depth values to new
// subscribers. It starts empty.
func NewReplay[T any](depth int) *Signal[T] {
	return &Signal[T]{
		replay: newRingBuffer[T](depth),
		subs:   make(map[string]*Subscription[T]),
	}
}

// NewMulticast creates a signal delivering future values only.
func NewMulticast[T any]() *Signal[T] {
	return NewReplay[T](0)
}

// Publish delivers v to every current subscriber. No-op once closed.
func (s *Signal[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.replay.write(v)
	for _, sub := range s.subs {
		sub.push(v)
	}
}

// Subscribe registers a new subscriber. On a closed signal the returned
// subscription's channel is already closed.
func (s *Signal[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		id:     uuid.New().String(),
		signal: s,
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		sub.ended = true
	} else {
		for _, v := range s.replay.readAll() {
			sub.push(v)
		}
		s.subs[sub.id] = sub
	}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

// Latest returns the most recent value kept for replay.
func (s *Signal[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay.last()
}

// Len returns the number of live subscribers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// WaitFor blocks until a value satisfying match is observed, including a
// replayed one.
func (s *Signal[T]) WaitFor(ctx context.Context, match func(T) bool) (T, error) {
	var zero T
	sub := s.Subscribe()
	defer sub.Close()

	for {
		select {
		case v, ok := <-sub.C():
			if !ok {
				return zero, ErrClosed
			}
			if match(v) {
				return v, nil
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close ends every subscription after its queued values are delivered.
func (s *Signal[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.end()
		delete(s.subs, id)
	}
}

func (s *Signal[T]) remove(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Subscription is one subscriber's view of a Signal.
type Subscription[T any] struct {
	id     string
	signal *Signal[T]

	mu     sync.Mutex
	queue  []T
	ended  bool
	notify chan struct{}

	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

func (sub *Subscription[T]) ID() string { return sub.id }

// C yields published values. It is closed when either side closes.
func (sub *Subscription[T]) C() <-chan T { return sub.out }

// Close unregisters the subscriber and drops anything still queued.
func (sub *Subscription[T]) Close() {
	sub.closeOnce.Do(func() {
		sub.signal.remove(sub.id)
		close(sub.done)
	})
}

func (sub *Subscription[T]) push(v T) {
	sub.mu.Lock()
	if sub.ended {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, v)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription[T]) end() {
	sub.mu.Lock()
	sub.ended = true
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription[T]) pump() {
	defer close(sub.out)

	var zero T
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			ended := sub.ended
			sub.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-sub.notify:
				continue
			case <-sub.done:
				return
			}
		}
		v := sub.queue[0]
		sub.queue[0] = zero
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- v:
		case <-sub.done:
			return
		}
	}
}
