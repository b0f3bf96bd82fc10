// Package utils contains small concurrency helpers shared across services.
package utils

import "sync"

// Dispatcher broadcasts events of type T to any number of subscribers.
// The zero value is ready to use.
type Dispatcher[T any] struct {
	mutex         sync.Mutex
	subscriptions []*Subscription[T]
	closed        bool
}

// Subscription is a single subscriber's view of a Dispatcher.
type Subscription[T any] struct {
	channel    chan T
	dispatcher *Dispatcher[T]
	blocking   bool
}

// Subscribe registers a new subscriber. Non-blocking subscribers drop events
// when their buffer is full; blocking subscribers stall Fire until they read.
// Subscribing to a closed dispatcher returns an already closed subscription.
func (d *Dispatcher[T]) Subscribe(capacity int, blocking bool) *Subscription[T] {
	sub := &Subscription[T]{
		channel:    make(chan T, capacity),
		dispatcher: d,
		blocking:   blocking,
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		close(sub.channel)
		return sub
	}

	d.subscriptions = append(d.subscriptions, sub)

	return sub
}

// Unsubscribe removes a subscriber. Its channel is left open.
func (d *Dispatcher[T]) Unsubscribe(subscription *Subscription[T]) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for i, sub := range d.subscriptions {
		if sub == subscription {
			d.subscriptions = append(d.subscriptions[:i], d.subscriptions[i+1:]...)
			return
		}
	}
}

// Fire delivers data to all current subscribers.
func (d *Dispatcher[T]) Fire(data T) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return
	}

	for _, sub := range d.subscriptions {
		if sub.blocking {
			sub.channel <- data
			continue
		}

		select {
		case sub.channel <- data:
		default:
		}
	}
}

// Close closes every subscriber channel. Further Fire calls are ignored.
func (d *Dispatcher[T]) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return
	}

	d.closed = true

	for _, sub := range d.subscriptions {
		close(sub.channel)
	}

	d.subscriptions = nil
}

// Channel returns the receive side of the subscription.
func (s *Subscription[T]) Channel() <-chan T {
	return s.channel
}

// Unsubscribe detaches the subscription from its dispatcher.
func (s *Subscription[T]) Unsubscribe() {
	if s.dispatcher != nil {
		s.dispatcher.Unsubscribe(s)
	}
}
