// Package core implements commonly used tools.
package core

import (
	"context"
	"sync"

	opentxs "github.com/wiesiekpap/opentxs-sub020"
)

// Observer is the interface to implement to watch events.
type Observer[T any] interface {
	NotifyCallback(event T)
}

// Observable provides primitives to add and remove observers and to notify
// them of new events.
type Observable[T any] interface {
	// Add adds the observer to the list of observers that will be notified of
	// new events.
	Add(observer Observer[T])

	// Remove removes the observer from the list thus stopping it from receiving
	// new events.
	Remove(observer Observer[T])

	// Notify notifies the observers of a new event.
	Notify(event T)
}

// Watcher is an implementation of the Observable interface.
//
// - implements core.Observable
type Watcher[T any] struct {
	sync.RWMutex

	observers map[Observer[T]]struct{}
}

// NewWatcher creates a new empty watcher.
func NewWatcher[T any]() *Watcher[T] {
	return &Watcher[T]{
		observers: make(map[Observer[T]]struct{}),
	}
}

// Add implements core.Observable.
func (w *Watcher[T]) Add(observer Observer[T]) {
	w.Lock()
	w.observers[observer] = struct{}{}
	w.Unlock()
}

// Remove implements core.Observable.
func (w *Watcher[T]) Remove(observer Observer[T]) {
	w.Lock()
	delete(w.observers, observer)
	w.Unlock()
}

// Notify implements core.Observable. It notifies the whole list of observers
// one after each other.
func (w *Watcher[T]) Notify(event T) {
	w.RLock()
	defer w.RUnlock()

	for obs := range w.observers {
		obs.NotifyCallback(event)
	}
}

// Len returns the number of observers.
func (w *Watcher[T]) Len() int {
	w.RLock()
	defer w.RUnlock()

	return len(w.observers)
}

// Watch returns a channel populated with the events until the context is
// done, at which point the channel is closed.
func (w *Watcher[T]) Watch(ctx context.Context, size int) <-chan T {
	obs := chanObserver[T]{ch: make(chan T, size)}

	w.Add(obs)

	go func() {
		<-ctx.Done()
		w.Remove(obs)
		close(obs.ch)
	}()

	return obs.ch
}

// chanObserver fills a channel with the events.
//
// - implements core.Observer
type chanObserver[T any] struct {
	ch chan T
}

// NotifyCallback implements core.Observer. It drops the event if the channel
// is full.
func (o chanObserver[T]) NotifyCallback(event T) {
	select {
	case o.ch <- event:
	default:
		opentxs.Logger.Warn().Msg("event channel full, dropping")
	}
}
