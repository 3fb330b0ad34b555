// Package interfaces holds small generic contracts shared across packages.
package interfaces

import "sync"

// Observer is notified of events of type T.
type Observer[T any] interface {
	OnEvent(event T)
}

// Subject can be observed for events of type T.
type Subject[T any] interface {
	Subscribe(observer Observer[T])
	Unsubscribe(observer Observer[T])
	NotifyObservers(event T)
}

// PubSub is a concrete, embeddable Subject[T]. Embedding it gives a type
// Subscribe/Unsubscribe/NotifyObservers without each subject reimplementing
// the same observer-list bookkeeping.
type PubSub[T any] struct {
	mu        sync.RWMutex
	observers []Observer[T]
}

func (p *PubSub[T]) Subscribe(observer Observer[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

func (p *PubSub[T]) Unsubscribe(observer Observer[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, o := range p.observers {
		if o == observer {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			return
		}
	}
}

func (p *PubSub[T]) NotifyObservers(event T) {
	p.mu.RLock()
	observers := make([]Observer[T], len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, o := range observers {
		o.OnEvent(event)
	}
}
