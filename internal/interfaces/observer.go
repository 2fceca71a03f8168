package interfaces

// Observer receives events published by a Subject
type Observer[T any] interface {
	// OnEvent is called once per published event
	OnEvent(event T)
}

// Subject publishes events to registered observers
type Subject[T any] interface {
	// Subscribe adds an observer and returns a handle that removes it.
	// A handle works for any observer, including ObserverFunc adapters
	// whose interface values cannot be compared.
	Subscribe(observer Observer[T]) (unsubscribe func())

	// NotifyObservers delivers an event to every registered observer
	NotifyObservers(event T)
}

// ObserverFunc adapts a plain function to the Observer interface
type ObserverFunc[T any] func(event T)

// OnEvent implements Observer
func (f ObserverFunc[T]) OnEvent(event T) {
	f(event)
}
