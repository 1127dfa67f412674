package events

// CallbackEvent delivers values to callbacks synchronously, on the goroutine
// calling Notify.
type CallbackEvent[T any] struct {
	subs subscribers[T, func(T)]
}

// NewCallbackEvent creates a CallbackEvent. With sendLastEventOnListen, a
// new listener is called at once with the last notified value, if any.
func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{subs: subscribers[T, func(T)]{replay: sendLastEventOnListen}}
}

// Listen registers callback and returns a function removing it. Removing is
// idempotent and safe from inside the callback.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	unregister, last, ok := e.subs.add(callback)
	if ok {
		callback(last)
	}
	return unregister
}

// Notify calls every listener with value. Callbacks run outside the lock, so
// they may Listen or unregister.
func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.subs.record(value) {
		callback(value)
	}
}

func (e *CallbackEvent[T]) ListenerCount() int {
	return e.subs.count()
}

// Close drops every listener. Later Listen and Notify calls are no-ops.
func (e *CallbackEvent[T]) Close() {
	e.subs.close()
}
