package events

// ChannelEvent delivers values to channels. Sends never block: a listener
// whose channel is full misses that value.
type ChannelEvent[T any] struct {
	subs subscribers[T, chan<- T]
}

// NewChannelEvent creates a ChannelEvent. With sendLastEventOnListen, the
// last notified value, if any, is sent to a new listener's channel.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{subs: subscribers[T, chan<- T]{replay: sendLastEventOnListen}}
}

// Listen registers ch and returns a function removing it.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	unregister, last, ok := e.subs.add(ch)
	if ok {
		trySend(ch, last)
	}
	return unregister
}

func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.subs.record(value) {
		trySend(ch, value)
	}
}

func (e *ChannelEvent[T]) ListenerCount() int {
	return e.subs.count()
}

// Close drops every listener without closing their channels, which belong
// to the listeners.
func (e *ChannelEvent[T]) Close() {
	e.subs.close()
}

func trySend[T any](ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
	}
}
