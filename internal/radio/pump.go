package radio

import (
	"context"
	"sync"
)

// EventPump decouples producers from the consumer of Events(). Push never
// blocks, so an adapter can report an outcome from inside a request made by
// the goroutine that drains the channel.
type EventPump struct {
	mu      sync.Mutex
	pending []Event
	signal  chan struct{}
	out     chan Event
}

func NewEventPump() *EventPump {
	return &EventPump{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
}

func (p *EventPump) Push(ev Event) {
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *EventPump) Events() <-chan Event {
	return p.out
}

// Run forwards queued events in order until ctx is done.
func (p *EventPump) Run(ctx context.Context) {
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, ev := range batch {
			select {
			case p.out <- ev:
			case <-ctx.Done():
				return
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-p.signal:
		case <-ctx.Done():
			return
		}
	}
}
