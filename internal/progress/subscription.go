package progress

import (
	"sync"
)

// Subscription receives one channel's events. The publisher never blocks on
// a slow reader: events queue here and a pump goroutine hands them out.
type Subscription struct {
	ch *Channel

	mu       sync.Mutex
	queue    []Event
	finished bool

	signal    chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(ch *Channel) *Subscription {
	return &Subscription{
		ch:     ch,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
}

// Events yields events in emission order. It is closed after the terminal
// event has been received or after Close.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close detaches the subscription; pending events are dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ch.detach(s)
	})
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if ev.Terminal() {
		s.finished = true
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				s.Close()
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
