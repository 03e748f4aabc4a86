package progress

import (
	"errors"
	"sync"
)

// ErrUnknownJob is returned when no channel exists for a job id.
var ErrUnknownJob = errors.New("no progress channel for job")

// Channel is the ordered event stream of one job. It keeps only the latest
// stage, percentage and terminal event; late subscribers start from that
// snapshot.
type Channel struct {
	id string

	mu          sync.Mutex
	subs        map[*Subscription]struct{}
	stage       string
	percent     int
	hasProgress bool
	terminal    *Event
}

func newChannel(id string) *Channel {
	return &Channel{
		id:   id,
		subs: make(map[*Subscription]struct{}),
	}
}

// ID returns the job id the channel belongs to.
func (c *Channel) ID() string { return c.id }

// Publish delivers ev to every attached subscriber in emission order.
// Progress regressions, repeated stages and anything after a terminal event
// are discarded; the return value reports whether ev was delivered.
func (c *Channel) Publish(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminal != nil {
		return false
	}

	switch ev.Type {
	case EventProgress:
		if c.hasProgress && ev.Percent <= c.percent {
			return false
		}
		c.percent = ev.Percent
		c.hasProgress = true
	case EventStage:
		if ev.Data == c.stage {
			return false
		}
		c.stage = ev.Data
	default:
		if !ev.Terminal() {
			return false
		}
		term := ev
		c.terminal = &term
	}

	for sub := range c.subs {
		sub.enqueue(ev)
	}
	return true
}

// Closed reports whether a terminal event has been published.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal != nil
}

// Subscribers returns the number of attached subscriptions.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Subscribe attaches a new subscriber. It first receives the current
// snapshot, then live events.
func (c *Channel) Subscribe() *Subscription {
	sub := newSubscription(c)

	c.mu.Lock()
	if c.stage != "" {
		sub.enqueue(Stage(c.stage))
	}
	if c.hasProgress {
		sub.enqueue(Progress(c.percent))
	}
	if c.terminal != nil {
		sub.enqueue(*c.terminal)
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.pump()
	return sub
}

func (c *Channel) detach(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

func (c *Channel) closeAll() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
