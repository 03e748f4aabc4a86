package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("subscription not closed, got %v", got)
			return got
		}
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	hub := NewHub()
	ch := hub.Open("job-1")
	sub := ch.Subscribe()

	ch.Publish(Stage("fetching metadata"))
	ch.Publish(Progress(10))
	ch.Publish(Progress(55))
	ch.Publish(Stage("encoding"))
	ch.Publish(Progress(100))
	ch.Publish(Ready("/api/v1/download/job-1"))

	assert.Equal(t, []Event{
		Stage("fetching metadata"),
		Progress(10),
		Progress(55),
		Stage("encoding"),
		Progress(100),
		Ready("/api/v1/download/job-1"),
	}, collect(t, sub))
	assert.Equal(t, 0, ch.Subscribers())
}

func TestProgressNeverDecreases(t *testing.T) {
	ch := NewHub().Open("job")
	sub := ch.Subscribe()

	assert.True(t, ch.Publish(Progress(30)))
	assert.False(t, ch.Publish(Progress(12)))
	assert.False(t, ch.Publish(Progress(30)))
	assert.True(t, ch.Publish(Progress(31)))
	ch.Publish(Error("boom"))

	got := collect(t, sub)
	last := -1
	for _, ev := range got {
		if ev.Type == EventProgress {
			assert.Greater(t, ev.Percent, last)
			last = ev.Percent
		}
	}
	assert.Equal(t, Error("boom"), got[len(got)-1])
}

func TestNothingAfterTerminal(t *testing.T) {
	ch := NewHub().Open("job")
	sub := ch.Subscribe()

	assert.True(t, ch.Publish(Ready("/a")))
	assert.False(t, ch.Publish(Error("late")))
	assert.False(t, ch.Publish(Progress(99)))
	assert.True(t, ch.Closed())

	assert.Equal(t, []Event{Ready("/a")}, collect(t, sub))
}

func TestLateSubscriberGetsSnapshot(t *testing.T) {
	ch := NewHub().Open("job")
	ch.Publish(Stage("downloading"))
	ch.Publish(Progress(20))
	ch.Publish(Progress(40))

	sub := ch.Subscribe()
	ch.Publish(Progress(60))
	ch.Publish(Cancelled("download cancelled"))

	assert.Equal(t, []Event{
		Stage("downloading"),
		Progress(40),
		Progress(60),
		Cancelled("download cancelled"),
	}, collect(t, sub))
}

func TestSubscribeAfterTerminal(t *testing.T) {
	ch := NewHub().Open("job")
	ch.Publish(Progress(70))
	ch.Publish(Error("extractor exited"))

	got := collect(t, ch.Subscribe())
	assert.Equal(t, []Event{Progress(70), Error("extractor exited")}, got)
}

func TestFanOut(t *testing.T) {
	ch := NewHub().Open("job")
	a := ch.Subscribe()
	b := ch.Subscribe()
	assert.Equal(t, 2, ch.Subscribers())

	ch.Publish(Progress(5))
	ch.Publish(Ready("/x"))

	want := []Event{Progress(5), Ready("/x")}
	assert.Equal(t, want, collect(t, a))
	assert.Equal(t, want, collect(t, b))
}

func TestCloseStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch := hub.Open("job")
	sub := ch.Subscribe()
	require.True(t, hub.HasSubscribers("job"))

	ch.Publish(Progress(1))
	sub.Close()
	sub.Close()
	ch.Publish(Progress(2))

	for ev := range sub.Events() {
		assert.NotEqual(t, Progress(2), ev)
	}
	assert.False(t, hub.HasSubscribers("job"))
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	ch := NewHub().Open("job")
	sub := ch.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 100; i++ {
			ch.Publish(Progress(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on an idle subscriber")
	}
}

func TestHub(t *testing.T) {
	hub := NewHub()

	_, err := hub.Subscribe("missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.False(t, hub.Publish("missing", Progress(1)))

	first := hub.Open("job")
	assert.Same(t, first, hub.Open("job"))
	assert.Equal(t, 1, hub.Len())

	sub, err := hub.Subscribe("job")
	require.NoError(t, err)
	hub.Remove("job")

	collect(t, sub)
	assert.Equal(t, 0, hub.Len())
	_, err = hub.Get("job")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestParse(t *testing.T) {
	ev, ok := Parse("progress", "42")
	require.True(t, ok)
	assert.Equal(t, Progress(42), ev)
	assert.Equal(t, "42", ev.Payload())

	ev, ok = Parse("ready", "/api/v1/download/x")
	require.True(t, ok)
	assert.True(t, ev.Terminal())

	_, ok = Parse("progress", "abc")
	assert.False(t, ok)
	_, ok = Parse("heartbeat", "")
	assert.False(t, ok)
}
