package events

import "testing"

func TestPublishDeliversAndDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventDecision, 1)
	defer unsub()

	b.Publish(EventDecision, "first")
	b.Publish(EventDecision, "second")
	b.Publish(EventBar, "other topic")

	if got := <-ch; got != "first" {
		t.Fatalf("got=%v, expected first", got)
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra delivery %v", v)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventAlert, 4)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(EventAlert, "after unsubscribe")
}

func TestSubscribeTopicsWrapsAndFilters(t *testing.T) {
	b := NewBus()
	ch, unsub := b.SubscribeTopics([]Event{EventAlert, EventExecution}, 4)
	defer unsub()

	b.Publish(EventBar, "ignored")
	b.Publish(EventExecution, "filled")
	b.Publish(EventAlert, "disconnected")

	tests := []Envelope{
		{Type: EventExecution, Payload: "filled"},
		{Type: EventAlert, Payload: "disconnected"},
	}
	for _, want := range tests {
		got := <-ch
		if got != want {
			t.Fatalf("envelope=%+v, expected %+v", got, want)
		}
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery %+v", v)
	default:
	}
}

func TestEmptyTopicListReceivesEverything(t *testing.T) {
	b := NewBus()
	ch, unsub := b.SubscribeTopics(nil, 4)
	defer unsub()

	b.Publish(EventBar, 1)
	b.Publish(EventOrderUpdate, 2)
	if got := (<-ch).Type; got != EventBar {
		t.Fatalf("type=%v, expected %v", got, EventBar)
	}
	if got := (<-ch).Type; got != EventOrderUpdate {
		t.Fatalf("type=%v, expected %v", got, EventOrderUpdate)
	}
}

func TestDroppedCountsSlowSubscribers(t *testing.T) {
	b := NewBus()
	_, unsubA := b.Subscribe(EventDecision, 1)
	_, unsubB := b.SubscribeTopics(nil, 1)

	for i := 0; i < 3; i++ {
		b.Publish(EventDecision, i)
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped()=%d, expected 4", got)
	}
	if got := b.Subscribers(); got != 2 {
		t.Fatalf("Subscribers()=%d, expected 2", got)
	}
	unsubA()
	unsubA()
	unsubB()
	if got := b.Subscribers(); got != 0 {
		t.Fatalf("Subscribers()=%d after unsubscribe, expected 0", got)
	}
}
