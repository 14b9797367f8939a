package events

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/xmppctl/internal/testutil/testlog"
)

func TestSyncDispatchFiltersByKind(t *testing.T) {
	testlog.Start(t)
	bus := New(nil)
	var got []Kind
	var all int
	bus.Subscribe(KindConnectionState, func(ev Event) { got = append(got, ev.Kind) })
	bus.Subscribe("", func(Event) { all++ })

	bus.Publish(Event{Kind: KindConnectionState, Payload: "connecting"})
	bus.Publish(Event{Kind: KindDeliveryLost})

	if len(got) != 1 || got[0] != KindConnectionState {
		t.Fatalf("unexpected filtered events: %v", got)
	}
	if all != 2 {
		t.Fatalf("wildcard subscriber saw %d events", all)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	testlog.Start(t)
	bus := New(DispatchSync)
	n := 0
	stop := bus.Subscribe(KindSessionResumed, func(Event) { n++ })
	bus.Publish(Event{Kind: KindSessionResumed})
	stop()
	stop()
	bus.Publish(Event{Kind: KindSessionResumed})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
}

func TestPublishStampsTimeAndSurvivesPanics(t *testing.T) {
	testlog.Start(t)
	bus := New(nil)
	var at time.Time
	bus.Subscribe("", func(Event) { panic("boom") })
	bus.Subscribe("", func(ev Event) { at = ev.At })
	bus.Publish(Event{Kind: KindNegotiationFailed})
	if at.IsZero() {
		t.Fatalf("event time not stamped")
	}
}

func TestAsyncDispatchDeliversAll(t *testing.T) {
	testlog.Start(t)
	for _, d := range []Dispatch{DispatchPerEvent, DispatchPerHandler} {
		bus := New(d)
		var wg sync.WaitGroup
		wg.Add(4)
		for i := 0; i < 2; i++ {
			bus.Subscribe(KindConnectionState, func(Event) { wg.Done() })
		}
		bus.Publish(Event{Kind: KindConnectionState})
		bus.Publish(Event{Kind: KindConnectionState})
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("async dispatch did not deliver all events")
		}
	}
}
