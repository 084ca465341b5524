package eventbus

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBus_DashboardReceivesAllEvents(t *testing.T) {
	b := New(zap.NewNop())
	ch, unsub := b.SubscribeDashboard()
	defer unsub()

	b.PublishPacketReceived("555B0201.001", "02", "01")

	select {
	case ev := <-ch:
		if ev.Type != EventPacketReceived || ev.Filename != "555B0201.001" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dashboard event")
	}
}

func TestBus_PerDestinationFiltersByDest(t *testing.T) {
	b := New(zap.NewNop())
	chA, unsubA := b.SubscribeDestination("01")
	chB, unsubB := b.SubscribeDestination("02")
	defer unsubA()
	defer unsubB()

	b.PublishPacketAvailable("555B0201.001", "01")

	select {
	case ev := <-chA:
		if ev.Dst != "01" {
			t.Errorf("chA got dst %q, want 01", ev.Dst)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chA event")
	}

	select {
	case ev := <-chB:
		t.Fatalf("chB should not have received an event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_NodelistAvailable_ReachesEveryDestination(t *testing.T) {
	b := New(zap.NewNop())
	chA, unsubA := b.SubscribeDestination("01")
	chB, unsubB := b.SubscribeDestination("02")
	defer unsubA()
	defer unsubB()

	b.PublishNodelistAvailable("555", "B")

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case ev := <-ch:
			if ev.Type != EventNodelistAvailable || ev.LeagueNumber != "555" {
				t.Errorf("got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for nodelist_available event")
		}
	}
}

func TestBus_Unsubscribe_StopsDelivery(t *testing.T) {
	b := New(zap.NewNop())
	ch, unsub := b.SubscribeDashboard()
	unsub()

	b.PublishProcessingStarted()

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("unsubscribed channel received %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}

	b.mu.Lock()
	n := len(b.dashboard)
	b.mu.Unlock()
	if n != 0 {
		t.Errorf("dashboard subscriber count = %d, want 0 after unsubscribe", n)
	}
}

func TestBus_SlowSubscriberDroppedNotBlocked(t *testing.T) {
	b := New(zap.NewNop())
	_, unsub := b.SubscribeDashboard()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufSize+10; i++ {
			b.PublishProcessingStarted()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}
