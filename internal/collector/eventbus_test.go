package collector

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ernie/bloodmoon/internal/domain"
)

func TestEventBus_FIFO(t *testing.T) {
	bus := NewEventBus(0)
	for i := 0; i < 5; i++ {
		bus.Publish(domain.PlayerEvent{Kind: domain.PlayerJoined, PlayerName: fmt.Sprintf("p%d", i)})
	}

	select {
	case <-bus.Ready():
	default:
		t.Fatal("Ready() not signalled after Publish")
	}

	events := bus.Drain()
	if len(events) != 5 {
		t.Fatalf("Drain() returned %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.PlayerName != fmt.Sprintf("p%d", i) {
			t.Errorf("event %d = %q, out of order", i, ev.PlayerName)
		}
	}
	if got := bus.Drain(); got != nil {
		t.Errorf("second Drain() = %v, want nil", got)
	}
}

func TestEventBus_FullDropsWithoutBlocking(t *testing.T) {
	bus := NewEventBus(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			bus.Publish(domain.PlayerEvent{Kind: domain.PlayerLeft, PlayerName: fmt.Sprintf("p%d", i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full bus")
	}

	if bus.Len() != 2 || bus.Dropped() != 2 {
		t.Errorf("Len() = %d, Dropped() = %d, want 2 and 2", bus.Len(), bus.Dropped())
	}
	events := bus.Drain()
	if events[0].PlayerName != "p0" || events[1].PlayerName != "p1" {
		t.Errorf("kept %v, want the oldest two", events)
	}
}

func TestEventBus_ProducerReplacement(t *testing.T) {
	bus := NewEventBus(0)

	var received []string
	var mu sync.Mutex
	consumerDone := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			select {
			case <-bus.Ready():
				for _, ev := range bus.Drain() {
					mu.Lock()
					received = append(received, ev.PlayerName)
					mu.Unlock()
				}
			case <-stop:
				for _, ev := range bus.Drain() {
					received = append(received, ev.PlayerName)
				}
				return
			}
		}
	}()

	// Two producers in sequence, as across a restart
	for run := 0; run < 2; run++ {
		var wg sync.WaitGroup
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(domain.PlayerEvent{PlayerName: fmt.Sprintf("r%d-%02d", run, i)})
			}
		}(run)
		wg.Wait()
	}
	close(stop)
	<-consumerDone

	if len(received) != 100 {
		t.Fatalf("received %d events, want 100", len(received))
	}
	for i := 1; i < len(received); i++ {
		if received[i-1] >= received[i] {
			t.Fatalf("out of order at %d: %s then %s", i, received[i-1], received[i])
		}
	}
}
