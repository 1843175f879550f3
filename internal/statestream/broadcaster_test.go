package statestream

import (
	"testing"
	"time"
)

func TestBroadcasterDeliversToRegisteredClient(t *testing.T) {
	b := NewBroadcaster(nil)
	go b.Run()
	defer b.Shutdown()

	client := &Client{ID: "c1", Send: make(chan interface{}, 4)}
	b.Register(client)

	// Give the register event a chance to be processed before broadcasting.
	time.Sleep(10 * time.Millisecond)

	b.Broadcast(Message{Type: EventForecastReady, Data: "payload", Timestamp: "now"})

	select {
	case msg := <-client.Send:
		m, ok := msg.(Message)
		if !ok || m.Type != EventForecastReady {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}

	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", b.ClientCount())
	}

	b.Unregister(client)
	time.Sleep(10 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unregister, got %d", b.ClientCount())
	}
}

func TestBroadcasterDropsWhenClientBufferFull(t *testing.T) {
	b := NewBroadcaster(nil)
	go b.Run()
	defer b.Shutdown()

	client := &Client{ID: "slow", Send: make(chan interface{})}
	b.Register(client)
	time.Sleep(10 * time.Millisecond)

	// No receiver draining client.Send; this must not block the broadcaster.
	done := make(chan struct{})
	go func() {
		b.Broadcast(Message{Type: EventPaperTrade, Data: nil, Timestamp: "now"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
}
