package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/internal/saga"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub(t.Logf)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(hub.ServeWS))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	return hub, "ws" + srv.URL[len("http"):]
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastsFilteredEvents(t *testing.T) {
	t.Parallel()
	hub, wsURL := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?order_id=order-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	waitForClients(t, hub, 1)

	ctx := context.Background()
	if err := hub.Emit(ctx, saga.Event{OrderID: "order-2", Step: "verify-customer"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := hub.Emit(ctx, saga.Event{OrderID: "order-1", Step: "post-invoice", Outcome: saga.OutcomeSucceeded}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		var ev saga.Event
		if err := json.Unmarshal(got, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.OrderID != "order-1" || ev.Step != "post-invoice" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	t.Parallel()
	hub, wsURL := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForClients(t, hub, 1)
	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_EmitNeverBlocks(t *testing.T) {
	hub := NewHub(t.Logf)
	// No Run loop: the buffer fills and further events are dropped.
	for i := 0; i < cap(hub.Broadcast)+10; i++ {
		if err := hub.Emit(context.Background(), saga.Event{OrderID: "order-1"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if hub.Dropped() != 10 {
		t.Fatalf("expected 10 dropped events, got %d", hub.Dropped())
	}
}

func TestHub_StalledSubscriberDoesNotDelayOthers(t *testing.T) {
	t.Parallel()
	hub, wsURL := startHub(t)

	// A subscriber whose writer never drains its queue.
	stalled := &client{send: make(chan []byte, 1)}
	hub.Register <- stalled

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	waitForClients(t, hub, 2)

	steps := []string{"verify-customer", "check-inventory", "create-draft-order"}
	for _, step := range steps {
		if err := hub.Emit(context.Background(), saga.Event{OrderID: "order-1", Step: step}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range steps {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		var ev saga.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Step != want {
			t.Fatalf("expected %s, got %+v", want, ev)
		}
	}

	waitForClients(t, hub, 1)
	if hub.Evicted() != 1 {
		t.Fatalf("expected 1 evicted subscriber, got %d", hub.Evicted())
	}
	queued := 0
	for range stalled.send {
		queued++
	}
	if queued != 1 {
		t.Fatalf("expected the stalled queue to hold 1 event before closing, got %d", queued)
	}
}
