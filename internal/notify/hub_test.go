package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, &Event{Type: EventTripSettled}) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventTripSettled, EventRefundIssued},
	}}

	if !h.shouldSend(client, &Event{Type: EventTripSettled}) {
		t.Error("Should receive trip.settled events")
	}
	if !h.shouldSend(client, &Event{Type: EventRefundIssued}) {
		t.Error("Should receive refund.issued events")
	}
	if h.shouldSend(client, &Event{Type: EventEscrowOpened}) {
		t.Error("Should NOT receive escrow.opened events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{UserIDs: []string{"rider-1"}}}

	if !h.shouldSend(client, &Event{Type: EventTripSettled, UserIDs: []string{"driver-1", "rider-1"}}) {
		t.Error("Should receive events naming the user")
	}
	if h.shouldSend(client, &Event{Type: EventTripSettled, UserIDs: []string{"driver-2", "rider-2"}}) {
		t.Error("Should NOT receive other users' events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventTripSettled}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{UserIDs: []string{"rider-1"}},
	}
	h.register <- client

	_ = h.Publish(ctx, &Event{Type: EventRefundIssued, PairingID: "duo_1", UserIDs: []string{"rider-1"}})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil || ev.PairingID != "duo_1" {
			t.Errorf("unexpected message %s (%v)", msg, err)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?userId=driver-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Broadcast(&Event{Type: EventTripSettled, PairingID: "duo_9", UserIDs: []string{"driver-1", "rider-1"}})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "duo_9") {
		t.Errorf("unexpected message %s", msg)
	}
}
