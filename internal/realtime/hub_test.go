package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pmattes/escrowd/internal/deal"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func dealEvent(id int64, eventType string, status deal.Status, amount string) *deal.Event {
	return &deal.Event{
		DealID:    id,
		Type:      eventType,
		Status:    status,
		Asset:     "BTC",
		Amount:    amount,
		Timestamp: time.Now(),
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := dealEvent(1, "funded", deal.StatusFunded, "0.5")
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"funded", "released"},
	}}

	funded := dealEvent(1, "funded", deal.StatusFunded, "0.5")
	released := dealEvent(1, "released", deal.StatusReleased, "0.5")
	accepted := dealEvent(1, "accepted", deal.StatusAwaitFunds, "0.5")

	if !h.shouldSend(client, funded) {
		t.Error("Should receive funded events")
	}
	if !h.shouldSend(client, released) {
		t.Error("Should receive released events")
	}
	if h.shouldSend(client, accepted) {
		t.Error("Should NOT receive accepted events")
	}
}

func TestShouldSend_DealFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		DealIDs: []int64{42},
	}}

	matching := dealEvent(42, "funded", deal.StatusFunded, "0.5")
	other := dealEvent(7, "funded", deal.StatusFunded, "0.5")

	if !h.shouldSend(client, matching) {
		t.Error("Should match on deal ID")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT match unrelated deals")
	}
}

func TestShouldSend_StatusFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Statuses: []string{"DISPUTED"},
	}}

	disputed := dealEvent(1, "disputed", deal.StatusDisputed, "0.5")
	funded := dealEvent(1, "funded", deal.StatusFunded, "0.5")

	if !h.shouldSend(client, disputed) {
		t.Error("Should receive disputed deals")
	}
	if h.shouldSend(client, funded) {
		t.Error("Should NOT receive other statuses")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: "0.1",
	}}

	large := dealEvent(1, "funded", deal.StatusFunded, "0.5")
	small := dealEvent(2, "funded", deal.StatusFunded, "0.05")

	if !h.shouldSend(client, large) {
		t.Error("Should receive large deal")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small deal")
	}
}

func TestShouldSend_BadMinAmount(t *testing.T) {
	h := testHub()

	// Unparseable filter is ignored rather than blocking everything.
	client := &Client{sub: Subscription{
		MinAmount: "not-a-number",
	}}

	event := dealEvent(1, "funded", deal.StatusFunded, "0.5")
	if !h.shouldSend(client, event) {
		t.Error("Unparseable MinAmount should be ignored")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := dealEvent(1, "funded", deal.StatusFunded, "0.5")
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

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

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(dealEvent(1, "funded", deal.StatusFunded, "0.5"))
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

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
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(dealEvent(9, "released", deal.StatusReleased, "1.25"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_DealEventSink(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	d := &deal.Deal{ID: 3, Status: deal.StatusFunded, Asset: "BTC", Amount: "0.25"}
	h.DealEvent(d, "funded")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for sink-fed event")
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

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants disputes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"disputed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a funded event (should be filtered out)
	h.Broadcast(dealEvent(1, "funded", deal.StatusFunded, "0.5"))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive funded event")
	default:
		// Good - filtered out
	}

	// Send a disputed event (should be received)
	h.Broadcast(dealEvent(1, "disputed", deal.StatusDisputed, "0.5"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive disputed event")
	}
}
