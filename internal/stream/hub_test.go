package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"swap-engine/internal/trade"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func dial(t *testing.T, ctx context.Context, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSendsLatestStateOnConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hub := New(Options{}, zap.NewNop())
	hub.OnWidgetStateChange(trade.Snapshot{SessionID: "a", OrderStatus: "open"})
	hub.OnWidgetStateChange(trade.Snapshot{SessionID: "a", OrderStatus: "fulfilled"})
	conn := dial(t, ctx, hub)

	msg := readMessage(t, ctx, conn)
	if msg.Type != TypeState {
		t.Fatalf("expected state message, got %q", msg.Type)
	}
	var snap trade.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != "a" || snap.OrderStatus != "fulfilled" {
		t.Fatalf("expected latest snapshot, got %+v", snap)
	}
}

func TestHubBroadcastsNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hub := New(Options{PingInterval: 20 * time.Millisecond}, zap.NewNop())
	conn := dial(t, ctx, hub)
	waitClients(t, hub, 1)

	hub.OnNotification(trade.Notification{ID: "n1", Title: "Order filled", Status: trade.NotifySuccess})
	msg := readMessage(t, ctx, conn)
	if msg.Type != TypeNotification {
		t.Fatalf("expected notification message, got %q", msg.Type)
	}
	var n trade.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.ID != "n1" || n.Title != "Order filled" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := New(Options{Buffer: 1}, zap.NewNop())
	c := hub.register()
	hub.OnNotification(trade.Notification{ID: "1"})
	hub.OnNotification(trade.Notification{ID: "2"})
	select {
	case <-c.done:
	default:
		t.Fatalf("expected slow client to be closed")
	}
	if hub.Clients() != 0 {
		t.Fatalf("expected slow client removed, got %d", hub.Clients())
	}
}

func TestHubUnregistersOnClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hub := New(Options{}, zap.NewNop())
	conn := dial(t, ctx, hub)
	waitClients(t, hub, 1)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitClients(t, hub, 0)
}
