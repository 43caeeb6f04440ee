package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"swap-engine/internal/config"
	"swap-engine/internal/trade"

	"go.uber.org/zap"
)

type capture struct {
	mu       sync.Mutex
	paths    []string
	payloads []map[string]string
}

func (c *capture) server(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.payloads = append(c.payloads, payload)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTelegramSendDisabled(t *testing.T) {
	client := newTelegram(config.TelegramConfig{}, "swap", zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: true}, "swap", zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	c := &capture{}
	server := c.server(t, `{"ok":true,"result":{}}`)
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, "swap", zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if c.paths[0] != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", c.paths[0])
	}
	if c.payloads[0]["chat_id"] != "123" || c.payloads[0]["text"] != "hello" {
		t.Fatalf("unexpected payload: %v", c.payloads[0])
	}
}

func TestTelegramSendNotOK(t *testing.T) {
	c := &capture{}
	server := c.server(t, `{"ok":false,"description":"chat not found"}`)
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, "swap", zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for ok=false")
	}
}

func TestOnNotificationSkipsInfo(t *testing.T) {
	c := &capture{}
	server := c.server(t, `{"ok":true}`)
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, "swap-engine", zap.NewNop(), server.URL, server.Client())
	client.OnNotification(trade.Notification{Title: "Order submitted", Status: trade.NotifyInfo})
	client.OnNotification(trade.Notification{Title: "Order filled", Description: "Sold 1 for 2", Status: trade.NotifySuccess})
	client.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) != 1 {
		t.Fatalf("expected one message, got %d", len(c.payloads))
	}
	if got := c.payloads[0]["text"]; got != "[swap-engine] SUCCESS: Order filled\nSold 1 for 2" {
		t.Fatalf("unexpected text %q", got)
	}
}
