package history

import (
	"testing"
	"time"

	"swap-engine/internal/config"
	"swap-engine/internal/trade"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.HistoryConfig{}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v %v", w, err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.HistoryConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Enqueue(Event{})
	w.OnWidgetStateChange(trade.Snapshot{})
	w.OnNotification(trade.Notification{})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.Dropped() != 0 {
		t.Fatalf("expected no drops")
	}
}

func TestStateChangesDeduplicated(t *testing.T) {
	w := newWriter(nil, "public", 8, zap.NewNop())
	snap := trade.Snapshot{
		SessionID: "s1",
		FlowState: trade.FlowState{Flow: trade.FlowTrade, Action: trade.ActionTrade, Screen: trade.ScreenAction, TxStatus: trade.StatusIdle},
		UpdatedAt: time.Unix(10, 0),
	}
	w.OnWidgetStateChange(snap)
	w.OnWidgetStateChange(snap)
	snap.Screen = trade.ScreenReview
	w.OnWidgetStateChange(snap)
	if len(w.events) != 2 {
		t.Fatalf("expected 2 state events, got %d", len(w.events))
	}
	first := <-w.events
	if first.Kind != KindState || first.SessionID != "s1" || first.Screen != "ACTION" || !first.Time.Equal(time.Unix(10, 0)) {
		t.Fatalf("unexpected event: %+v", first)
	}
}

func TestQueueFullDrops(t *testing.T) {
	w := newWriter(nil, "public", 1, zap.NewNop())
	w.OnNotification(trade.Notification{Title: "a"})
	w.OnNotification(trade.Notification{Title: "b"})
	if w.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", w.Dropped())
	}
	ev := <-w.events
	if ev.Kind != KindNotification || ev.Title != "a" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTableUsesSchema(t *testing.T) {
	w := newWriter(nil, "swaps", 1, nil)
	if got := w.table("order_events"); got != "swaps.order_events" {
		t.Fatalf("unexpected table name %q", got)
	}
}
