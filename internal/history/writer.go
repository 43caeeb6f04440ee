package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"swap-engine/internal/config"
	"swap-engine/internal/trade"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

const (
	KindState        = "state"
	KindNotification = "notification"
)

// Event is one row of the order lifecycle history.
type Event struct {
	Time        time.Time
	Kind        string
	SessionID   string
	OrderUID    string
	SubmitFlow  string
	Action      string
	Screen      string
	TxStatus    string
	OrderStatus string
	Title       string
	Description string
	ErrorKind   string
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	events  chan Event
	started atomic.Bool
	dropped atomic.Uint64

	mu   sync.Mutex
	last map[string]string
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, schema, cfg.QueueSize, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		events: make(chan Event, queueSize),
		last:   make(map[string]string),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) Enqueue(ev Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- ev:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("history queue full")
		}
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// OnWidgetStateChange records a state row whenever the lifecycle position of
// a session changes. Snapshots that only refresh the quote are skipped.
func (w *Writer) OnWidgetStateChange(s trade.Snapshot) {
	if w == nil {
		return
	}
	key := strings.Join([]string{string(s.Action), string(s.Screen), string(s.TxStatus), s.OrderUID, s.OrderStatus}, "|")
	w.mu.Lock()
	if w.last[s.SessionID] == key {
		w.mu.Unlock()
		return
	}
	w.last[s.SessionID] = key
	w.mu.Unlock()
	w.Enqueue(Event{
		Time:        s.UpdatedAt,
		Kind:        KindState,
		SessionID:   s.SessionID,
		OrderUID:    s.OrderUID,
		SubmitFlow:  s.SubmitFlow,
		Action:      string(s.Action),
		Screen:      string(s.Screen),
		TxStatus:    string(s.TxStatus),
		OrderStatus: s.OrderStatus,
		ErrorKind:   string(s.ErrorKind),
	})
}

func (w *Writer) OnNotification(n trade.Notification) {
	if w == nil {
		return
	}
	w.Enqueue(Event{
		Time:        time.Now(),
		Kind:        KindNotification,
		Title:       n.Title,
		Description: n.Description,
		TxStatus:    string(n.Status),
	})
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			w.write(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		order_uid TEXT NOT NULL DEFAULT '',
		submit_flow TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		screen TEXT NOT NULL DEFAULT '',
		tx_status TEXT NOT NULL DEFAULT '',
		order_status TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT ''
	)`, w.table("order_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS order_events_uid_idx ON %s (order_uid, ts)", w.table("order_events"))); err != nil {
		w.log.Warn("history order_events index create failed", zap.Error(err))
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("order_events"))); err != nil {
		w.log.Warn("history order_events hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) write(ctx context.Context, ev Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, kind, session_id, order_uid, submit_flow, action, screen, tx_status,
		order_status, title, description, error_kind
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("order_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		ev.Kind,
		ev.SessionID,
		ev.OrderUID,
		ev.SubmitFlow,
		ev.Action,
		ev.Screen,
		ev.TxStatus,
		ev.OrderStatus,
		ev.Title,
		ev.Description,
		ev.ErrorKind,
	); err != nil {
		w.log.Warn("history event insert failed", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
