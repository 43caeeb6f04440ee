package tracker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"swap-engine/internal/metrics"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/state"

	"go.uber.org/zap"
)

const DefaultInterval = 2 * time.Second

// ErrStopped is returned by Track when Stop or StopAll ended the task.
var ErrStopped = errors.New("tracking stopped")

type OrderReader interface {
	Order(ctx context.Context, uid string) (*orderbook.Order, error)
}

// Outcome is the terminal view of a tracked order.
type Outcome struct {
	UID          order.UID
	Status       order.Status
	ExecutedSell *big.Int
	ExecutedBuy  *big.Int
}

type Options struct {
	Interval time.Duration
	Store    state.Store
	Now      func() time.Time
}

type Tracker struct {
	reader   OrderReader
	interval time.Duration
	store    state.Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	active map[order.UID]*task
}

type task struct {
	cancel  context.CancelCauseFunc
	stopped bool
}

func New(reader OrderReader, opts Options, log *zap.Logger, m *metrics.Metrics) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		reader:   reader,
		interval: opts.Interval,
		store:    opts.Store,
		log:      log,
		metrics:  metrics.OrNoop(m),
		now:      opts.Now,
		active:   make(map[order.UID]*task),
	}
}

// Track polls the order book until uid reaches a terminal status. Poll
// errors are counted and retried on the next tick. Tracking the same uid
// again replaces the earlier task.
func (t *Tracker) Track(ctx context.Context, uid order.UID) (Outcome, error) {
	if uid.IsZero() {
		return Outcome{}, errors.New("order uid is required")
	}
	ctx, cancel := context.WithCancelCause(ctx)
	tk := &task{cancel: cancel}
	t.register(uid, tk)
	defer t.release(uid, tk)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	var last order.Status
	for {
		if out, done := t.poll(ctx, uid, &last); done {
			if !t.claim(uid, tk) {
				return Outcome{}, ErrStopped
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return Outcome{}, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// Watch tracks uid in the background and calls fn once with the terminal
// outcome. fn is not called when Stop runs before the terminal status is
// claimed, even if that poll was already in flight.
func (t *Tracker) Watch(ctx context.Context, uid order.UID, fn func(Outcome)) {
	go func() {
		out, err := t.Track(ctx, uid)
		if err != nil {
			t.log.Debug("tracking ended", zap.String("order_uid", uid.String()), zap.Error(err))
			return
		}
		fn(out)
	}()
}

func (t *Tracker) Stop(uid order.UID) {
	t.mu.Lock()
	tk := t.active[uid]
	delete(t.active, uid)
	if tk != nil {
		tk.stopped = true
	}
	t.mu.Unlock()
	if tk != nil {
		tk.cancel(ErrStopped)
	}
}

func (t *Tracker) StopAll() {
	t.mu.Lock()
	tasks := t.active
	t.active = make(map[order.UID]*task)
	for _, tk := range tasks {
		tk.stopped = true
	}
	t.mu.Unlock()
	for _, tk := range tasks {
		tk.cancel(ErrStopped)
	}
}

// Active reports whether uid is currently being tracked.
func (t *Tracker) Active(uid order.UID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[uid]
	return ok
}

func (t *Tracker) register(uid order.UID, tk *task) {
	t.mu.Lock()
	prev := t.active[uid]
	t.active[uid] = tk
	if prev != nil {
		prev.stopped = true
	}
	t.mu.Unlock()
	if prev != nil {
		prev.cancel(ErrStopped)
	}
}

// claim removes tk from the active set and reports whether it was still
// running. A stopped task loses its outcome.
func (t *Tracker) claim(uid order.UID, tk *task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tk.stopped {
		return false
	}
	if t.active[uid] == tk {
		delete(t.active, uid)
	}
	return true
}

func (t *Tracker) release(uid order.UID, tk *task) {
	t.mu.Lock()
	if t.active[uid] == tk {
		delete(t.active, uid)
	}
	t.mu.Unlock()
	tk.cancel(nil)
}

func (t *Tracker) poll(ctx context.Context, uid order.UID, last *order.Status) (Outcome, bool) {
	resp, err := t.reader.Order(ctx, uid.String())
	if err != nil {
		if ctx.Err() == nil {
			t.metrics.PollErrors.Inc()
			t.log.Debug("order poll failed", zap.String("order_uid", uid.String()), zap.Error(err))
		}
		return Outcome{}, false
	}
	out := Outcome{
		UID:          uid,
		Status:       order.Status(resp.Status),
		ExecutedSell: parseExecuted(resp.ExecutedSellAmount),
		ExecutedBuy:  parseExecuted(resp.ExecutedBuyAmount),
	}
	if out.Status != *last {
		*last = out.Status
		t.log.Info("order status", zap.String("order_uid", uid.String()), zap.String("status", string(out.Status)))
		t.persist(ctx, out)
	}
	if !out.Status.Terminal() {
		return Outcome{}, false
	}
	switch out.Status {
	case order.StatusFulfilled:
		t.metrics.OrdersFulfilled.Inc()
	case order.StatusCancelled:
		t.metrics.OrdersCancelled.Inc()
	case order.StatusExpired:
		t.metrics.OrdersExpired.Inc()
	}
	return out, true
}

func (t *Tracker) persist(ctx context.Context, out Outcome) {
	if t.store == nil {
		return
	}
	rec, ok, err := state.LoadTrackedOrder(ctx, t.store, out.UID.String())
	if err != nil || !ok {
		return
	}
	rec.Status = string(out.Status)
	rec.ExecutedSell = out.ExecutedSell.String()
	rec.ExecutedBuy = out.ExecutedBuy.String()
	rec.UpdatedAtMS = t.now().UnixMilli()
	if err := state.SaveTrackedOrder(ctx, t.store, rec); err != nil {
		t.log.Warn("failed to persist order status", zap.String("order_uid", out.UID.String()), zap.Error(err))
	}
}

func parseExecuted(raw string) *big.Int {
	v, err := orderbook.ParseAmount(raw)
	if err != nil {
		return new(big.Int)
	}
	return v
}
