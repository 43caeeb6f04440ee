package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/state"
	"swap-engine/internal/submit"
	"swap-engine/internal/tracker"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 10
)

type OrderBook interface {
	Order(ctx context.Context, uid string) (*orderbook.Order, error)
	AccountOrders(ctx context.Context, owner string, offset, limit int) ([]orderbook.Order, error)
}

type Watcher interface {
	Watch(ctx context.Context, uid order.UID, fn func(tracker.Outcome))
}

type Options struct {
	PageSize int
	MaxPages int
	// OnOutcome receives the terminal outcome of every resumed order.
	OnOutcome func(tracker.Outcome)
	Now       func() time.Time
}

// Account reconciles locally tracked orders with the order book at startup.
type Account struct {
	book    OrderBook
	store   state.Store
	watcher Watcher
	owner   common.Address
	opts    Options
	log     *zap.Logger
}

// State is the result of one reconciliation.
type State struct {
	Tracked []state.TrackedOrder
	Open    []orderbook.Order
	Resumed []order.UID
	Adopted []order.UID
	Settled []order.UID
	Missing []string
}

func New(book OrderBook, store state.Store, watcher Watcher, owner common.Address, opts Options, log *zap.Logger) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Account{book: book, store: store, watcher: watcher, owner: owner, opts: opts, log: log}
}

// Reconcile refreshes every non-terminal tracked order from the order book,
// adopts open orders of the owner that were placed elsewhere and resumes
// tracking of everything still open. Watches run until ctx ends.
func (a *Account) Reconcile(ctx context.Context) (*State, error) {
	if a.book == nil {
		return nil, errors.New("order book client is required")
	}
	tracked, err := state.ListTrackedOrders(ctx, a.store)
	if err != nil {
		return nil, err
	}
	remote, err := a.accountOrders(ctx)
	if err != nil {
		return nil, err
	}
	byUID := make(map[string]orderbook.Order, len(remote))
	for _, o := range remote {
		byUID[strings.ToLower(o.UID)] = o
	}

	out := &State{}
	known := make(map[string]struct{}, len(tracked))
	for _, rec := range tracked {
		key := strings.ToLower(rec.UID)
		known[key] = struct{}{}
		if order.Status(rec.Status).Terminal() {
			out.Tracked = append(out.Tracked, rec)
			continue
		}
		current, ok := byUID[key]
		if !ok {
			fetched, err := a.book.Order(ctx, rec.UID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.log.Warn("tracked order not found on order book", zap.String("order_uid", rec.UID), zap.Error(err))
				out.Missing = append(out.Missing, rec.UID)
				out.Tracked = append(out.Tracked, rec)
				continue
			}
			current = *fetched
		}
		rec = a.refresh(ctx, rec, current)
		out.Tracked = append(out.Tracked, rec)
		uid, err := order.ParseUID(rec.UID)
		if err != nil {
			a.log.Warn("tracked order has invalid uid", zap.String("order_uid", rec.UID), zap.Error(err))
			continue
		}
		if order.Status(rec.Status).Terminal() {
			out.Settled = append(out.Settled, uid)
			continue
		}
		out.Resumed = append(out.Resumed, uid)
	}

	for _, o := range remote {
		if !order.Status(o.Status).Terminal() {
			out.Open = append(out.Open, o)
		}
		key := strings.ToLower(o.UID)
		if _, ok := known[key]; ok || order.Status(o.Status).Terminal() {
			continue
		}
		uid, err := order.ParseUID(o.UID)
		if err != nil {
			continue
		}
		rec := a.adopt(ctx, o)
		out.Tracked = append(out.Tracked, rec)
		out.Adopted = append(out.Adopted, uid)
	}

	if a.watcher != nil {
		for _, uid := range append(append([]order.UID(nil), out.Resumed...), out.Adopted...) {
			a.watcher.Watch(ctx, uid, a.outcome)
		}
	}
	a.log.Info("reconciled orders",
		zap.Int("tracked", len(out.Tracked)),
		zap.Int("open", len(out.Open)),
		zap.Int("resumed", len(out.Resumed)),
		zap.Int("adopted", len(out.Adopted)),
		zap.Int("settled", len(out.Settled)),
	)
	return out, nil
}

func (a *Account) accountOrders(ctx context.Context) ([]orderbook.Order, error) {
	if a.owner == (common.Address{}) {
		return nil, nil
	}
	var all []orderbook.Order
	for page := 0; page < a.opts.MaxPages; page++ {
		batch, err := a.book.AccountOrders(ctx, a.owner.Hex(), page*a.opts.PageSize, a.opts.PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < a.opts.PageSize {
			break
		}
	}
	return all, nil
}

func (a *Account) refresh(ctx context.Context, rec state.TrackedOrder, current orderbook.Order) state.TrackedOrder {
	if rec.Status == current.Status && rec.ExecutedSell == current.ExecutedSellAmount && rec.ExecutedBuy == current.ExecutedBuyAmount {
		return rec
	}
	rec.Status = current.Status
	rec.ExecutedSell = current.ExecutedSellAmount
	rec.ExecutedBuy = current.ExecutedBuyAmount
	rec.UpdatedAtMS = a.opts.Now().UnixMilli()
	if err := state.SaveTrackedOrder(ctx, a.store, rec); err != nil {
		a.log.Warn("failed to persist reconciled order", zap.String("order_uid", rec.UID), zap.Error(err))
	}
	return rec
}

func (a *Account) adopt(ctx context.Context, o orderbook.Order) state.TrackedOrder {
	now := a.opts.Now().UnixMilli()
	created := o.CreationDate.UnixMilli()
	if o.CreationDate.IsZero() {
		created = now
	}
	rec := state.TrackedOrder{
		UID:          o.UID,
		Owner:        o.Owner,
		SellToken:    o.SellToken,
		BuyToken:     o.BuyToken,
		SellAmount:   o.SellAmount,
		BuyAmount:    o.BuyAmount,
		Kind:         o.Kind,
		ValidTo:      o.ValidTo,
		Status:       o.Status,
		ExecutedSell: o.ExecutedSellAmount,
		ExecutedBuy:  o.ExecutedBuyAmount,
		CreatedAtMS:  created,
		UpdatedAtMS:  now,
	}
	if o.EthflowData != nil {
		rec.Flow = string(submit.FlowEthFlow)
	}
	if err := state.SaveTrackedOrder(ctx, a.store, rec); err != nil {
		a.log.Warn("failed to persist adopted order", zap.String("order_uid", rec.UID), zap.Error(err))
	}
	return rec
}

func (a *Account) outcome(out tracker.Outcome) {
	a.log.Info("resumed order settled", zap.String("order_uid", out.UID.String()), zap.String("status", string(out.Status)))
	if a.opts.OnOutcome != nil {
		a.opts.OnOutcome(out)
	}
}
