package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"swap-engine/internal/config"
	"swap-engine/internal/order"
	"swap-engine/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

// Session is the part of *trade.Machine the headless runner drives.
type Session interface {
	Subscribe(o trade.Observer)
	SetInput(in trade.Input)
	RefreshQuote(ctx context.Context) error
	Confirm() error
}

// ParseTradeInput turns the configured trade into session input. It reports
// false when no amount is configured.
func ParseTradeInput(cfg config.TradeConfig) (trade.Input, bool, error) {
	if strings.TrimSpace(cfg.Amount) == "" {
		return trade.Input{}, false, nil
	}
	sell, err := parseToken("trade.sell_token", cfg.SellToken)
	if err != nil {
		return trade.Input{}, false, err
	}
	buy, err := parseToken("trade.buy_token", cfg.BuyToken)
	if err != nil {
		return trade.Input{}, false, err
	}
	if sell == buy {
		return trade.Input{}, false, errors.New("trade.sell_token and trade.buy_token must differ")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return trade.Input{}, false, fmt.Errorf("trade.amount must be a positive integer in token atoms, got %q", cfg.Amount)
	}
	kind, err := order.ParseKind(cfg.Kind)
	if err != nil {
		return trade.Input{}, false, err
	}
	in := trade.Input{
		SellToken: sell,
		BuyToken:  buy,
		Amount:    amount,
		Kind:      kind,
		Slippage:  cfg.SlippagePercent,
		TTL:       cfg.TTLMinutes,
	}
	if r := strings.TrimSpace(cfg.Receiver); r != "" {
		if !common.IsHexAddress(r) {
			return trade.Input{}, false, fmt.Errorf("trade.receiver is not a valid address: %q", r)
		}
		in.Receiver = common.HexToAddress(r)
	}
	return in, true, nil
}

func parseToken(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "native", "eth":
		return trade.NativeToken, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// latest keeps the most recent snapshot and wakes one waiter per change.
type latest struct {
	mu     sync.Mutex
	snap   trade.Snapshot
	notify chan struct{}
}

func newLatest() *latest {
	return &latest{notify: make(chan struct{}, 1)}
}

func (l *latest) OnNotification(trade.Notification) {}

func (l *latest) OnWidgetStateChange(s trade.Snapshot) {
	l.mu.Lock()
	l.snap = s
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *latest) get() trade.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

// runSession quotes in, confirms the review and transaction screens and
// waits for the trade to settle. An approval step, when needed, runs first
// and hands over to the trade without another confirmation.
func runSession(ctx context.Context, s Session, in trade.Input) (trade.Snapshot, error) {
	watch := newLatest()
	s.Subscribe(watch)
	s.SetInput(in)
	if err := s.RefreshQuote(ctx); err != nil {
		return watch.get(), fmt.Errorf("quote: %w", err)
	}
	if err := s.Confirm(); err != nil {
		return watch.get(), fmt.Errorf("review: %w", err)
	}
	if err := s.Confirm(); err != nil {
		return watch.get(), fmt.Errorf("confirm: %w", err)
	}
	for {
		snap := watch.get()
		if settled(snap) {
			if snap.TxStatus == trade.StatusError {
				return snap, fmt.Errorf("%s: %s", snap.ErrorKind, snap.Error)
			}
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-watch.notify:
		}
	}
}

func settled(s trade.Snapshot) bool {
	if s.Screen != trade.ScreenTransaction || !s.TxStatus.Terminal() {
		return false
	}
	// a confirmed approval is followed by the trade itself
	return s.TxStatus == trade.StatusError || s.Action == trade.ActionTrade
}
