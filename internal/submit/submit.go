package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"swap-engine/internal/chain"
	"swap-engine/internal/metrics"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/state"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type Flow string

const (
	FlowSigned  Flow = "signed"
	FlowEthFlow Flow = "eth_flow"
	FlowPresign Flow = "presign"
)

// Select picks the creation path: native sells always go through the
// eth-flow contract, contract wallets presign, everything else signs.
func Select(caps wallet.Capabilities, nativeSell bool) Flow {
	switch {
	case nativeSell:
		return FlowEthFlow
	case caps.SmartContract:
		return FlowPresign
	default:
		return FlowSigned
	}
}

// Request is one order to place. Approvals are bundled ahead of the order
// when the wallet can batch.
type Request struct {
	Order     order.Order
	Approvals []chain.Call
}

// Result is the tracking input every strategy converges on.
type Result struct {
	Flow        Flow
	UID         order.UID
	TxHash      common.Hash
	ReadyToPoll bool
}

type Submitter interface {
	Flow() Flow
	Submit(ctx context.Context, req Request) (Result, error)
}

// SubmissionError is a placement the order book or the chain refused.
type SubmissionError struct {
	Flow Flow
	Code string
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s submission rejected: %s: %v", e.Flow, e.Code, e.Err)
	}
	return fmt.Sprintf("%s submission failed: %v", e.Flow, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

type OrderBook interface {
	PostOrder(ctx context.Context, order orderbook.OrderCreation) (string, error)
}

type ReceiptWaiter interface {
	WaitReceipt(ctx context.Context, op string, txHash common.Hash) (*types.Receipt, error)
}

type Deps struct {
	Wallet    wallet.Wallet
	OrderBook OrderBook
	Receipts  ReceiptWaiter
	Store     state.Store
	Domain    order.Domain
	EthFlow   common.Address
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// New returns the strategy for flow.
func New(flow Flow, deps Deps) (Submitter, error) {
	if deps.Wallet == nil {
		return nil, errors.New("wallet is required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	deps.Metrics = metrics.OrNoop(deps.Metrics)
	b := &base{deps: deps, cache: make(map[string]string)}
	switch flow {
	case FlowSigned:
		return &Signed{base: b}, nil
	case FlowEthFlow:
		if deps.EthFlow == (common.Address{}) {
			return nil, errors.New("eth-flow contract address is required")
		}
		return &EthFlow{base: b}, nil
	case FlowPresign:
		return &Presign{base: b}, nil
	}
	return nil, fmt.Errorf("unknown submission flow %q", flow)
}

const (
	placedPrefix     = "placed:"
	duplicatedOrder  = "DuplicatedOrder"
	postAttempts     = 3
	postRetryBackoff = 200 * time.Millisecond
)

// base carries the dependencies and the placement cache shared by all
// strategies.
type base struct {
	deps Deps

	mu    sync.Mutex
	cache map[string]string
}

// placed returns the UID already stored for a locally derived UID.
func (b *base) placed(ctx context.Context, local order.UID) (order.UID, bool, error) {
	key := placedPrefix + local.String()
	b.mu.Lock()
	uid, ok := b.cache[key]
	b.mu.Unlock()
	if !ok && b.deps.Store != nil {
		stored, found, err := b.deps.Store.Get(ctx, key)
		if err != nil {
			return order.UID{}, false, err
		}
		uid, ok = stored, found
	}
	if !ok {
		return order.UID{}, false, nil
	}
	parsed, err := order.ParseUID(uid)
	if err != nil {
		return order.UID{}, false, err
	}
	return parsed, true, nil
}

func (b *base) remember(ctx context.Context, local order.UID, res Result, o order.Order, status order.Status) {
	key := placedPrefix + local.String()
	b.mu.Lock()
	b.cache[key] = res.UID.String()
	b.mu.Unlock()
	if b.deps.Store == nil {
		return
	}
	if err := b.deps.Store.Set(ctx, key, res.UID.String()); err != nil {
		b.deps.Log.Warn("failed to persist placed order", zap.Error(err))
	}
	now := b.deps.Now().UnixMilli()
	record := state.TrackedOrder{
		UID:         res.UID.String(),
		Owner:       res.UID.Owner().Hex(),
		Flow:        string(res.Flow),
		SellToken:   o.SellToken.Hex(),
		BuyToken:    o.BuyToken.Hex(),
		SellAmount:  o.SellAmount.String(),
		BuyAmount:   o.BuyAmount.String(),
		Kind:        string(o.Kind),
		ValidTo:     o.ValidTo,
		Status:      string(status),
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if res.TxHash != (common.Hash{}) {
		record.TxHash = res.TxHash.Hex()
	}
	if err := state.SaveTrackedOrder(ctx, b.deps.Store, record); err != nil {
		b.deps.Log.Warn("failed to persist tracked order", zap.Error(err))
	}
}

// post submits the order to the order book, retrying transport failures.
// A duplicate means an earlier attempt already landed.
func (b *base) post(ctx context.Context, flow Flow, creation orderbook.OrderCreation, local order.UID) (order.UID, error) {
	var raw string
	backoff := postRetryBackoff
	for attempt := 1; ; attempt++ {
		var err error
		raw, err = b.deps.OrderBook.PostOrder(ctx, creation)
		if err == nil {
			break
		}
		var apiErr *orderbook.APIError
		if errors.As(err, &apiErr) {
			if apiErr.ErrorType == duplicatedOrder {
				return local, nil
			}
			return order.UID{}, &SubmissionError{Flow: flow, Code: apiErr.ErrorType, Err: err}
		}
		if attempt == postAttempts || ctx.Err() != nil {
			return order.UID{}, &SubmissionError{Flow: flow, Err: err}
		}
		select {
		case <-ctx.Done():
			return order.UID{}, &SubmissionError{Flow: flow, Err: ctx.Err()}
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	uid, err := order.ParseUID(raw)
	if err != nil {
		return order.UID{}, &SubmissionError{Flow: flow, Err: err}
	}
	if uid != local {
		b.deps.Log.Warn("order book uid differs from local uid",
			zap.String("order_uid", uid.String()),
			zap.String("local_uid", local.String()),
		)
	}
	return uid, nil
}

// sendBatch sends calls as one bundle when the wallet supports it, or one by
// one otherwise, and waits for every receipt.
func (b *base) sendBatch(ctx context.Context, calls []chain.Call) (common.Hash, error) {
	if len(calls) == 0 {
		return common.Hash{}, nil
	}
	if batcher, ok := b.deps.Wallet.(wallet.Batcher); ok && len(calls) > 1 && b.deps.Wallet.Capabilities().AtomicBatch {
		hash, err := batcher.SendCalls(ctx, calls)
		if err != nil {
			return common.Hash{}, wallet.WrapSendError("batch", err)
		}
		if _, err := b.deps.Receipts.WaitReceipt(ctx, "batch", hash); err != nil {
			return hash, err
		}
		return hash, nil
	}
	var last common.Hash
	for _, call := range calls {
		hash, err := b.deps.Wallet.SendTransaction(ctx, call)
		if err != nil {
			return common.Hash{}, wallet.WrapSendError(call.Label, err)
		}
		if _, err := b.deps.Receipts.WaitReceipt(ctx, call.Label, hash); err != nil {
			return hash, err
		}
		last = hash
	}
	return last, nil
}

func creation(o order.Order, scheme order.SigningScheme, signature string, from common.Address) orderbook.OrderCreation {
	c := orderbook.OrderCreation{
		SellToken:         o.SellToken.Hex(),
		BuyToken:          o.BuyToken.Hex(),
		SellAmount:        o.SellAmount.String(),
		BuyAmount:         o.BuyAmount.String(),
		ValidTo:           o.ValidTo,
		AppData:           o.AppData.Hex(),
		FeeAmount:         "0",
		Kind:              string(o.Kind),
		PartiallyFillable: o.PartiallyFillable,
		SellTokenBalance:  string(order.BalanceERC20),
		BuyTokenBalance:   string(order.BalanceERC20),
		SigningScheme:     string(scheme),
		Signature:         signature,
		From:              from.Hex(),
	}
	if o.FeeAmount != nil {
		c.FeeAmount = o.FeeAmount.String()
	}
	if o.SellTokenBalance != "" {
		c.SellTokenBalance = string(o.SellTokenBalance)
	}
	if o.BuyTokenBalance != "" {
		c.BuyTokenBalance = string(o.BuyTokenBalance)
	}
	if o.Receiver != (common.Address{}) {
		c.Receiver = o.Receiver.Hex()
	}
	if strings.TrimSpace(o.AppDataJSON) != "" {
		c.AppData = o.AppDataJSON
		c.AppDataHash = o.AppData.Hex()
	}
	if o.QuoteID != 0 {
		id := o.QuoteID
		c.QuoteID = &id
	}
	return c
}
