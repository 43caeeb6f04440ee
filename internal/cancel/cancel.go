package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swap-engine/internal/chain"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/tracker"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type Method string

const (
	MethodOffChain Method = "off_chain"
	MethodOnChain  Method = "on_chain"
)

// ErrNotCancelled is returned when the order expired before the
// cancellation took effect.
var ErrNotCancelled = errors.New("order was not cancelled")

type OrderBook interface {
	CancelOrders(ctx context.Context, cancel orderbook.Cancellation) error
}

type ReceiptWaiter interface {
	WaitReceipt(ctx context.Context, op string, txHash common.Hash) (*types.Receipt, error)
}

type Confirmer interface {
	Track(ctx context.Context, uid order.UID) (tracker.Outcome, error)
}

// Target is an order to cancel. Order is required for eth-flow orders, whose
// invalidation takes the full order struct.
type Target struct {
	UID     order.UID
	Order   *order.Order
	EthFlow bool
	OnChain bool
}

type Result struct {
	Method  Method
	TxHash  common.Hash
	Outcome tracker.Outcome
}

type Deps struct {
	Wallet         wallet.Wallet
	OrderBook      OrderBook
	Receipts       ReceiptWaiter
	Confirmer      Confirmer
	Domain         order.Domain
	EthFlow        common.Address
	ConfirmTimeout time.Duration
	Log            *zap.Logger
}

type Service struct {
	deps Deps
}

func New(deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.ConfirmTimeout <= 0 {
		deps.ConfirmTimeout = 5 * time.Minute
	}
	return &Service{deps: deps}
}

// MethodFor reports how t will be cancelled. Eth-flow orders and contract
// wallets can only invalidate on chain.
func (s *Service) MethodFor(t Target) Method {
	if t.OnChain || t.EthFlow || s.deps.Wallet.Capabilities().SmartContract {
		return MethodOnChain
	}
	return MethodOffChain
}

// Cancel requests cancellation and waits for the tracker to resolve the
// order. A fill that races the cancellation is reported as success with a
// fulfilled outcome.
func (s *Service) Cancel(ctx context.Context, t Target) (Result, error) {
	if t.UID.IsZero() {
		return Result{}, errors.New("order uid is required")
	}
	res := Result{Method: s.MethodFor(t)}
	var err error
	if res.Method == MethodOnChain {
		res.TxHash, err = s.onChain(ctx, t)
	} else {
		err = s.offChain(ctx, t.UID)
	}
	if err != nil {
		return res, err
	}
	s.deps.Log.Info("cancellation requested",
		zap.String("order_uid", t.UID.String()),
		zap.String("method", string(res.Method)),
	)
	if s.deps.Confirmer == nil {
		return res, nil
	}
	confirmCtx, cancel := context.WithTimeout(ctx, s.deps.ConfirmTimeout)
	defer cancel()
	out, err := s.deps.Confirmer.Track(confirmCtx, t.UID)
	if err != nil {
		return res, fmt.Errorf("confirm cancellation: %w", err)
	}
	res.Outcome = out
	switch out.Status {
	case order.StatusCancelled, order.StatusFulfilled:
		return res, nil
	}
	return res, fmt.Errorf("%w: status %s", ErrNotCancelled, out.Status)
}

func (s *Service) offChain(ctx context.Context, uid order.UID) error {
	uids := []order.UID{uid}
	sig, err := s.deps.Wallet.SignTypedData(ctx, order.CancellationsTypedData(s.deps.Domain, uids))
	if err != nil {
		return err
	}
	return s.deps.OrderBook.CancelOrders(ctx, orderbook.Cancellation{
		OrderUIDs:     []string{uid.String()},
		Signature:     hexutil.Encode(sig),
		SigningScheme: string(order.SchemeEIP712),
	})
}

func (s *Service) onChain(ctx context.Context, t Target) (common.Hash, error) {
	var (
		call chain.Call
		err  error
	)
	if t.EthFlow {
		if t.Order == nil {
			return common.Hash{}, errors.New("eth-flow cancellation requires the order")
		}
		call, err = chain.InvalidateEthFlowOrderCall(s.deps.EthFlow, *t.Order)
	} else {
		call, err = chain.InvalidateOrderCall(s.deps.Domain.Settlement, t.UID)
	}
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := s.deps.Wallet.SendTransaction(ctx, call)
	if err != nil {
		return common.Hash{}, wallet.WrapSendError(call.Label, err)
	}
	if _, err := s.deps.Receipts.WaitReceipt(ctx, call.Label, hash); err != nil {
		return hash, err
	}
	return hash, nil
}
