package submit

import (
	"context"
	"errors"
	"fmt"

	"swap-engine/internal/chain"
	"swap-engine/internal/order"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// Signed places an order authorised by an off-chain EIP-712 signature.
type Signed struct {
	*base
}

func (s *Signed) Flow() Flow { return FlowSigned }

func (s *Signed) Submit(ctx context.Context, req Request) (Result, error) {
	o := req.Order
	owner := s.deps.Wallet.Address()
	local, err := order.ComputeUID(o, s.deps.Domain, owner)
	if err != nil {
		return Result{}, err
	}
	if uid, ok, err := s.placed(ctx, local); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Flow: FlowSigned, UID: uid, ReadyToPoll: true}, nil
	}
	if _, err := s.sendBatch(ctx, req.Approvals); err != nil {
		s.deps.Metrics.OrdersFailed.Inc()
		return Result{}, err
	}
	sig, err := s.deps.Wallet.SignTypedData(ctx, o.TypedData(s.deps.Domain))
	if err != nil {
		s.deps.Metrics.OrdersFailed.Inc()
		return Result{}, err
	}
	uid, err := s.post(ctx, FlowSigned, creation(o, order.SchemeEIP712, hexutil.Encode(sig), owner), local)
	if err != nil {
		s.deps.Metrics.OrdersFailed.Inc()
		return Result{}, err
	}
	res := Result{Flow: FlowSigned, UID: uid, ReadyToPoll: true}
	s.remember(ctx, local, res, o, order.StatusOpen)
	s.deps.Metrics.OrdersSubmitted.Inc()
	s.deps.Log.Info("order placed", zap.String("flow", string(FlowSigned)), zap.String("order_uid", uid.String()))
	return res, nil
}

// EthFlow sells the native token through the eth-flow contract. The order
// exists once the creation transaction is mined.
type EthFlow struct {
	*base
}

func (e *EthFlow) Flow() Flow { return FlowEthFlow }

func (e *EthFlow) Submit(ctx context.Context, req Request) (Result, error) {
	o := req.Order
	if o.Kind != order.KindSell {
		return Result{}, &SubmissionError{Flow: FlowEthFlow, Err: errors.New("native orders must be sell orders")}
	}
	local, err := order.EthFlowUID(o, e.deps.Domain, e.deps.EthFlow)
	if err != nil {
		return Result{}, err
	}
	if uid, ok, err := e.placed(ctx, local); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Flow: FlowEthFlow, UID: uid, ReadyToPoll: true}, nil
	}
	call, err := chain.CreateEthFlowOrderCall(e.deps.EthFlow, o)
	if err != nil {
		return Result{}, err
	}
	hash, err := e.deps.Wallet.SendTransaction(ctx, call)
	if err != nil {
		e.deps.Metrics.OrdersFailed.Inc()
		return Result{}, wallet.WrapSendError(call.Label, err)
	}
	e.deps.Log.Info("eth-flow order sent", zap.String("tx_hash", hash.Hex()), zap.String("local_uid", local.String()))
	receipt, err := e.deps.Receipts.WaitReceipt(ctx, call.Label, hash)
	if err != nil {
		e.deps.Metrics.OrdersFailed.Inc()
		return Result{}, err
	}
	placement, err := chain.ParseOrderPlacement(receipt, e.deps.EthFlow, e.deps.Domain)
	if err != nil {
		e.deps.Metrics.OrdersFailed.Inc()
		return Result{}, &SubmissionError{Flow: FlowEthFlow, Err: err}
	}
	if placement.UID != local {
		e.deps.Metrics.OrdersFailed.Inc()
		return Result{}, &SubmissionError{
			Flow: FlowEthFlow,
			Code: "UidMismatch",
			Err:  fmt.Errorf("placed %s, expected %s", placement.UID, local),
		}
	}
	res := Result{Flow: FlowEthFlow, UID: local, TxHash: hash, ReadyToPoll: true}
	e.remember(ctx, local, res, o, order.StatusOpen)
	e.deps.Metrics.OrdersSubmitted.Inc()
	e.deps.Log.Info("order placed", zap.String("flow", string(FlowEthFlow)), zap.String("order_uid", local.String()))
	return res, nil
}

// Presign registers the order with the order book first and then authorises
// it with setPreSignature. Polling only makes sense after that transaction
// is mined.
type Presign struct {
	*base
}

func (p *Presign) Flow() Flow { return FlowPresign }

func (p *Presign) Submit(ctx context.Context, req Request) (Result, error) {
	o := req.Order
	owner := p.deps.Wallet.Address()
	local, err := order.ComputeUID(o, p.deps.Domain, owner)
	if err != nil {
		return Result{}, err
	}
	if uid, ok, err := p.placed(ctx, local); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Flow: FlowPresign, UID: uid, ReadyToPoll: true}, nil
	}
	uid, err := p.post(ctx, FlowPresign, creation(o, order.SchemePresign, owner.Hex(), owner), local)
	if err != nil {
		p.deps.Metrics.OrdersFailed.Inc()
		return Result{}, err
	}
	call, err := chain.SetPreSignatureCall(p.deps.Domain.Settlement, uid, true)
	if err != nil {
		return Result{}, err
	}
	calls := append(append([]chain.Call(nil), req.Approvals...), call)
	hash, err := p.sendBatch(ctx, calls)
	if err != nil {
		p.deps.Metrics.OrdersFailed.Inc()
		return Result{Flow: FlowPresign, UID: uid}, err
	}
	res := Result{Flow: FlowPresign, UID: uid, TxHash: hash, ReadyToPoll: true}
	p.remember(ctx, local, res, o, order.StatusOpen)
	p.deps.Metrics.OrdersSubmitted.Inc()
	p.deps.Log.Info("order placed", zap.String("flow", string(FlowPresign)), zap.String("order_uid", uid.String()))
	return res, nil
}
