package allowance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"swap-engine/internal/chain"
	"swap-engine/internal/metrics"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// MaxAllowance is the unlimited approval amount.
var MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

type Reader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

type ReceiptWaiter interface {
	WaitReceipt(ctx context.Context, op string, txHash common.Hash) (*types.Receipt, error)
}

type Sender interface {
	SendTransaction(ctx context.Context, call chain.Call) (common.Hash, error)
}

// State is an allowance snapshot read from chain.
type State struct {
	Token          common.Address
	Owner          common.Address
	Current        *big.Int
	Required       *big.Int
	NeedsAllowance bool
	NeedsReset     bool
}

// Decision is what the trade flow has to do before the order can be placed.
type Decision struct {
	State
	UseBatch bool
}

// Confirmations counts the wallet prompts the flow needs: one per reset,
// approval and trade, or a single one when batched.
func (d Decision) Confirmations() int {
	if d.UseBatch {
		return 1
	}
	n := 1
	if d.NeedsAllowance {
		n++
	}
	if d.NeedsReset {
		n++
	}
	return n
}

// Ready reports whether the order can be placed without an approval step.
func (d Decision) Ready() bool {
	return !d.NeedsAllowance && !d.NeedsReset
}

type Coordinator struct {
	reader    Reader
	receipts  ReceiptWaiter
	spender   common.Address
	zeroReset map[common.Address]bool
	batching  bool
	log       *zap.Logger
	metrics   *metrics.Metrics
}

type Options struct {
	Spender         common.Address
	ZeroResetTokens []string
	BatchingEnabled bool
}

func New(reader Reader, receipts ReceiptWaiter, opts Options, log *zap.Logger, m *metrics.Metrics) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	zeroReset := make(map[common.Address]bool, len(opts.ZeroResetTokens))
	for _, token := range opts.ZeroResetTokens {
		token = strings.TrimSpace(token)
		if common.IsHexAddress(token) {
			zeroReset[common.HexToAddress(token)] = true
		}
	}
	return &Coordinator{
		reader:    reader,
		receipts:  receipts,
		spender:   opts.Spender,
		zeroReset: zeroReset,
		batching:  opts.BatchingEnabled,
		log:       log,
		metrics:   metrics.OrNoop(m),
	}
}

// Check reads the allowance fresh from chain and decides the approval
// strategy. required is zero for native sells, which need no approval.
func (c *Coordinator) Check(ctx context.Context, token, owner common.Address, required *big.Int, walletBatch bool) (Decision, error) {
	if required == nil {
		required = new(big.Int)
	}
	state := State{Token: token, Owner: owner, Required: new(big.Int).Set(required), Current: new(big.Int)}
	if required.Sign() > 0 {
		current, err := c.reader.Allowance(ctx, token, owner, c.spender)
		if err != nil {
			return Decision{}, fmt.Errorf("read allowance: %w", err)
		}
		state.Current = current
	}
	state.NeedsAllowance = state.Current.Cmp(required) < 0
	state.NeedsReset = c.NeedsReset(token, state.Current, required)
	return Decision{
		State:    state,
		UseBatch: c.ShouldUseBatch(walletBatch, state),
	}, nil
}

// NeedsReset applies to tokens that refuse to raise a nonzero allowance.
func (c *Coordinator) NeedsReset(token common.Address, current, required *big.Int) bool {
	return c.zeroReset[token] && current.Sign() > 0 && current.Cmp(required) < 0
}

func (c *Coordinator) ShouldUseBatch(walletBatch bool, state State) bool {
	return walletBatch && c.batching && (state.NeedsAllowance || state.NeedsReset)
}

// Calls lists the approval calls for d in execution order.
func (c *Coordinator) Calls(d Decision) ([]chain.Call, error) {
	var calls []chain.Call
	if d.NeedsReset {
		reset, err := chain.ApproveCall(d.Token, c.spender, new(big.Int))
		if err != nil {
			return nil, err
		}
		calls = append(calls, reset)
	}
	if d.NeedsAllowance {
		approve, err := chain.ApproveCall(d.Token, c.spender, MaxAllowance)
		if err != nil {
			return nil, err
		}
		calls = append(calls, approve)
	}
	return calls, nil
}

// BatchCalls prepends the approval calls to trade for a single atomic
// bundle.
func (c *Coordinator) BatchCalls(d Decision, trade chain.Call) ([]chain.Call, error) {
	calls, err := c.Calls(d)
	if err != nil {
		return nil, err
	}
	return append(calls, trade), nil
}

// Approve sends the reset and approval transactions one by one, waiting for
// each receipt. The allowance is re-read afterwards whether or not the
// transactions succeeded.
func (c *Coordinator) Approve(ctx context.Context, sender Sender, d Decision, walletBatch bool) (Decision, error) {
	calls, err := c.Calls(d)
	if err != nil {
		return d, err
	}
	var txErr error
	for _, call := range calls {
		hash, err := sender.SendTransaction(ctx, call)
		if err != nil {
			txErr = wallet.WrapSendError(call.Label, err)
			break
		}
		c.log.Info("approval sent", zap.String("tx", hash.Hex()), zap.String("step", call.Label), zap.String("token", d.Token.Hex()))
		if _, err := c.receipts.WaitReceipt(ctx, call.Label, hash); err != nil {
			txErr = err
			break
		}
		if call.Label == "approve" {
			c.metrics.Approvals.Inc()
		}
	}
	fresh, err := c.Check(ctx, d.Token, d.Owner, d.Required, walletBatch)
	if err != nil {
		if txErr != nil {
			return d, errors.Join(txErr, err)
		}
		return d, err
	}
	return fresh, txErr
}
