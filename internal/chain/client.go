package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Backend is the subset of *ethclient.Client the engine reads from.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// OnChainError reports a transaction that reverted or never got mined.
type OnChainError struct {
	Op       string
	TxHash   common.Hash
	Reverted bool
	Err      error
}

func (e *OnChainError) Error() string {
	switch {
	case e.Reverted:
		return fmt.Sprintf("%s tx %s reverted", e.Op, e.TxHash.Hex())
	case e.TxHash != (common.Hash{}):
		return fmt.Sprintf("%s tx %s dropped: %v", e.Op, e.TxHash.Hex(), e.Err)
	default:
		return fmt.Sprintf("%s tx failed: %v", e.Op, e.Err)
	}
}

func (e *OnChainError) Unwrap() error {
	return e.Err
}

type Client struct {
	backend        Backend
	log            *zap.Logger
	receiptTimeout time.Duration
	receiptPoll    time.Duration

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

func New(backend Backend, receiptTimeout, receiptPoll time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if receiptTimeout <= 0 {
		receiptTimeout = 3 * time.Minute
	}
	if receiptPoll <= 0 {
		receiptPoll = 2 * time.Second
	}
	return &Client{
		backend:        backend,
		log:            log,
		receiptTimeout: receiptTimeout,
		receiptPoll:    receiptPoll,
		decimals:       make(map[common.Address]uint8),
	}
}

// Allowance reads the current ERC20 allowance. It is never cached.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance call: %w", err)
	}
	var allowance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&allowance, "allowance", result); err != nil {
		return nil, err
	}
	return allowance, nil
}

func (c *Client) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	c.mu.Lock()
	if d, ok := c.decimals[token]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("decimals call: %w", err)
	}
	var decimals uint8
	if err := erc20ABI.UnpackIntoInterface(&decimals, "decimals", result); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.decimals[token] = decimals
	c.mu.Unlock()
	return decimals, nil
}

// IsContract reports whether account has code deployed.
func (c *Client) IsContract(ctx context.Context, account common.Address) (bool, error) {
	code, err := c.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// WaitReceipt polls for the receipt of txHash. A reverted or unmined
// transaction yields an *OnChainError.
func (c *Client) WaitReceipt(ctx context.Context, op string, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &OnChainError{Op: op, TxHash: txHash, Reverted: true}
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("receipt lookup failed", zap.String("tx", txHash.Hex()), zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &OnChainError{Op: op, TxHash: txHash, Err: errors.New("timeout waiting for receipt")}
		case <-ticker.C:
		}
	}
}
