package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"swap-engine/internal/chain"
	"swap-engine/internal/order"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Backend is the part of *ethclient.Client needed to send transactions.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// KeyWallet signs with a local private key and sends legacy EIP-155
// transactions.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID int64
	backend Backend
	caps    Capabilities

	// serialises nonce allocation
	mu sync.Mutex
}

func NewKeyWallet(hexKey string, chainID int64, backend Backend) (*KeyWallet, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &KeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		backend: backend,
	}, nil
}

// WithCapabilities overrides the detected capabilities, e.g. for a
// delegated account the order book must treat as a contract.
func (w *KeyWallet) WithCapabilities(caps Capabilities) *KeyWallet {
	w.caps = caps
	return w
}

func (w *KeyWallet) Address() common.Address {
	return w.address
}

func (w *KeyWallet) ChainID() int64 {
	return w.chainID
}

func (w *KeyWallet) Capabilities() Capabilities {
	return w.caps
}

func (w *KeyWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SigningError{Err: err}
	}
	digest, err := order.TypedDataHash(data)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	sig, err := crypto.Sign(digest.Bytes(), w.key)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	sig[64] += 27
	return sig, nil
}

func (w *KeyWallet) SendTransaction(ctx context.Context, call chain.Call) (common.Hash, error) {
	if w.backend == nil {
		return common.Hash{}, errors.New("wallet has no rpc backend")
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}
	to := call.To
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Value: value, Data: call.Data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}
	// 20% headroom over the estimate
	gas = gas * 120 / 100
	tx := types.NewTransaction(nonce, to, value, gas, gasPrice, call.Data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(w.chainID)), w.key)
	if err != nil {
		return common.Hash{}, &SigningError{Err: err}
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash(), nil
}
