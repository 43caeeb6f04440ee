package wallet

import (
	"context"
	"errors"
	"fmt"

	"swap-engine/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Capabilities describe what the connected wallet can do.
type Capabilities struct {
	// SmartContract wallets cannot produce off-chain ECDSA signatures and
	// authorise orders with an on-chain presignature instead.
	SmartContract bool
	AtomicBatch   bool
}

type Wallet interface {
	Address() common.Address
	ChainID() int64
	Capabilities() Capabilities
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SendTransaction(ctx context.Context, call chain.Call) (common.Hash, error)
}

// Batcher is implemented by wallets that can submit several calls as one
// atomic bundle.
type Batcher interface {
	SendCalls(ctx context.Context, calls []chain.Call) (common.Hash, error)
}

var ErrRejected = errors.New("request rejected in wallet")

// SigningError is returned when the wallet refuses or fails to sign.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the user declined the request.
func (e *SigningError) Rejected() bool {
	return errors.Is(e.Err, ErrRejected)
}

// WrapSendError classifies a failed SendTransaction: signing failures keep
// their type, anything else becomes an *chain.OnChainError for op.
func WrapSendError(op string, err error) error {
	if err == nil {
		return nil
	}
	var signErr *SigningError
	var onchain *chain.OnChainError
	if errors.As(err, &signErr) || errors.As(err, &onchain) {
		return err
	}
	return &chain.OnChainError{Op: op, Err: err}
}
