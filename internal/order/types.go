package order

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	KindSell Kind = "sell"
	KindBuy  Kind = "buy"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindSell:
		return KindSell, nil
	case KindBuy:
		return KindBuy, nil
	}
	return "", fmt.Errorf("unknown order kind %q", raw)
}

type BalanceMode string

const (
	BalanceERC20    BalanceMode = "erc20"
	BalanceExternal BalanceMode = "external"
	BalanceInternal BalanceMode = "internal"
)

type SigningScheme string

const (
	SchemeEIP712  SigningScheme = "eip712"
	SchemeEthSign SigningScheme = "ethsign"
	SchemePresign SigningScheme = "presign"
	SchemeEIP1271 SigningScheme = "eip1271"
)

type Status string

const (
	StatusPresignaturePending Status = "presignaturePending"
	StatusOpen                Status = "open"
	StatusFulfilled           Status = "fulfilled"
	StatusCancelled           Status = "cancelled"
	StatusExpired             Status = "expired"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusFulfilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// MaxValidTo is the validity used by orders placed through the eth-flow
// contract; the user-facing expiry lives in the eth-flow order instead.
const MaxValidTo = ^uint32(0)

// Order is the settlement contract's canonical order. Amounts are token
// atoms.
type Order struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           common.Hash
	FeeAmount         *big.Int
	Kind              Kind
	PartiallyFillable bool
	SellTokenBalance  BalanceMode
	BuyTokenBalance   BalanceMode

	SigningScheme SigningScheme
	AppDataJSON   string
	QuoteID       int64
}

var (
	ErrMissingToken  = errors.New("order sell and buy tokens are required")
	ErrMissingAmount = errors.New("order sell and buy amounts must be > 0")
	ErrSameToken     = errors.New("order sell and buy tokens must differ")
)

func (o Order) Validate() error {
	if o.SellToken == (common.Address{}) || o.BuyToken == (common.Address{}) {
		return ErrMissingToken
	}
	if o.SellToken == o.BuyToken {
		return ErrSameToken
	}
	if o.SellAmount == nil || o.SellAmount.Sign() <= 0 || o.BuyAmount == nil || o.BuyAmount.Sign() <= 0 {
		return ErrMissingAmount
	}
	if o.Kind != KindSell && o.Kind != KindBuy {
		return fmt.Errorf("invalid order kind %q", o.Kind)
	}
	return nil
}

func (o Order) feeAmount() *big.Int {
	if o.FeeAmount == nil {
		return new(big.Int)
	}
	return o.FeeAmount
}

func balanceOrDefault(b BalanceMode) BalanceMode {
	if b == "" {
		return BalanceERC20
	}
	return b
}
