package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"swap-engine/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoOrderPlacement = errors.New("no OrderPlacement event in receipt")

// OrderPlacement is the decoded eth-flow placement event.
type OrderPlacement struct {
	Sender      common.Address
	Order       order.Order
	UID         order.UID
	QuoteID     int64
	UserValidTo uint32
}

type placedOrderData struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           [32]byte
	FeeAmount         *big.Int
	Kind              [32]byte
	PartiallyFillable bool
	SellTokenBalance  [32]byte
	BuyTokenBalance   [32]byte
}

type onchainSignature struct {
	Scheme uint8
	Data   []byte
}

type orderPlacementEvent struct {
	Order     placedOrderData
	Signature onchainSignature
	Data      []byte
}

var (
	kindSellHash    = crypto.Keccak256Hash([]byte(order.KindSell))
	kindBuyHash     = crypto.Keccak256Hash([]byte(order.KindBuy))
	balanceERC20    = crypto.Keccak256Hash([]byte(order.BalanceERC20))
	balanceExternal = crypto.Keccak256Hash([]byte(order.BalanceExternal))
	balanceInternal = crypto.Keccak256Hash([]byte(order.BalanceInternal))
)

// ParseOrderPlacement finds the placement event emitted by ethFlow in
// receipt and derives the UID of the order it placed.
func ParseOrderPlacement(receipt *types.Receipt, ethFlow common.Address, domain order.Domain) (*OrderPlacement, error) {
	if receipt == nil {
		return nil, errors.New("receipt is required")
	}
	event := ethFlowABI.Events["OrderPlacement"]
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != ethFlow || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		var decoded orderPlacementEvent
		if err := ethFlowABI.UnpackIntoInterface(&decoded, "OrderPlacement", lg.Data); err != nil {
			return nil, fmt.Errorf("decode OrderPlacement: %w", err)
		}
		placed, err := decoded.Order.toOrder()
		if err != nil {
			return nil, err
		}
		digest, err := placed.Digest(domain)
		if err != nil {
			return nil, err
		}
		out := &OrderPlacement{
			Sender: common.BytesToAddress(lg.Topics[1].Bytes()),
			Order:  placed,
			UID:    order.NewUID(digest, ethFlow, placed.ValidTo),
		}
		if len(decoded.Data) >= 12 {
			out.QuoteID = int64(binary.BigEndian.Uint64(decoded.Data[:8]))
			out.UserValidTo = binary.BigEndian.Uint32(decoded.Data[8:12])
		}
		return out, nil
	}
	return nil, ErrNoOrderPlacement
}

func (p placedOrderData) toOrder() (order.Order, error) {
	kind, err := kindFromHash(p.Kind)
	if err != nil {
		return order.Order{}, err
	}
	sellBalance, err := balanceFromHash(p.SellTokenBalance)
	if err != nil {
		return order.Order{}, err
	}
	buyBalance, err := balanceFromHash(p.BuyTokenBalance)
	if err != nil {
		return order.Order{}, err
	}
	return order.Order{
		SellToken:         p.SellToken,
		BuyToken:          p.BuyToken,
		Receiver:          p.Receiver,
		SellAmount:        p.SellAmount,
		BuyAmount:         p.BuyAmount,
		ValidTo:           p.ValidTo,
		AppData:           p.AppData,
		FeeAmount:         p.FeeAmount,
		Kind:              kind,
		PartiallyFillable: p.PartiallyFillable,
		SellTokenBalance:  sellBalance,
		BuyTokenBalance:   buyBalance,
		SigningScheme:     order.SchemeEIP1271,
	}, nil
}

func kindFromHash(h common.Hash) (order.Kind, error) {
	switch h {
	case kindSellHash:
		return order.KindSell, nil
	case kindBuyHash:
		return order.KindBuy, nil
	}
	return "", fmt.Errorf("unknown order kind hash %s", h)
}

func balanceFromHash(h common.Hash) (order.BalanceMode, error) {
	switch h {
	case balanceERC20:
		return order.BalanceERC20, nil
	case balanceExternal:
		return order.BalanceExternal, nil
	case balanceInternal:
		return order.BalanceInternal, nil
	}
	return "", fmt.Errorf("unknown balance hash %s", h)
}
