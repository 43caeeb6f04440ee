package chain

import (
	"fmt"
	"math/big"

	"swap-engine/internal/order"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a single contract invocation a wallet sends as a transaction or
// as one entry of a batch.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	Label string
}

func ApproveCall(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	label := "approve"
	if amount.Sign() == 0 {
		label = "reset_allowance"
	}
	return Call{To: token, Value: new(big.Int), Data: data, Label: label}, nil
}

func SetPreSignatureCall(settlement common.Address, uid order.UID, signed bool) (Call, error) {
	data, err := settlementABI.Pack("setPreSignature", uid.Bytes(), signed)
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack setPreSignature: %w", err)
	}
	return Call{To: settlement, Value: new(big.Int), Data: data, Label: "presign"}, nil
}

func InvalidateOrderCall(settlement common.Address, uid order.UID) (Call, error) {
	data, err := settlementABI.Pack("invalidateOrder", uid.Bytes())
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack invalidateOrder: %w", err)
	}
	return Call{To: settlement, Value: new(big.Int), Data: data, Label: "invalidate_order"}, nil
}

// ethFlowOrderData mirrors the eth-flow contract's order struct. Field names
// must match the ABI tuple components.
type ethFlowOrderData struct {
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	AppData           [32]byte
	FeeAmount         *big.Int
	ValidTo           uint32
	PartiallyFillable bool
	QuoteID           int64 `abi:"quoteId"`
}

func ethFlowData(o order.Order) ethFlowOrderData {
	fee := o.FeeAmount
	if fee == nil {
		fee = new(big.Int)
	}
	return ethFlowOrderData{
		BuyToken:          o.BuyToken,
		Receiver:          o.Receiver,
		SellAmount:        o.SellAmount,
		BuyAmount:         o.BuyAmount,
		AppData:           o.AppData,
		FeeAmount:         fee,
		ValidTo:           o.ValidTo,
		PartiallyFillable: o.PartiallyFillable,
		QuoteID:           o.QuoteID,
	}
}

// CreateEthFlowOrderCall places o through the eth-flow contract. The native
// sell amount travels as the transaction value.
func CreateEthFlowOrderCall(ethFlow common.Address, o order.Order) (Call, error) {
	if o.Receiver == (common.Address{}) {
		return Call{}, fmt.Errorf("eth-flow order requires a receiver")
	}
	data, err := ethFlowABI.Pack("createOrder", ethFlowData(o))
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack createOrder: %w", err)
	}
	value := new(big.Int).Add(o.SellAmount, ethFlowData(o).FeeAmount)
	return Call{To: ethFlow, Value: value, Data: data, Label: "eth_flow_create"}, nil
}

func InvalidateEthFlowOrderCall(ethFlow common.Address, o order.Order) (Call, error) {
	data, err := ethFlowABI.Pack("invalidateOrder", ethFlowData(o))
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack eth-flow invalidateOrder: %w", err)
	}
	return Call{To: ethFlow, Value: new(big.Int), Data: data, Label: "eth_flow_invalidate"}, nil
}
