package quote

import (
	"errors"
	"math/big"

	"swap-engine/internal/order"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Amounts is the fee-adjusted view of a quoted order.
type Amounts struct {
	FeeAmount           *big.Int
	SellAmountBeforeFee *big.Int
	SellAmountAfterFee  *big.Int
	BuyAmountBeforeFee  *big.Int
	BuyAmountAfterFee   *big.Int
	FeeAmountInBuyToken *big.Int
	SellAmountToSign    *big.Int
	BuyAmountToSign     *big.Int
}

// ComputeAmounts applies the protocol fee and slippage. The sell side of a
// sell order and the buy side of a buy order are signed exactly; the other
// side is rounded against the requester.
func ComputeAmounts(kind order.Kind, sellBeforeFee, buyBeforeFee, fee *big.Int, slippage decimal.Decimal) (Amounts, error) {
	if sellBeforeFee == nil || sellBeforeFee.Sign() <= 0 {
		return Amounts{}, errors.New("quote sell amount must be > 0")
	}
	if buyBeforeFee == nil || buyBeforeFee.Sign() < 0 {
		return Amounts{}, errors.New("quote buy amount must be >= 0")
	}
	if fee == nil {
		fee = new(big.Int)
	}
	if fee.Sign() < 0 {
		return Amounts{}, errors.New("quote fee must be >= 0")
	}
	if slippage.IsNegative() || slippage.GreaterThan(hundred) {
		return Amounts{}, errors.New("slippage must be within [0, 100]")
	}
	sellAfterFee := new(big.Int).Add(sellBeforeFee, fee)
	buyAfterFee := new(big.Int).Mul(buyBeforeFee, sellAfterFee)
	buyAfterFee.Quo(buyAfterFee, sellBeforeFee)
	feeInBuy := new(big.Int).Sub(buyAfterFee, buyBeforeFee)

	a := Amounts{
		FeeAmount:           new(big.Int).Set(fee),
		SellAmountBeforeFee: new(big.Int).Set(sellBeforeFee),
		SellAmountAfterFee:  sellAfterFee,
		BuyAmountBeforeFee:  new(big.Int).Set(buyBeforeFee),
		BuyAmountAfterFee:   buyAfterFee,
		FeeAmountInBuyToken: feeInBuy,
	}
	switch kind {
	case order.KindSell:
		a.SellAmountToSign = new(big.Int).Set(sellAfterFee)
		a.BuyAmountToSign = decimal.NewFromBigInt(buyBeforeFee, 0).
			Mul(hundred.Sub(slippage)).
			Shift(-2).
			Floor().
			BigInt()
	case order.KindBuy:
		a.BuyAmountToSign = new(big.Int).Set(buyBeforeFee)
		a.SellAmountToSign = decimal.NewFromBigInt(sellAfterFee, 0).
			Mul(hundred.Add(slippage)).
			Shift(-2).
			Ceil().
			BigInt()
	default:
		return Amounts{}, errors.New("quote kind must be sell or buy")
	}
	return a, nil
}

// SlippageBps rounds a percent slippage to whole basis points for display.
func SlippageBps(slippage decimal.Decimal) int64 {
	return slippage.Mul(hundred).Round(0).IntPart()
}
