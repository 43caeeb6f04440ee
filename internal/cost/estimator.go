package cost

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceIndex quotes USD per whole token.
type PriceIndex interface {
	USDPrice(ctx context.Context, token common.Address) (decimal.Decimal, error)
}

// NativePricer quotes native-token atoms per token atom.
type NativePricer interface {
	NativePrice(ctx context.Context, token string) (decimal.Decimal, error)
}

type DecimalsReader interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

type Input struct {
	SellToken     common.Address
	BuyToken      common.Address
	SellBeforeFee *big.Int
	SellAfterFee  *big.Int
	BuyBeforeFee  *big.Int
	BuyAfterFee   *big.Int
}

// Estimate holds USD-derived costs. Nil fields are unknown.
type Estimate struct {
	SellUSD       *decimal.Decimal
	BuyUSD        *decimal.Decimal
	PriceImpact   *decimal.Decimal
	FeePercentage *decimal.Decimal
}

type Estimator struct {
	index       PriceIndex
	native      NativePricer
	decimals    DecimalsReader
	reference   common.Address
	refDecimals int32
	log         *zap.Logger
}

type Options struct {
	Index             PriceIndex
	Native            NativePricer
	Decimals          DecimalsReader
	ReferenceToken    common.Address
	ReferenceDecimals int32
}

func NewEstimator(opts Options, log *zap.Logger) *Estimator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Estimator{
		index:       opts.Index,
		native:      opts.Native,
		decimals:    opts.Decimals,
		reference:   opts.ReferenceToken,
		refDecimals: opts.ReferenceDecimals,
		log:         log,
	}
}

var hundred = decimal.NewFromInt(100)

// Estimate prices both legs concurrently. Missing price data leaves the
// affected fields nil; it never fails.
func (e *Estimator) Estimate(ctx context.Context, in Input) Estimate {
	var (
		wg        sync.WaitGroup
		sellPrice *decimal.Decimal
		buyPrice  *decimal.Decimal
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sellPrice = e.atomPrice(ctx, in.SellToken)
	}()
	go func() {
		defer wg.Done()
		buyPrice = e.atomPrice(ctx, in.BuyToken)
	}()
	wg.Wait()

	if sellPrice == nil || buyPrice == nil {
		return Estimate{}
	}
	sellUSD := value(in.SellBeforeFee, *sellPrice)
	buyUSD := value(in.BuyBeforeFee, *buyPrice)
	out := Estimate{SellUSD: sellUSD, BuyUSD: buyUSD}
	if sellUSD != nil && buyUSD != nil && sellUSD.IsPositive() {
		impact := sellUSD.Sub(*buyUSD).Mul(hundred).Div(*sellUSD)
		out.PriceImpact = &impact
	}
	sellAfterUSD := value(in.SellAfterFee, *sellPrice)
	if sellAfterUSD != nil && sellUSD != nil && sellAfterUSD.IsPositive() {
		fee := sellAfterUSD.Sub(*sellUSD).Mul(hundred).Div(*sellAfterUSD)
		out.FeePercentage = &fee
	}
	return out
}

func value(amount *big.Int, atomPrice decimal.Decimal) *decimal.Decimal {
	if amount == nil {
		return nil
	}
	v := decimal.NewFromBigInt(amount, 0).Mul(atomPrice)
	return &v
}

// atomPrice returns USD per token atom, trying the price index first and
// falling back to native prices cross-priced through the reference token.
func (e *Estimator) atomPrice(ctx context.Context, token common.Address) *decimal.Decimal {
	p, err := e.indexAtomPrice(ctx, token)
	if err == nil {
		return &p
	}
	e.log.Debug("price index lookup failed", zap.String("token", token.Hex()), zap.Error(err))
	p, err = e.nativeAtomPrice(ctx, token)
	if err != nil {
		e.log.Debug("native price fallback failed", zap.String("token", token.Hex()), zap.Error(err))
		return nil
	}
	return &p
}

const ratioPrecision = 40

var errNoSource = errors.New("price source not configured")

func (e *Estimator) indexAtomPrice(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	if e.index == nil || e.decimals == nil {
		return decimal.Zero, errNoSource
	}
	price, err := e.index.USDPrice(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := e.decimals.Decimals(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Shift(-int32(d)), nil
}

func (e *Estimator) nativeAtomPrice(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	if e.native == nil || e.reference == (common.Address{}) {
		return decimal.Zero, errNoSource
	}
	tokenPrice, err := e.native.NativePrice(ctx, token.Hex())
	if err != nil {
		return decimal.Zero, err
	}
	refPrice, err := e.native.NativePrice(ctx, e.reference.Hex())
	if err != nil {
		return decimal.Zero, err
	}
	// the reference token is worth one USD per whole unit
	return tokenPrice.DivRound(refPrice, ratioPrecision).Shift(-e.refDecimals), nil
}
