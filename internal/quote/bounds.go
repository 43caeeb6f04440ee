package quote

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bounds is an inclusive slippage range in percent with the value used when
// input is missing or outside it.
type Bounds struct {
	Min     decimal.Decimal
	Max     decimal.Decimal
	Default decimal.Decimal
}

var (
	ERC20Slippage     = Bounds{Min: decimal.Zero, Max: decimal.NewFromInt(50), Default: decimal.RequireFromString("0.5")}
	EthFlowL1Slippage = Bounds{Min: decimal.NewFromInt(2), Max: decimal.NewFromInt(50), Default: decimal.NewFromInt(2)}
	EthFlowL2Slippage = Bounds{Min: decimal.RequireFromString("0.5"), Max: decimal.NewFromInt(50), Default: decimal.RequireFromString("0.5")}
)

const (
	minTTLMinutes     = 1
	maxTTLMinutes     = 180
	defaultTTLMinutes = 30
)

// SlippageBounds picks the range for the order flow.
func SlippageBounds(nativeFlow, l2 bool) Bounds {
	switch {
	case nativeFlow && l2:
		return EthFlowL2Slippage
	case nativeFlow:
		return EthFlowL1Slippage
	default:
		return ERC20Slippage
	}
}

// ResolveSlippage parses raw as a percentage. Unparseable or out-of-range
// input yields the flow default, never the nearest bound.
func ResolveSlippage(raw string, nativeFlow, l2 bool) decimal.Decimal {
	b := SlippageBounds(nativeFlow, l2)
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || v.LessThan(b.Min) || v.GreaterThan(b.Max) {
		return b.Default
	}
	return v
}

// ResolveTTL parses raw as minutes within [1, 180], defaulting to 30.
func ResolveTTL(raw string) time.Duration {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || v.LessThan(decimal.NewFromInt(minTTLMinutes)) || v.GreaterThan(decimal.NewFromInt(maxTTLMinutes)) {
		return defaultTTLMinutes * time.Minute
	}
	return time.Duration(v.Mul(decimal.NewFromInt(60)).IntPart()) * time.Second
}
