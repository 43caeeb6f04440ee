package order

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrAllowancePending is returned when an ERC20 order is built before the
// vault relayer holds a sufficient allowance.
var ErrAllowancePending = errors.New("allowance must be approved before building the order")

// Terms are the amounts and tokens a quote commits to.
type Terms struct {
	SellToken  common.Address
	BuyToken   common.Address
	Kind       Kind
	SellAmount *big.Int
	BuyAmount  *big.Int
	QuoteID    int64
}

type Request struct {
	Terms          Terms
	Owner          common.Address
	Receiver       common.Address
	TTL            time.Duration
	Scheme         SigningScheme
	EthFlow        bool
	AllowanceReady bool
}

type Builder struct {
	appData AppData
	now     func() time.Time
}

func NewBuilder(appData AppData, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{appData: appData, now: now}
}

func (b *Builder) AppData() AppData {
	return b.appData
}

// Build assembles the order for req. Signed orders fold the fee into the
// sell amount and carry a zero fee.
func (b *Builder) Build(req Request) (Order, error) {
	if !req.EthFlow && !req.AllowanceReady {
		return Order{}, ErrAllowancePending
	}
	if req.TTL <= 0 {
		return Order{}, errors.New("order ttl must be > 0")
	}
	receiver := req.Receiver
	if req.EthFlow && receiver == (common.Address{}) {
		receiver = req.Owner
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = SchemeEIP712
	}
	if req.EthFlow {
		scheme = SchemeEIP1271
	}
	kind := req.Terms.Kind
	if req.EthFlow {
		kind = KindSell
	}
	o := Order{
		SellToken:        req.Terms.SellToken,
		BuyToken:         req.Terms.BuyToken,
		Receiver:         receiver,
		SellAmount:       cloneInt(req.Terms.SellAmount),
		BuyAmount:        cloneInt(req.Terms.BuyAmount),
		ValidTo:          validTo(b.now(), req.TTL),
		AppData:          b.appData.Hash,
		FeeAmount:        new(big.Int),
		Kind:             kind,
		SellTokenBalance: BalanceERC20,
		BuyTokenBalance:  BalanceERC20,
		SigningScheme:    scheme,
		AppDataJSON:      b.appData.JSON,
		QuoteID:          req.Terms.QuoteID,
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

func validTo(now time.Time, ttl time.Duration) uint32 {
	end := now.Add(ttl).Unix()
	if end <= 0 {
		return 0
	}
	if end > int64(MaxValidTo) {
		return MaxValidTo
	}
	return uint32(end)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
