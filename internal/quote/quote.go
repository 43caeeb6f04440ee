package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"swap-engine/internal/metrics"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// CodeSellAmountDoesNotCoverFee is the order book error for amounts that
	// cannot pay the protocol fee. It is never retried.
	CodeSellAmountDoesNotCoverFee = "SellAmountDoesNotCoverFee"

	PriceQualityOptimal = "optimal"
	PriceQualityFast    = "fast"

	defaultValidity = 2 * time.Minute
	maxRetries      = 2
)

var (
	ErrDisabled   = errors.New("quote inputs incomplete")
	ErrSuperseded = errors.New("quote superseded by newer inputs")
	ErrNativeBuy  = errors.New("native sell orders must be sell kind")
)

// QuoteError is a failed quote. Code holds the order book error type when
// the service reported one.
type QuoteError struct {
	Code        string
	Description string
	Err         error
}

func (e *QuoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("quote failed: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("quote failed: %v", e.Err)
}

func (e *QuoteError) Unwrap() error {
	return e.Err
}

// FeeInsufficient reports that the amount cannot cover the protocol fee;
// the user has to change the amount.
func (e *QuoteError) FeeInsufficient() bool {
	return e.Code == CodeSellAmountDoesNotCoverFee
}

func (e *QuoteError) Retryable() bool {
	if e.FeeInsufficient() {
		return false
	}
	return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
}

// Params are the inputs of one quote request.
type Params struct {
	SellToken           common.Address
	BuyToken            common.Address
	From                common.Address
	Receiver            common.Address
	Amount              *big.Int
	Kind                order.Kind
	Slippage            decimal.Decimal
	TTL                 time.Duration
	NativeFlow          bool
	SmartContractWallet bool
	PriceQuality        string
}

func (p Params) Validate() error {
	if p.SellToken == (common.Address{}) || p.BuyToken == (common.Address{}) || p.From == (common.Address{}) {
		return ErrDisabled
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 || p.TTL <= 0 {
		return ErrDisabled
	}
	if p.Kind != order.KindSell && p.Kind != order.KindBuy {
		return ErrDisabled
	}
	if p.NativeFlow && p.Kind != order.KindSell {
		return ErrNativeBuy
	}
	return nil
}

// Key identifies the inputs a cached quote is valid for.
func (p Params) Key() string {
	flow := "erc20"
	switch {
	case p.NativeFlow:
		flow = "native"
	case p.SmartContractWallet:
		flow = "presign"
	}
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return strings.Join([]string{
		strings.ToLower(p.SellToken.Hex()),
		strings.ToLower(p.BuyToken.Hex()),
		amount,
		string(p.Kind),
		p.Slippage.String(),
		flow,
	}, "|")
}

type Quote struct {
	Amounts

	ID              int64
	SellToken       common.Address
	BuyToken        common.Address
	Kind            order.Kind
	RequestedAmount *big.Int
	ValidTo         uint32
	Slippage        decimal.Decimal
	SlippageBps     int64
	From            common.Address
	Expiration      time.Time
	Verified        bool
	FetchedAt       time.Time
}

// Terms is the order commitment of the quote.
func (q *Quote) Terms() order.Terms {
	return order.Terms{
		SellToken:  q.SellToken,
		BuyToken:   q.BuyToken,
		Kind:       q.Kind,
		SellAmount: q.SellAmountToSign,
		BuyAmount:  q.BuyAmountToSign,
		QuoteID:    q.ID,
	}
}

func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.Expiration)
}

type Service interface {
	Quote(ctx context.Context, req orderbook.QuoteRequest) (*orderbook.QuoteResponse, error)
}

type Engine struct {
	svc           Service
	appData       order.AppData
	wrappedNative common.Address
	validity      time.Duration
	backoff       time.Duration
	now           func() time.Time
	log           *zap.Logger
	metrics       *metrics.Metrics

	mu       sync.Mutex
	cache    map[string]*Quote
	gen      uint64
	inflight context.CancelFunc
}

type Options struct {
	AppData       order.AppData
	WrappedNative common.Address
	Validity      time.Duration
	RetryBackoff  time.Duration
	Now           func() time.Time
}

func NewEngine(svc Service, opts Options, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Validity <= 0 {
		opts.Validity = defaultValidity
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		svc:           svc,
		appData:       opts.AppData,
		wrappedNative: opts.WrappedNative,
		validity:      opts.Validity,
		backoff:       opts.RetryBackoff,
		now:           opts.Now,
		log:           log,
		metrics:       metrics.OrNoop(m),
		cache:         make(map[string]*Quote),
	}
}

// Fetch returns a quote for p. Every call supersedes the previous one: an
// older request still in flight is cancelled and its result dropped.
func (e *Engine) Fetch(ctx context.Context, p Params) (*Quote, error) {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	if e.inflight != nil {
		e.inflight()
		e.inflight = nil
	}
	if err := p.Validate(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	key := p.Key()
	if q, ok := e.cache[key]; ok {
		if !q.Expired(e.now()) {
			e.mu.Unlock()
			return q, nil
		}
		delete(e.cache, key)
	}
	reqCtx, cancel := context.WithCancel(ctx)
	e.inflight = cancel
	e.mu.Unlock()
	defer cancel()

	q, err := e.fetchWithRetry(reqCtx, p)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return nil, ErrSuperseded
	}
	e.inflight = nil
	if err != nil {
		e.metrics.QuotesFailed.Inc()
		return nil, err
	}
	e.cache[key] = q
	return q, nil
}

// Invalidate drops cached quotes and cancels any request in flight.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if e.inflight != nil {
		e.inflight()
		e.inflight = nil
	}
	e.cache = make(map[string]*Quote)
}

func (e *Engine) fetchWithRetry(ctx context.Context, p Params) (*Quote, error) {
	req := e.request(p)
	backoff := e.backoff
	for attempt := 0; ; attempt++ {
		e.metrics.QuotesRequested.Inc()
		resp, err := e.svc.Quote(ctx, req)
		if err == nil {
			return e.compute(p, resp)
		}
		qerr := toQuoteError(err)
		if !qerr.Retryable() || attempt == maxRetries {
			return nil, qerr
		}
		e.log.Debug("quote request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.String("error_type", qerr.Code),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, &QuoteError{Err: ctx.Err()}
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (e *Engine) request(p Params) orderbook.QuoteRequest {
	sellToken := p.SellToken
	scheme := order.SchemeEIP712
	switch {
	case p.NativeFlow:
		if e.wrappedNative != (common.Address{}) {
			sellToken = e.wrappedNative
		}
		scheme = order.SchemeEIP1271
	case p.SmartContractWallet:
		scheme = order.SchemePresign
	}
	quality := p.PriceQuality
	if quality == "" {
		quality = PriceQualityOptimal
	}
	req := orderbook.QuoteRequest{
		SellToken:        sellToken.Hex(),
		BuyToken:         p.BuyToken.Hex(),
		From:             p.From.Hex(),
		Kind:             string(p.Kind),
		ValidFor:         uint32(p.TTL / time.Second),
		AppData:          e.appData.JSON,
		SellTokenBalance: string(order.BalanceERC20),
		BuyTokenBalance:  string(order.BalanceERC20),
		PriceQuality:     quality,
		SigningScheme:    string(scheme),
		OnchainOrder:     p.NativeFlow,
	}
	if e.appData.JSON != "" {
		req.AppDataHash = e.appData.Hash.Hex()
	}
	if p.Receiver != (common.Address{}) {
		req.Receiver = p.Receiver.Hex()
	}
	if p.Kind == order.KindSell {
		req.SellAmountBeforeFee = p.Amount.String()
	} else {
		req.BuyAmountAfterFee = p.Amount.String()
	}
	return req
}

func (e *Engine) compute(p Params, resp *orderbook.QuoteResponse) (*Quote, error) {
	sellBefore, err := orderbook.ParseAmount(resp.Quote.SellAmount)
	if err != nil {
		return nil, &QuoteError{Err: err}
	}
	buyBefore, err := orderbook.ParseAmount(resp.Quote.BuyAmount)
	if err != nil {
		return nil, &QuoteError{Err: err}
	}
	fee, err := orderbook.ParseAmount(resp.Quote.FeeAmount)
	if err != nil {
		return nil, &QuoteError{Err: err}
	}
	amounts, err := ComputeAmounts(p.Kind, sellBefore, buyBefore, fee, p.Slippage)
	if err != nil {
		return nil, &QuoteError{Err: err}
	}
	now := e.now()
	expiration := now.Add(e.validity)
	if !resp.Expiration.IsZero() && resp.Expiration.Before(expiration) {
		expiration = resp.Expiration
	}
	validTo := resp.Quote.ValidTo
	if validTo == 0 {
		validTo = uint32(now.Add(p.TTL).Unix())
	}
	sellToken := p.SellToken
	if p.NativeFlow && e.wrappedNative != (common.Address{}) {
		sellToken = e.wrappedNative
	}
	if resp.Quote.SellToken != "" && common.IsHexAddress(resp.Quote.SellToken) {
		sellToken = common.HexToAddress(resp.Quote.SellToken)
	}
	return &Quote{
		Amounts:         amounts,
		ID:              resp.ID,
		SellToken:       sellToken,
		BuyToken:        p.BuyToken,
		Kind:            p.Kind,
		RequestedAmount: new(big.Int).Set(p.Amount),
		ValidTo:         validTo,
		Slippage:        p.Slippage,
		SlippageBps:     SlippageBps(p.Slippage),
		From:            p.From,
		Expiration:      expiration,
		Verified:        resp.Verified,
		FetchedAt:       now,
	}, nil
}

func toQuoteError(err error) *QuoteError {
	var qerr *QuoteError
	if errors.As(err, &qerr) {
		return qerr
	}
	var apiErr *orderbook.APIError
	if errors.As(err, &apiErr) {
		return &QuoteError{Code: apiErr.ErrorType, Description: apiErr.Description, Err: err}
	}
	return &QuoteError{Err: err}
}
