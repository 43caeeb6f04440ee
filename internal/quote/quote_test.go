package quote

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	usds  = common.HexToAddress("0xdC035D45d973E3EC169d2276DDab16f1e407384F")
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	owner = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func mustInt(raw string) *big.Int {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		panic(raw)
	}
	return v
}

func TestUSDCToUSDSScenario(t *testing.T) {
	a, err := ComputeAmounts(order.KindSell, big.NewInt(100_000000), mustInt("99970000000000000000"), big.NewInt(30_000), decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if a.SellAmountAfterFee.Cmp(big.NewInt(100_030000)) != 0 {
		t.Fatalf("expected sell after fee 100030000, got %s", a.SellAmountAfterFee)
	}
	if a.SellAmountToSign.Cmp(a.SellAmountAfterFee) != 0 {
		t.Fatalf("expected sell to sign = sell after fee, got %s", a.SellAmountToSign)
	}
	if got := a.BuyAmountToSign.String(); got != "99470150000000000000" {
		t.Fatalf("expected buy to sign 99470150000000000000, got %s", got)
	}
	if got := a.BuyAmountAfterFee.String(); got != "99999991000000000000" {
		t.Fatalf("unexpected buy after fee %s", got)
	}
	if a.FeeAmountInBuyToken.Sign() < 0 {
		t.Fatalf("expected non-negative fee in buy token")
	}
}

func TestComputeAmountsRounding(t *testing.T) {
	cases := []struct {
		name     string
		kind     order.Kind
		sell     int64
		buy      int64
		fee      int64
		slippage string
		wantSell int64
		wantBuy  int64
	}{
		{"sell floors buy", order.KindSell, 1000, 999, 0, "0.5", 1000, 994},
		{"sell zero slippage", order.KindSell, 1000, 999, 1, "0", 1001, 999},
		{"buy ceils sell", order.KindBuy, 999, 1000, 2, "0.5", 1007, 1000},
		{"buy exact", order.KindBuy, 1000, 1000, 0, "1", 1010, 1000},
		{"buy fractional slippage", order.KindBuy, 3, 7, 0, "0.01", 4, 7},
		{"sell fractional slippage", order.KindSell, 3, 7, 0, "0.01", 3, 6},
	}
	for _, tc := range cases {
		a, err := ComputeAmounts(tc.kind, big.NewInt(tc.sell), big.NewInt(tc.buy), big.NewInt(tc.fee), decimal.RequireFromString(tc.slippage))
		if err != nil {
			t.Fatalf("%s: compute: %v", tc.name, err)
		}
		if a.SellAmountToSign.Int64() != tc.wantSell || a.BuyAmountToSign.Int64() != tc.wantBuy {
			t.Fatalf("%s: expected sell=%d buy=%d, got sell=%s buy=%s", tc.name, tc.wantSell, tc.wantBuy, a.SellAmountToSign, a.BuyAmountToSign)
		}
		if a.SellAmountAfterFee.Cmp(a.SellAmountBeforeFee) < 0 {
			t.Fatalf("%s: sell after fee below sell before fee", tc.name)
		}
		if a.FeeAmountInBuyToken.Sign() < 0 {
			t.Fatalf("%s: negative fee in buy token", tc.name)
		}
	}
}

func TestComputeAmountsCrossRateTruncates(t *testing.T) {
	a, err := ComputeAmounts(order.KindSell, big.NewInt(3), big.NewInt(10), big.NewInt(1), decimal.Zero)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// 10 * 4 / 3 = 13.33 truncated
	if a.BuyAmountAfterFee.Int64() != 13 || a.FeeAmountInBuyToken.Int64() != 3 {
		t.Fatalf("unexpected buy after fee %s fee in buy %s", a.BuyAmountAfterFee, a.FeeAmountInBuyToken)
	}
}

func TestComputeAmountsRejectsBadInput(t *testing.T) {
	if _, err := ComputeAmounts(order.KindSell, big.NewInt(0), big.NewInt(1), nil, decimal.Zero); err == nil {
		t.Fatalf("expected error for zero sell amount")
	}
	if _, err := ComputeAmounts(order.KindSell, big.NewInt(1), big.NewInt(1), big.NewInt(-1), decimal.Zero); err == nil {
		t.Fatalf("expected error for negative fee")
	}
	if _, err := ComputeAmounts("swap", big.NewInt(1), big.NewInt(1), nil, decimal.Zero); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestResolveSlippage(t *testing.T) {
	cases := []struct {
		raw    string
		native bool
		l2     bool
		want   string
	}{
		{"", false, false, "0.5"},
		{"1", false, false, "1"},
		{"0", false, false, "0"},
		{"50", false, false, "50"},
		{"51", false, false, "0.5"},
		{"-1", false, false, "0.5"},
		{"abc", false, false, "0.5"},
		{"1", true, false, "2"},
		{"3", true, false, "3"},
		{"", true, false, "2"},
		{"0.4", true, true, "0.5"},
		{"0.7", true, true, "0.7"},
		{"60", true, true, "0.5"},
	}
	for _, tc := range cases {
		got := ResolveSlippage(tc.raw, tc.native, tc.l2)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("ResolveSlippage(%q, native=%v, l2=%v) = %s, want %s", tc.raw, tc.native, tc.l2, got, tc.want)
		}
	}
}

func TestResolveTTL(t *testing.T) {
	cases := map[string]time.Duration{
		"":    30 * time.Minute,
		"1":   time.Minute,
		"180": 180 * time.Minute,
		"181": 30 * time.Minute,
		"0":   30 * time.Minute,
		"x":   30 * time.Minute,
		"1.5": 90 * time.Second,
	}
	for raw, want := range cases {
		if got := ResolveTTL(raw); got != want {
			t.Fatalf("ResolveTTL(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestSlippageBps(t *testing.T) {
	if got := SlippageBps(decimal.RequireFromString("0.5")); got != 50 {
		t.Fatalf("expected 50 bps, got %d", got)
	}
}

func TestParamsValidate(t *testing.T) {
	p := baseParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}
	p.Amount = nil
	if !errors.Is(p.Validate(), ErrDisabled) {
		t.Fatalf("expected ErrDisabled for missing amount")
	}
	p = baseParams()
	p.NativeFlow = true
	p.Kind = order.KindBuy
	if !errors.Is(p.Validate(), ErrNativeBuy) {
		t.Fatalf("expected ErrNativeBuy")
	}
}

func TestParamsKeyDependsOnFlow(t *testing.T) {
	a := baseParams()
	b := baseParams()
	b.NativeFlow = true
	if a.Key() == b.Key() {
		t.Fatalf("expected flow to change key")
	}
	b = baseParams()
	b.Slippage = decimal.NewFromInt(1)
	if a.Key() == b.Key() {
		t.Fatalf("expected slippage to change key")
	}
}

type stubService struct {
	mu    sync.Mutex
	calls int
	errs  []error
	resp  *orderbook.QuoteResponse
	reqs  []orderbook.QuoteRequest
	block chan struct{}
}

func (s *stubService) Quote(ctx context.Context, req orderbook.QuoteRequest) (*orderbook.QuoteResponse, error) {
	s.mu.Lock()
	s.calls++
	s.reqs = append(s.reqs, req)
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return s.resp, nil
}

func quoteResponse() *orderbook.QuoteResponse {
	return &orderbook.QuoteResponse{
		ID: 11,
		Quote: orderbook.OrderParameters{
			SellToken:  usdc.Hex(),
			SellAmount: "100000000",
			BuyAmount:  "99970000000000000000",
			FeeAmount:  "30000",
			ValidTo:    1_700_001_800,
			Kind:       "sell",
		},
	}
}

func baseParams() Params {
	return Params{
		SellToken: usdc,
		BuyToken:  usds,
		From:      owner,
		Amount:    big.NewInt(100_000000),
		Kind:      order.KindSell,
		Slippage:  decimal.RequireFromString("0.5"),
		TTL:       30 * time.Minute,
	}
}

func newTestEngine(svc Service, now func() time.Time) *Engine {
	appData, _ := order.NewAppData("swap-engine")
	return NewEngine(svc, Options{AppData: appData, WrappedNative: weth, RetryBackoff: time.Millisecond, Now: now}, zap.NewNop(), nil)
}

func TestFetchComputesAndCaches(t *testing.T) {
	svc := &stubService{resp: quoteResponse()}
	now := time.Unix(1_700_000_000, 0)
	engine := newTestEngine(svc, func() time.Time { return now })
	q, err := engine.Fetch(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.BuyAmountToSign.String() != "99470150000000000000" || q.SlippageBps != 50 || q.ID != 11 {
		t.Fatalf("unexpected quote %+v", q)
	}
	if !q.Expiration.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("expected 2m validity, got %v", q.Expiration)
	}
	req := svc.reqs[0]
	if req.SellAmountBeforeFee != "100000000" || req.BuyAmountAfterFee != "" || req.SigningScheme != "eip712" || req.OnchainOrder {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.ValidFor != 1800 || req.AppData == "" || req.AppDataHash == "" {
		t.Fatalf("unexpected request validity/app data %+v", req)
	}
	if _, err := engine.Fetch(context.Background(), baseParams()); err != nil {
		t.Fatalf("fetch cached: %v", err)
	}
	if svc.calls != 1 {
		t.Fatalf("expected cached quote, got %d calls", svc.calls)
	}
	now = now.Add(2 * time.Minute)
	if _, err := engine.Fetch(context.Background(), baseParams()); err != nil {
		t.Fatalf("fetch after expiry: %v", err)
	}
	if svc.calls != 2 {
		t.Fatalf("expected expired quote to be refetched, got %d calls", svc.calls)
	}
	terms := q.Terms()
	if terms.SellAmount.Cmp(q.SellAmountToSign) != 0 || terms.QuoteID != 11 {
		t.Fatalf("unexpected terms %+v", terms)
	}
}

func TestFetchBuyRequestShape(t *testing.T) {
	svc := &stubService{resp: quoteResponse()}
	engine := newTestEngine(svc, nil)
	p := baseParams()
	p.Kind = order.KindBuy
	p.SmartContractWallet = true
	if _, err := engine.Fetch(context.Background(), p); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	req := svc.reqs[0]
	if req.BuyAmountAfterFee != "100000000" || req.SellAmountBeforeFee != "" || req.SigningScheme != "presign" {
		t.Fatalf("unexpected buy request %+v", req)
	}
}

func TestFetchNativeFlowUsesWrappedToken(t *testing.T) {
	svc := &stubService{resp: quoteResponse()}
	engine := newTestEngine(svc, nil)
	p := baseParams()
	p.NativeFlow = true
	if _, err := engine.Fetch(context.Background(), p); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	req := svc.reqs[0]
	if req.SellToken != weth.Hex() || !req.OnchainOrder || req.SigningScheme != "eip1271" {
		t.Fatalf("unexpected native request %+v", req)
	}
}

func TestFetchRetriesTwice(t *testing.T) {
	svc := &stubService{
		resp: quoteResponse(),
		errs: []error{errors.New("boom"), errors.New("boom")},
	}
	engine := newTestEngine(svc, nil)
	if _, err := engine.Fetch(context.Background(), baseParams()); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if svc.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", svc.calls)
	}

	svc = &stubService{resp: quoteResponse(), errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	engine = newTestEngine(svc, nil)
	_, err := engine.Fetch(context.Background(), baseParams())
	var qerr *QuoteError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QuoteError, got %v", err)
	}
	if svc.calls != 3 {
		t.Fatalf("expected retries capped at 2, got %d calls", svc.calls)
	}
}

func TestFetchFeeInsufficientNotRetried(t *testing.T) {
	svc := &stubService{
		resp: quoteResponse(),
		errs: []error{&orderbook.APIError{Status: 400, ErrorType: CodeSellAmountDoesNotCoverFee, Description: "too small"}},
	}
	engine := newTestEngine(svc, nil)
	_, err := engine.Fetch(context.Background(), baseParams())
	var qerr *QuoteError
	if !errors.As(err, &qerr) || !qerr.FeeInsufficient() || qerr.Retryable() {
		t.Fatalf("expected non-retryable fee error, got %v", err)
	}
	if svc.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", svc.calls)
	}
}

func TestFetchSupersededByNewerInputs(t *testing.T) {
	svc := &stubService{resp: quoteResponse(), block: make(chan struct{})}
	engine := newTestEngine(svc, nil)

	var stale error
	var wg sync.WaitGroup
	var started atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		started.Store(true)
		_, stale = engine.Fetch(context.Background(), baseParams())
	}()
	deadline := time.Now().Add(time.Second)
	for {
		svc.mu.Lock()
		calls := svc.calls
		svc.mu.Unlock()
		if calls > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	svc.mu.Lock()
	svc.block = nil
	svc.mu.Unlock()
	newer := baseParams()
	newer.Amount = big.NewInt(200_000000)
	if _, err := engine.Fetch(context.Background(), newer); err != nil {
		t.Fatalf("fetch newer: %v", err)
	}
	wg.Wait()
	if !started.Load() || !errors.Is(stale, ErrSuperseded) {
		t.Fatalf("expected stale request to be superseded, got %v", stale)
	}
	if _, ok := engine.cache[baseParams().Key()]; ok {
		t.Fatalf("expected stale result not to be cached")
	}
}

func TestFetchDisabled(t *testing.T) {
	svc := &stubService{resp: quoteResponse()}
	engine := newTestEngine(svc, nil)
	p := baseParams()
	p.SellToken = common.Address{}
	if _, err := engine.Fetch(context.Background(), p); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if svc.calls != 0 {
		t.Fatalf("expected no request for incomplete inputs")
	}
}

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var calls atomic.Int32
	fired := make(chan struct{}, 4)
	for i := 0; i < 3; i++ {
		d.Trigger(func() {
			calls.Add(1)
			fired <- struct{}{}
		})
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("debounced call never fired")
	}
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected a single debounced call, got %d", calls.Load())
	}

	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected stopped debouncer not to fire")
	}
}
