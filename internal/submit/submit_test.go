package submit

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"swap-engine/internal/chain"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/state"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
)

var (
	testOwner   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testEthFlow = common.HexToAddress("0xbA3cB449bD2B4ADddBc894D8697F5170800EAdeC")
	testDomain  = order.Domain{ChainID: 1, Settlement: common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")}
)

type fakeWallet struct {
	mu      sync.Mutex
	caps    wallet.Capabilities
	signErr error
	sent    []chain.Call
	batches [][]chain.Call
}

func (f *fakeWallet) Address() common.Address { return testOwner }
func (f *fakeWallet) ChainID() int64 { return 1 }
func (f *fakeWallet) Capabilities() wallet.Capabilities { return f.caps }

func (f *fakeWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if f.signErr != nil {
		return nil, &wallet.SigningError{Err: f.signErr}
	}
	return make([]byte, 65), nil
}

func (f *fakeWallet) SendTransaction(ctx context.Context, call chain.Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, call)
	return common.BigToHash(big.NewInt(int64(len(f.sent)))), nil
}

type batchWallet struct {
	*fakeWallet
}

func (b batchWallet) SendCalls(ctx context.Context, calls []chain.Call) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, calls)
	return common.HexToHash("0xbb"), nil
}

type fakeBook struct {
	mu      sync.Mutex
	posts   []orderbook.OrderCreation
	errs    []error
	respond func(orderbook.OrderCreation) string
}

func (f *fakeBook) PostOrder(ctx context.Context, c orderbook.OrderCreation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, c)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.respond(c), nil
}

type fakeReceipts struct {
	receipt *types.Receipt
	err     error
	waited  []string
}

func (f *fakeReceipts) WaitReceipt(ctx context.Context, op string, txHash common.Hash) (*types.Receipt, error) {
	f.waited = append(f.waited, op)
	if f.err != nil {
		return nil, f.err
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

func testOrder() order.Order {
	return order.Order{
		SellToken:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		BuyToken:   common.HexToAddress("0xdC035D45d973E3EC169d2276DDab16f1e407384F"),
		Receiver:   testOwner,
		SellAmount: big.NewInt(100_000_000),
		BuyAmount:  big.NewInt(99_000_000),
		ValidTo:    1_700_000_000,
		Kind:       order.KindSell,
		QuoteID:    42,
	}
}

func localUID(t *testing.T, o order.Order) order.UID {
	t.Helper()
	uid, err := order.ComputeUID(o, testDomain, testOwner)
	if err != nil {
		t.Fatalf("compute uid: %v", err)
	}
	return uid
}

func echoBook(t *testing.T) *fakeBook {
	return &fakeBook{respond: func(orderbook.OrderCreation) string { return localUID(t, testOrder()).String() }}
}

func newSubmitter(t *testing.T, flow Flow, w wallet.Wallet, book OrderBook, receipts ReceiptWaiter, store state.Store) Submitter {
	t.Helper()
	s, err := New(flow, Deps{
		Wallet:    w,
		OrderBook: book,
		Receipts:  receipts,
		Store:     store,
		Domain:    testDomain,
		EthFlow:   testEthFlow,
		Log:       zap.NewNop(),
		Now:       func() time.Time { return time.UnixMilli(1_000) },
	})
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	return s
}

func TestSelect(t *testing.T) {
	cases := []struct {
		caps   wallet.Capabilities
		native bool
		want   Flow
	}{
		{wallet.Capabilities{}, false, FlowSigned},
		{wallet.Capabilities{SmartContract: true}, false, FlowPresign},
		{wallet.Capabilities{}, true, FlowEthFlow},
		{wallet.Capabilities{SmartContract: true}, true, FlowEthFlow},
	}
	for _, tc := range cases {
		if got := Select(tc.caps, tc.native); got != tc.want {
			t.Fatalf("Select(%+v, %v) = %s, want %s", tc.caps, tc.native, got, tc.want)
		}
	}
}

func TestSignedSubmitPostsOrder(t *testing.T) {
	book := echoBook(t)
	store := state.NewMemory()
	s := newSubmitter(t, FlowSigned, &fakeWallet{}, book, &fakeReceipts{}, store)
	res, err := s.Submit(context.Background(), Request{Order: testOrder()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.ReadyToPoll || res.UID != localUID(t, testOrder()) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(book.posts) != 1 {
		t.Fatalf("expected one post, got %d", len(book.posts))
	}
	post := book.posts[0]
	if post.SigningScheme != "eip712" || post.From != testOwner.Hex() || post.QuoteID == nil || *post.QuoteID != 42 {
		t.Fatalf("unexpected creation: %+v", post)
	}
	if post.FeeAmount != "0" || post.SellTokenBalance != "erc20" {
		t.Fatalf("unexpected creation defaults: %+v", post)
	}
	tracked, ok, err := state.LoadTrackedOrder(context.Background(), store, res.UID.String())
	if err != nil || !ok {
		t.Fatalf("expected tracked order, ok=%v err=%v", ok, err)
	}
	if tracked.Flow != string(FlowSigned) || tracked.Status != "open" {
		t.Fatalf("unexpected tracked order: %+v", tracked)
	}
}

func TestSignedSubmitIdempotent(t *testing.T) {
	book := echoBook(t)
	s := newSubmitter(t, FlowSigned, &fakeWallet{}, book, &fakeReceipts{}, state.NewMemory())
	for i := 0; i < 2; i++ {
		if _, err := s.Submit(context.Background(), Request{Order: testOrder()}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if len(book.posts) != 1 {
		t.Fatalf("expected one post for repeated submit, got %d", len(book.posts))
	}
}

func TestSignedSubmitRetriesTransportErrors(t *testing.T) {
	book := echoBook(t)
	book.errs = []error{errors.New("connection reset")}
	s := newSubmitter(t, FlowSigned, &fakeWallet{}, book, &fakeReceipts{}, nil)
	if _, err := s.Submit(context.Background(), Request{Order: testOrder()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(book.posts) != 2 {
		t.Fatalf("expected retry after transport error, got %d posts", len(book.posts))
	}
}

func TestSignedSubmitRejectedByOrderBook(t *testing.T) {
	book := echoBook(t)
	book.errs = []error{&orderbook.APIError{Status: 400, ErrorType: "InsufficientBalance"}}
	s := newSubmitter(t, FlowSigned, &fakeWallet{}, book, &fakeReceipts{}, nil)
	_, err := s.Submit(context.Background(), Request{Order: testOrder()})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.Code != "InsufficientBalance" {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if len(book.posts) != 1 {
		t.Fatalf("expected no retry for rejected order, got %d posts", len(book.posts))
	}
}

func TestSignedSubmitDuplicateIsSuccess(t *testing.T) {
	book := echoBook(t)
	book.errs = []error{&orderbook.APIError{Status: 400, ErrorType: "DuplicatedOrder"}}
	s := newSubmitter(t, FlowSigned, &fakeWallet{}, book, &fakeReceipts{}, nil)
	res, err := s.Submit(context.Background(), Request{Order: testOrder()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.UID != localUID(t, testOrder()) {
		t.Fatalf("expected local uid, got %s", res.UID)
	}
}

func TestSignedSubmitSigningError(t *testing.T) {
	book := echoBook(t)
	s := newSubmitter(t, FlowSigned, &fakeWallet{signErr: wallet.ErrRejected}, book, &fakeReceipts{}, nil)
	_, err := s.Submit(context.Background(), Request{Order: testOrder()})
	var signErr *wallet.SigningError
	if !errors.As(err, &signErr) || !signErr.Rejected() {
		t.Fatalf("expected rejected SigningError, got %v", err)
	}
	if len(book.posts) != 0 {
		t.Fatalf("expected nothing posted, got %d", len(book.posts))
	}
}

func TestSignedSubmitSendsApprovalsFirst(t *testing.T) {
	w := &fakeWallet{}
	receipts := &fakeReceipts{}
	s := newSubmitter(t, FlowSigned, w, echoBook(t), receipts, nil)
	approvals := []chain.Call{{Label: "reset_allowance"}, {Label: "approve"}}
	if _, err := s.Submit(context.Background(), Request{Order: testOrder(), Approvals: approvals}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(w.sent) != 2 || w.sent[0].Label != "reset_allowance" || w.sent[1].Label != "approve" {
		t.Fatalf("unexpected approvals sent: %+v", w.sent)
	}
	if len(receipts.waited) != 2 {
		t.Fatalf("expected a receipt wait per approval, got %v", receipts.waited)
	}
}

func TestPresignPostsThenSetsPresignature(t *testing.T) {
	w := &fakeWallet{caps: wallet.Capabilities{SmartContract: true}}
	book := echoBook(t)
	receipts := &fakeReceipts{}
	s := newSubmitter(t, FlowPresign, w, book, receipts, nil)
	res, err := s.Submit(context.Background(), Request{Order: testOrder()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(book.posts) != 1 || book.posts[0].SigningScheme != "presign" || book.posts[0].Signature != testOwner.Hex() {
		t.Fatalf("unexpected presign creation: %+v", book.posts)
	}
	if len(w.sent) != 1 || w.sent[0].Label != "presign" || w.sent[0].To != testDomain.Settlement {
		t.Fatalf("expected presign call to settlement, got %+v", w.sent)
	}
	if !res.ReadyToPoll || res.TxHash == (common.Hash{}) {
		t.Fatalf("expected mined presign result, got %+v", res)
	}
}

func TestPresignBatchesApprovals(t *testing.T) {
	inner := &fakeWallet{caps: wallet.Capabilities{SmartContract: true, AtomicBatch: true}}
	w := batchWallet{inner}
	s := newSubmitter(t, FlowPresign, w, echoBook(t), &fakeReceipts{}, nil)
	approvals := []chain.Call{{Label: "approve"}}
	res, err := s.Submit(context.Background(), Request{Order: testOrder(), Approvals: approvals})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(inner.batches) != 1 || len(inner.batches[0]) != 2 || inner.batches[0][1].Label != "presign" {
		t.Fatalf("expected approve+presign bundle, got %+v", inner.batches)
	}
	if len(inner.sent) != 0 {
		t.Fatalf("expected no single transactions, got %+v", inner.sent)
	}
	if res.TxHash != common.HexToHash("0xbb") {
		t.Fatalf("expected bundle hash, got %s", res.TxHash)
	}
}

func TestPresignNotReadyWhenTransactionReverts(t *testing.T) {
	receipts := &fakeReceipts{err: &chain.OnChainError{Op: "presign", Reverted: true}}
	s := newSubmitter(t, FlowPresign, &fakeWallet{caps: wallet.Capabilities{SmartContract: true}}, echoBook(t), receipts, nil)
	res, err := s.Submit(context.Background(), Request{Order: testOrder()})
	var onchain *chain.OnChainError
	if !errors.As(err, &onchain) || !onchain.Reverted {
		t.Fatalf("expected reverted OnChainError, got %v", err)
	}
	if res.ReadyToPoll {
		t.Fatalf("expected not ready to poll")
	}
}

func TestEthFlowWithoutPlacementEvent(t *testing.T) {
	o := testOrder()
	o.SellToken = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	w := &fakeWallet{}
	s := newSubmitter(t, FlowEthFlow, w, nil, &fakeReceipts{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}, nil)
	_, err := s.Submit(context.Background(), Request{Order: o})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || !errors.Is(err, chain.ErrNoOrderPlacement) {
		t.Fatalf("expected SubmissionError wrapping ErrNoOrderPlacement, got %v", err)
	}
	if len(w.sent) != 1 || w.sent[0].Label != "eth_flow_create" || w.sent[0].To != testEthFlow {
		t.Fatalf("expected eth-flow create call, got %+v", w.sent)
	}
	if w.sent[0].Value.Cmp(o.SellAmount) != 0 {
		t.Fatalf("expected value %s, got %s", o.SellAmount, w.sent[0].Value)
	}
}

const placementEventABI = `[{"anonymous":false,"name":"OrderPlacement","type":"event","inputs":[
	{"indexed":true,"name":"sender","type":"address"},
	{"indexed":false,"name":"order","type":"tuple","components":[
		{"name":"sellToken","type":"address"},
		{"name":"buyToken","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"sellAmount","type":"uint256"},
		{"name":"buyAmount","type":"uint256"},
		{"name":"validTo","type":"uint32"},
		{"name":"appData","type":"bytes32"},
		{"name":"feeAmount","type":"uint256"},
		{"name":"kind","type":"bytes32"},
		{"name":"partiallyFillable","type":"bool"},
		{"name":"sellTokenBalance","type":"bytes32"},
		{"name":"buyTokenBalance","type":"bytes32"}
	]},
	{"indexed":false,"name":"signature","type":"tuple","components":[
		{"name":"scheme","type":"uint8"},
		{"name":"data","type":"bytes"}
	]},
	{"indexed":false,"name":"data","type":"bytes"}
]}]`

type placedOrder struct {
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

type placedSignature struct {
	Scheme uint8
	Data   []byte
}

// placementReceipt builds a receipt carrying the OrderPlacement log the
// eth-flow contract emits for o.
func placementReceipt(t *testing.T, o order.Order) *types.Receipt {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(placementEventABI))
	if err != nil {
		t.Fatalf("parse event abi: %v", err)
	}
	event := parsed.Events["OrderPlacement"]
	fee := o.FeeAmount
	if fee == nil {
		fee = new(big.Int)
	}
	erc20 := crypto.Keccak256Hash([]byte(order.BalanceERC20))
	data, err := event.Inputs.NonIndexed().Pack(
		placedOrder{
			SellToken:        o.SellToken,
			BuyToken:         o.BuyToken,
			Receiver:         o.Receiver,
			SellAmount:       o.SellAmount,
			BuyAmount:        o.BuyAmount,
			ValidTo:          order.MaxValidTo,
			AppData:          o.AppData,
			FeeAmount:        fee,
			Kind:             crypto.Keccak256Hash([]byte(o.Kind)),
			SellTokenBalance: erc20,
			BuyTokenBalance:  erc20,
		},
		placedSignature{Scheme: 0, Data: testEthFlow.Bytes()},
		append(common.LeftPadBytes(big.NewInt(o.QuoteID).Bytes(), 8), 0x65, 0x53, 0xf1, 0x00),
	)
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: testEthFlow,
			Topics:  []common.Hash{event.ID, common.BytesToHash(testOwner.Bytes())},
			Data:    data,
		}},
	}
}

func ethFlowTestOrder() order.Order {
	o := testOrder()
	o.SellToken = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	return o
}

func TestEthFlowPlacesOrder(t *testing.T) {
	o := ethFlowTestOrder()
	w := &fakeWallet{}
	store := state.NewMemory()
	s := newSubmitter(t, FlowEthFlow, w, nil, &fakeReceipts{receipt: placementReceipt(t, o)}, store)
	res, err := s.Submit(context.Background(), Request{Order: o})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want, err := order.EthFlowUID(o, testDomain, testEthFlow)
	if err != nil {
		t.Fatalf("eth flow uid: %v", err)
	}
	if res.UID != want || res.Flow != FlowEthFlow || !res.ReadyToPoll {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(w.sent) != 1 || w.sent[0].To != testEthFlow || w.sent[0].Value.Cmp(o.SellAmount) != 0 {
		t.Fatalf("expected eth-flow call carrying the sell amount, got %+v", w.sent)
	}
	if res.TxHash != common.BigToHash(big.NewInt(1)) {
		t.Fatalf("unexpected tx hash %s", res.TxHash.Hex())
	}
	tracked, ok, err := state.LoadTrackedOrder(context.Background(), store, want.String())
	if err != nil || !ok {
		t.Fatalf("expected tracked order, ok=%v err=%v", ok, err)
	}
	if tracked.Flow != string(FlowEthFlow) || tracked.Status != "open" || tracked.UID != want.String() {
		t.Fatalf("unexpected tracked order: %+v", tracked)
	}
	if tracked.TxHash != res.TxHash.Hex() {
		t.Fatalf("expected tx hash %s on tracked order, got %s", res.TxHash.Hex(), tracked.TxHash)
	}
}

func TestEthFlowPlacementMismatch(t *testing.T) {
	o := ethFlowTestOrder()
	placed := o
	placed.BuyAmount = big.NewInt(1)
	s := newSubmitter(t, FlowEthFlow, &fakeWallet{}, nil, &fakeReceipts{receipt: placementReceipt(t, placed)}, state.NewMemory())
	_, err := s.Submit(context.Background(), Request{Order: o})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.Code != "UidMismatch" {
		t.Fatalf("expected UidMismatch, got %v", err)
	}
}

func TestEthFlowRejectsBuyOrders(t *testing.T) {
	o := testOrder()
	o.Kind = order.KindBuy
	s := newSubmitter(t, FlowEthFlow, &fakeWallet{}, nil, &fakeReceipts{}, nil)
	_, err := s.Submit(context.Background(), Request{Order: o})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestNewRequiresWallet(t *testing.T) {
	if _, err := New(FlowSigned, Deps{}); err == nil {
		t.Fatalf("expected error without wallet")
	}
	if _, err := New(Flow("bogus"), Deps{Wallet: &fakeWallet{}}); err == nil {
		t.Fatalf("expected error for unknown flow")
	}
}
