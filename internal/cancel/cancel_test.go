package cancel

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"swap-engine/internal/chain"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/tracker"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	testOwner   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testEthFlow = common.HexToAddress("0xbA3cB449bD2B4ADddBc894D8697F5170800EAdeC")
	testDomain  = order.Domain{ChainID: 1, Settlement: common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")}
	testUID     = order.NewUID(common.HexToHash("0x01"), testOwner, 1_700_000_000)
)

type fakeWallet struct {
	caps   wallet.Capabilities
	signed []apitypes.TypedData
	sent   []chain.Call
}

func (f *fakeWallet) Address() common.Address { return testOwner }

func (f *fakeWallet) ChainID() int64 { return 1 }

func (f *fakeWallet) Capabilities() wallet.Capabilities { return f.caps }

func (f *fakeWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	f.signed = append(f.signed, data)
	return []byte{0xab, 0xcd}, nil
}

func (f *fakeWallet) SendTransaction(ctx context.Context, call chain.Call) (common.Hash, error) {
	f.sent = append(f.sent, call)
	return common.HexToHash("0xcc"), nil
}

type fakeBook struct {
	cancels []orderbook.Cancellation
	err     error
}

func (f *fakeBook) CancelOrders(ctx context.Context, c orderbook.Cancellation) error {
	f.cancels = append(f.cancels, c)
	return f.err
}

type fakeReceipts struct{}

func (fakeReceipts) WaitReceipt(ctx context.Context, op string, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type fakeConfirmer struct {
	status order.Status
	err    error
}

func (f fakeConfirmer) Track(ctx context.Context, uid order.UID) (tracker.Outcome, error) {
	return tracker.Outcome{UID: uid, Status: f.status}, f.err
}

func newService(w *fakeWallet, book *fakeBook, status order.Status) *Service {
	return New(Deps{
		Wallet:    w,
		OrderBook: book,
		Receipts:  fakeReceipts{},
		Confirmer: fakeConfirmer{status: status},
		Domain:    testDomain,
		EthFlow:   testEthFlow,
	})
}

func TestOffChainCancellation(t *testing.T) {
	w := &fakeWallet{}
	book := &fakeBook{}
	res, err := newService(w, book, order.StatusCancelled).Cancel(context.Background(), Target{UID: testUID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Method != MethodOffChain || res.Outcome.Status != order.StatusCancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(w.signed) != 1 || w.signed[0].PrimaryType != "OrderCancellations" {
		t.Fatalf("expected cancellation typed data to be signed, got %+v", w.signed)
	}
	if len(book.cancels) != 1 {
		t.Fatalf("expected one DELETE, got %d", len(book.cancels))
	}
	c := book.cancels[0]
	if c.Signature != "0xabcd" || c.SigningScheme != "eip712" || len(c.OrderUIDs) != 1 || c.OrderUIDs[0] != testUID.String() {
		t.Fatalf("unexpected cancellation: %+v", c)
	}
	if len(w.sent) != 0 {
		t.Fatalf("expected no transaction for off-chain cancel")
	}
}

func TestFilledDuringCancellationAccepted(t *testing.T) {
	res, err := newService(&fakeWallet{}, &fakeBook{}, order.StatusFulfilled).Cancel(context.Background(), Target{UID: testUID})
	if err != nil {
		t.Fatalf("expected fulfilled to be accepted, got %v", err)
	}
	if res.Outcome.Status != order.StatusFulfilled {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
}

func TestExpiredIsNotCancelled(t *testing.T) {
	_, err := newService(&fakeWallet{}, &fakeBook{}, order.StatusExpired).Cancel(context.Background(), Target{UID: testUID})
	if !errors.Is(err, ErrNotCancelled) {
		t.Fatalf("expected ErrNotCancelled, got %v", err)
	}
}

func TestOrderBookRejectionSurfaces(t *testing.T) {
	book := &fakeBook{err: &orderbook.APIError{Status: 400, ErrorType: "OrderFullyExecuted"}}
	_, err := newService(&fakeWallet{}, book, order.StatusCancelled).Cancel(context.Background(), Target{UID: testUID})
	if orderbook.ErrorType(err) != "OrderFullyExecuted" {
		t.Fatalf("expected order book error, got %v", err)
	}
}

func TestSmartContractWalletInvalidatesOnSettlement(t *testing.T) {
	w := &fakeWallet{caps: wallet.Capabilities{SmartContract: true}}
	book := &fakeBook{}
	res, err := newService(w, book, order.StatusCancelled).Cancel(context.Background(), Target{UID: testUID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Method != MethodOnChain || res.TxHash != common.HexToHash("0xcc") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(w.sent) != 1 || w.sent[0].Label != "invalidate_order" || w.sent[0].To != testDomain.Settlement {
		t.Fatalf("expected settlement invalidateOrder, got %+v", w.sent)
	}
	if len(book.cancels) != 0 {
		t.Fatalf("expected no off-chain cancellation")
	}
}

func TestEthFlowInvalidatesOnEthFlowContract(t *testing.T) {
	w := &fakeWallet{}
	o := order.Order{
		SellToken:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		BuyToken:   common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Receiver:   testOwner,
		SellAmount: big.NewInt(1),
		BuyAmount:  big.NewInt(2),
		ValidTo:    1_700_000_000,
		Kind:       order.KindSell,
	}
	_, err := newService(w, &fakeBook{}, order.StatusCancelled).Cancel(context.Background(), Target{UID: testUID, Order: &o, EthFlow: true})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(w.sent) != 1 || w.sent[0].Label != "eth_flow_invalidate" || w.sent[0].To != testEthFlow {
		t.Fatalf("expected eth-flow invalidateOrder, got %+v", w.sent)
	}
}

func TestEthFlowRequiresOrder(t *testing.T) {
	_, err := newService(&fakeWallet{}, &fakeBook{}, order.StatusCancelled).Cancel(context.Background(), Target{UID: testUID, EthFlow: true})
	if err == nil {
		t.Fatalf("expected error without order")
	}
}
