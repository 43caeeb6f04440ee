package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"swap-engine/internal/account"
	"swap-engine/internal/alerts"
	"swap-engine/internal/allowance"
	"swap-engine/internal/cancel"
	"swap-engine/internal/chain"
	"swap-engine/internal/config"
	"swap-engine/internal/cost"
	"swap-engine/internal/history"
	"swap-engine/internal/metrics"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/quote"
	"swap-engine/internal/state"
	"swap-engine/internal/state/sqlite"
	"swap-engine/internal/stream"
	"swap-engine/internal/submit"
	"swap-engine/internal/tracker"
	"swap-engine/internal/trade"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	streamPingInterval = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
	detectTimeout      = 10 * time.Second
)

type App struct {
	cfg     *config.Config
	log     *zap.Logger
	eth     *ethclient.Client
	store   state.Store
	book    *orderbook.Client
	chain   *chain.Client
	wallet  *wallet.KeyWallet
	metrics *metrics.Metrics
	prom    *metrics.Prometheus
	tracker *tracker.Tracker
	account *account.Account
	machine *trade.Machine
	history *history.Writer
	alerts  *alerts.Telegram
	hub     *stream.Hub
	sinks   []trade.Observer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return nil, errors.New("chain.rpc_url (or SWAP_RPC_URL) is required")
	}
	if strings.TrimSpace(cfg.Chain.PrivateKey) == "" {
		return nil, errors.New("SWAP_PRIVATE_KEY is required")
	}
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		eth.Close()
		return nil, err
	}
	a := &App{cfg: cfg, log: log, eth: eth, store: store}
	if err := a.wire(); err != nil {
		_ = store.Close()
		eth.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, log := a.cfg, a.log
	a.metrics = metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}
	a.chain = chain.New(a.eth, cfg.Chain.ReceiptTimeout, cfg.Chain.ReceiptPoll, log)
	w, err := wallet.NewKeyWallet(cfg.Chain.PrivateKey, cfg.Chain.ChainID, a.eth)
	if err != nil {
		return err
	}
	a.wallet = w.WithCapabilities(a.detectCapabilities(w.Address()))
	a.book = orderbook.New(cfg.OrderBook.BaseURL, cfg.OrderBook.Timeout, log)

	appData, err := order.NewAppData(cfg.Trade.AppCode)
	if err != nil {
		return err
	}
	domain := order.Domain{ChainID: cfg.Chain.ChainID, Settlement: common.HexToAddress(cfg.Chain.Settlement)}
	ethFlow := common.HexToAddress(cfg.Chain.EthFlow)
	var wrapped common.Address
	if cfg.Chain.WrappedNative != "" {
		wrapped = common.HexToAddress(cfg.Chain.WrappedNative)
	}

	quotes := quote.NewEngine(a.book, quote.Options{
		AppData:       appData,
		WrappedNative: wrapped,
		Validity:      cfg.Trade.QuoteValidity,
	}, log, a.metrics)
	costOpts := cost.Options{
		Native:            a.book,
		Decimals:          a.chain,
		ReferenceDecimals: int32(cfg.Trade.ReferenceDecimals),
	}
	if cfg.Trade.ReferenceToken != "" {
		costOpts.ReferenceToken = common.HexToAddress(cfg.Trade.ReferenceToken)
	}
	if cfg.Trade.PriceIndexURL != "" {
		costOpts.Index = cost.NewHTTPIndex(cfg.Trade.PriceIndexURL, cfg.Chain.ChainID, cfg.OrderBook.Timeout, log)
	}
	allowances := allowance.New(a.chain, a.chain, allowance.Options{
		Spender:         common.HexToAddress(cfg.Chain.VaultRelayer),
		ZeroResetTokens: cfg.Trade.ZeroResetTokens,
		BatchingEnabled: cfg.Trade.BatchingEnabled,
	}, log, a.metrics)

	submitDeps := submit.Deps{
		Wallet:    a.wallet,
		OrderBook: a.book,
		Receipts:  a.chain,
		Store:     a.store,
		Domain:    domain,
		EthFlow:   ethFlow,
		Log:       log,
		Metrics:   a.metrics,
	}
	submitters := make(map[submit.Flow]submit.Submitter, 3)
	for _, flow := range []submit.Flow{submit.FlowSigned, submit.FlowEthFlow, submit.FlowPresign} {
		s, err := submit.New(flow, submitDeps)
		if err != nil {
			return err
		}
		submitters[flow] = s
	}

	trackOpts := tracker.Options{Interval: cfg.Trade.PollInterval, Store: a.store}
	a.tracker = tracker.New(a.book, trackOpts, log, a.metrics)
	// Cancellation confirms on its own tracker so it does not replace the
	// session's watch of the same order.
	confirmer := tracker.New(a.book, trackOpts, log, a.metrics)
	canceller := cancel.New(cancel.Deps{
		Wallet:    a.wallet,
		OrderBook: a.book,
		Receipts:  a.chain,
		Confirmer: confirmer,
		Domain:    domain,
		EthFlow:   ethFlow,
		Log:       log,
	})

	a.machine, err = trade.New(trade.Deps{
		Wallet:     a.wallet,
		Quotes:     quotes,
		Costs:      cost.NewEstimator(costOpts, log),
		Allowances: allowances,
		Builder:    order.NewBuilder(appData, nil),
		Submitters: submitters,
		Tracker:    a.tracker,
		Canceller:  canceller,
	}, trade.Options{
		L2:       cfg.Chain.L2,
		Debounce: cfg.Trade.QuoteDebounce,
	}, log)
	if err != nil {
		return err
	}

	a.history, err = history.New(cfg.History, log)
	if err != nil {
		return err
	}
	if a.history != nil {
		a.sinks = append(a.sinks, a.history)
	}
	if cfg.Telegram.Enabled {
		a.alerts = alerts.NewTelegram(cfg.Telegram, cfg.Trade.AppCode, log)
		a.sinks = append(a.sinks, a.alerts)
	}
	if cfg.Stream.Enabled {
		a.hub = stream.New(stream.Options{PingInterval: streamPingInterval}, log)
		a.sinks = append(a.sinks, a.hub)
	}
	for _, sink := range a.sinks {
		a.machine.Subscribe(sink)
	}
	a.account = account.New(a.book, a.store, a.tracker, a.wallet.Address(), account.Options{
		OnOutcome: a.resumedOutcome,
	}, log)
	return nil
}

// detectCapabilities marks the wallet as a smart contract when code is
// deployed at its address. The configured flag wins when the lookup fails.
func (a *App) detectCapabilities(addr common.Address) wallet.Capabilities {
	caps := wallet.Capabilities{SmartContract: a.cfg.Chain.SmartWallet}
	ctx, cancel := context.WithTimeout(context.Background(), detectTimeout)
	defer cancel()
	isContract, err := a.chain.IsContract(ctx, addr)
	if err != nil {
		a.log.Warn("wallet code lookup failed", zap.String("wallet", addr.Hex()), zap.Error(err))
		return caps
	}
	caps.SmartContract = caps.SmartContract || isContract
	return caps
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if a.history != nil {
		a.history.Start(ctx)
	}
	errCh := make(chan error, 2)
	if a.prom != nil {
		go func() { errCh <- a.serve(ctx, "metrics", a.cfg.Metrics.Address, a.cfg.Metrics.Path, a.prom.Handler()) }()
	}
	if a.hub != nil {
		go func() { errCh <- a.serve(ctx, "stream", a.cfg.Stream.Address, a.cfg.Stream.Path, a.hub) }()
	}

	st, err := a.account.Reconcile(ctx)
	if err != nil {
		return err
	}
	a.log.Info("reconciled state",
		zap.String("wallet", a.wallet.Address().Hex()),
		zap.Bool("smart_contract", a.wallet.Capabilities().SmartContract),
		zap.Int("open_orders", len(st.Open)),
		zap.Int("resumed", len(st.Resumed)+len(st.Adopted)),
	)

	in, ok, err := ParseTradeInput(a.cfg.Trade)
	if err != nil {
		return err
	}
	if ok {
		snap, err := runSession(ctx, a.machine, in)
		if err != nil {
			a.log.Warn("trade session failed", zap.Error(err), zap.String("error_kind", string(snap.ErrorKind)))
		} else {
			a.log.Info("trade session finished",
				zap.String("order_uid", snap.OrderUID),
				zap.String("order_status", snap.OrderStatus),
				zap.String("executed_sell", snap.ExecutedSell),
				zap.String("executed_buy", snap.ExecutedBuy),
			)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (a *App) close() {
	a.machine.Close()
	a.tracker.StopAll()
	if a.alerts != nil {
		a.alerts.Flush()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("history close failed", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
	a.eth.Close()
}

func (a *App) serve(ctx context.Context, name, addr, path string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("http server listening", zap.String("server", name), zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// resumedOutcome reports orders left over from a previous run to the
// notification sinks once they settle.
func (a *App) resumedOutcome(out tracker.Outcome) {
	n := resumedNotification(out)
	for _, sink := range a.sinks {
		sink.OnNotification(n)
	}
}

func resumedNotification(out tracker.Outcome) trade.Notification {
	n := trade.Notification{
		ID:          uuid.NewString(),
		Description: fmt.Sprintf("Order %s", shortUID(out.UID.String())),
		Status:      trade.NotifyInfo,
	}
	switch out.Status {
	case order.StatusFulfilled:
		n.Title = "Order filled"
		n.Status = trade.NotifySuccess
		n.Description = fmt.Sprintf("Order %s sold %s for %s", shortUID(out.UID.String()), amountString(out.ExecutedSell), amountString(out.ExecutedBuy))
	case order.StatusCancelled:
		n.Title = "Order cancelled"
		n.Status = trade.NotifyError
	case order.StatusExpired:
		n.Title = "Order expired"
		n.Status = trade.NotifyError
	default:
		n.Title = "Order " + string(out.Status)
	}
	return n
}

func shortUID(uid string) string {
	if len(uid) <= 12 {
		return uid
	}
	return uid[:10] + "…"
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
