package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"swap-engine/internal/allowance"
	"swap-engine/internal/cancel"
	"swap-engine/internal/chain"
	"swap-engine/internal/cost"
	"swap-engine/internal/order"
	"swap-engine/internal/quote"
	"swap-engine/internal/submit"
	"swap-engine/internal/tracker"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NativeToken is the placeholder address for the chain's native currency.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

type Quoter interface {
	Fetch(ctx context.Context, p quote.Params) (*quote.Quote, error)
	Invalidate()
}

type CostEstimator interface {
	Estimate(ctx context.Context, in cost.Input) cost.Estimate
}

type AllowanceCoordinator interface {
	Check(ctx context.Context, token, owner common.Address, required *big.Int, walletBatch bool) (allowance.Decision, error)
	Calls(d allowance.Decision) ([]chain.Call, error)
	Approve(ctx context.Context, sender allowance.Sender, d allowance.Decision, walletBatch bool) (allowance.Decision, error)
}

type OrderTracker interface {
	Watch(ctx context.Context, uid order.UID, fn func(tracker.Outcome))
	Stop(uid order.UID)
}

type Canceller interface {
	Cancel(ctx context.Context, t cancel.Target) (cancel.Result, error)
}

type Deps struct {
	Wallet     wallet.Wallet
	Quotes     Quoter
	Costs      CostEstimator
	Allowances AllowanceCoordinator
	Builder    *order.Builder
	Submitters map[submit.Flow]submit.Submitter
	Tracker    OrderTracker
	Canceller  Canceller
}

type Options struct {
	L2           bool
	Debounce     time.Duration
	PriceQuality string
	Now          func() time.Time
}

// Input is what the user typed. Slippage and TTL stay raw; out of range
// values resolve to the flow defaults.
type Input struct {
	SellToken common.Address
	BuyToken  common.Address
	Amount    *big.Int
	Kind      order.Kind
	Receiver  common.Address
	Slippage  string
	TTL       string
}

type operation func(ctx context.Context, gen uint64) error

type activeOrder struct {
	uid    order.UID
	order  order.Order
	flow   submit.Flow
	txHash common.Hash
}

type delivery struct {
	note *Notification
	snap Snapshot
}

// Machine owns one swap session: the inputs, the current quote and
// allowance decision, and the single order in flight.
type Machine struct {
	deps     Deps
	opts     Options
	log      *zap.Logger
	id       string
	debounce *quote.Debouncer
	wg       sync.WaitGroup

	mu        sync.Mutex
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc
	closed    bool
	state     FlowState
	input     Input
	quote     *quote.Quote
	cost      *cost.Estimate
	decision  *allowance.Decision
	active    *activeOrder
	outcome   *tracker.Outcome
	lastErr   error
	retry     operation
	observers []Observer
	pending   []delivery

	emitMu sync.Mutex
}

func New(deps Deps, opts Options, log *zap.Logger) (*Machine, error) {
	if deps.Wallet == nil || deps.Quotes == nil || deps.Allowances == nil || deps.Builder == nil || deps.Tracker == nil {
		return nil, errors.New("wallet, quotes, allowances, builder and tracker are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id := uuid.NewString()
	m := &Machine{
		deps:     deps,
		opts:     opts,
		log:      log.With(zap.String("session_id", id)),
		id:       id,
		debounce: quote.NewDebouncer(opts.Debounce),
		state:    initialFlowState(),
	}
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	return m, nil
}

func (m *Machine) ID() string {
	return m.id
}

// Subscribe registers o for every later notification and state change.
// Observers run synchronously and must not call back into the machine.
func (m *Machine) Subscribe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Wait blocks until every operation started so far has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// SetInput replaces the inputs, abandons whatever the session was doing and
// schedules a debounced quote refresh.
func (m *Machine) SetInput(in Input) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.input = in
	m.resetLocked("input changed", true)
	m.unlock()
	m.debounce.Trigger(func() {
		if err := m.RefreshQuote(context.Background()); err != nil && !ignorable(err) {
			m.log.Debug("quote refresh failed", zap.Error(err))
		}
	})
}

// RefreshQuote fetches a quote for the current inputs, then estimates its
// cost and reads the allowance in parallel.
func (m *Machine) RefreshQuote(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	gen := m.gen
	genCtx := m.genCtx
	m.mu.Unlock()
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	stop := context.AfterFunc(genCtx, cancelFn)
	defer stop()
	err := m.refresh(ctx, gen)
	if err != nil {
		m.failRefresh(gen, err)
	}
	return err
}

func (m *Machine) refresh(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	params := m.paramsLocked()
	m.mu.Unlock()
	q, err := m.deps.Quotes.Fetch(ctx, params)
	if err != nil {
		return err
	}
	var (
		est      cost.Estimate
		decision allowance.Decision
	)
	g, gctx := errgroup.WithContext(ctx)
	if m.deps.Costs != nil {
		g.Go(func() error {
			est = m.deps.Costs.Estimate(gctx, costInput(q))
			return nil
		})
	}
	g.Go(func() error {
		var err error
		decision, err = m.checkAllowance(gctx, q, params.NativeFlow)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return quote.ErrSuperseded
	}
	m.quote = q
	if m.deps.Costs != nil {
		m.cost = &est
	}
	m.setDecisionLocked(decision)
	if m.state.Screen == ScreenAction && m.state.TxStatus != StatusIdle {
		m.state.TxStatus, _ = nextStatus(m.state.TxStatus, evReset)
		m.lastErr = nil
		m.retry = nil
	}
	m.publishLocked(nil)
	m.unlock()
	m.log.Debug("quote applied",
		zap.Int64("quote_id", q.ID),
		zap.String("sell_amount", q.SellAmountToSign.String()),
		zap.String("buy_amount", q.BuyAmountToSign.String()),
	)
	return nil
}

// Confirm advances the screen. From REVIEW it starts the current action.
func (m *Machine) Confirm() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state.Screen {
	case ScreenAction:
		if err := m.readyLocked(); err != nil {
			m.mu.Unlock()
			return err
		}
		m.state.Screen, _ = nextScreen(m.state.Screen, scConfirm)
		m.publishLocked(nil)
		m.unlock()
		return nil
	case ScreenReview:
		if err := m.readyLocked(); err != nil {
			m.mu.Unlock()
			return err
		}
		m.state.Screen, _ = nextScreen(m.state.Screen, scConfirm)
		op := m.tradeOp
		if m.state.Action == ActionApprove {
			op = m.approveOp
		}
		err := m.startLocked(evStart, op)
		m.unlock()
		return err
	}
	screen := m.state.Screen
	m.mu.Unlock()
	return &InvalidTransitionError{From: string(screen), Event: string(scConfirm)}
}

// Retry re-runs the operation that failed.
func (m *Machine) Retry() error {
	m.mu.Lock()
	if status := m.state.TxStatus; status != StatusError {
		m.mu.Unlock()
		return &InvalidTransitionError{From: string(status), Event: string(evRetry)}
	}
	if m.retry == nil || !Retryable(m.lastErr) {
		m.mu.Unlock()
		return ErrNotRetryable
	}
	err := m.startLocked(evRetry, m.retry)
	m.unlock()
	return err
}

// Back returns to the ACTION screen and abandons the order in flight. The
// quote is kept unless it has expired, in which case a new one is requested.
func (m *Machine) Back() {
	m.mu.Lock()
	expired := m.quote != nil && m.quote.Expired(m.opts.Now())
	m.resetLocked("back", expired)
	m.unlock()
	if expired {
		m.debounce.Trigger(func() {
			if err := m.RefreshQuote(context.Background()); err != nil && !ignorable(err) {
				m.log.Debug("quote refresh failed", zap.Error(err))
			}
		})
	}
}

// Restart leaves a finished transaction and requests a fresh quote.
func (m *Machine) Restart() error {
	m.mu.Lock()
	if screen := m.state.Screen; screen != ScreenTransaction || !m.state.TxStatus.Terminal() {
		m.mu.Unlock()
		return &InvalidTransitionError{From: string(screen), Event: string(scRestart)}
	}
	m.resetLocked("restart", true)
	m.unlock()
	m.debounce.Trigger(func() {
		if err := m.RefreshQuote(context.Background()); err != nil && !ignorable(err) {
			m.log.Debug("quote refresh failed", zap.Error(err))
		}
	})
	return nil
}

// Reset drops all session state. Used on wallet disconnect and on account
// or network switches.
func (m *Machine) Reset(reason string) {
	m.debounce.Stop()
	m.mu.Lock()
	m.input = Input{}
	m.resetLocked(reason, true)
	m.unlock()
}

// Cancel asks for cancellation of the order being tracked and applies the
// resulting terminal outcome.
func (m *Machine) Cancel(ctx context.Context) (cancel.Result, error) {
	if m.deps.Canceller == nil {
		return cancel.Result{}, errors.New("cancellation is not configured")
	}
	m.mu.Lock()
	active := m.active
	if active == nil || m.state.TxStatus != StatusLoading {
		m.mu.Unlock()
		return cancel.Result{}, errors.New("no open order to cancel")
	}
	gen := m.gen
	o := active.order
	target := cancel.Target{UID: active.uid, Order: &o, EthFlow: active.flow == submit.FlowEthFlow}
	m.publishLocked(m.note(NotifyInfo, "Cancelling order", "Cancellation requested for "+active.uid.String()))
	m.unlock()

	res, err := m.deps.Canceller.Cancel(ctx, target)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			title, desc := describe(err)
			m.publishLocked(m.note(NotifyError, "Cancellation failed: "+title, desc))
		}
		m.unlock()
		return res, err
	}
	m.applyOutcome(gen, res.Outcome)
	return res, nil
}

// Close stops timers, polling and in-flight operations.
func (m *Machine) Close() {
	m.debounce.Stop()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.resetLocked("closed", true)
	m.genCancel()
	m.unlock()
	m.wg.Wait()
}

func (m *Machine) approveOp(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	q := m.quote
	native := m.isNative(m.input.SellToken)
	m.mu.Unlock()
	if q == nil {
		return ErrNoQuote
	}
	d, err := m.checkAllowance(ctx, q, native)
	if err != nil {
		return err
	}
	if d.NeedsAllowance {
		m.mu.Lock()
		if gen == m.gen {
			m.publishLocked(m.note(NotifyInfo, "Approve token", "Confirm the approval in your wallet"))
		}
		m.unlock()
		d, err = m.deps.Allowances.Approve(ctx, m.deps.Wallet, d, m.deps.Wallet.Capabilities().AtomicBatch)
		m.mu.Lock()
		if gen == m.gen {
			m.setDecisionLocked(d)
		}
		m.mu.Unlock()
		if err != nil {
			return err
		}
		if d.NeedsAllowance {
			return &allowanceError{state: d.State}
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil
	}
	if err := m.stepLocked(evSucceed); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setDecisionLocked(d)
	m.publishLocked(m.note(NotifySuccess, "Approval confirmed", "Token approved for trading"))
	m.state.Action = ActionTrade
	m.retry = m.tradeOp
	if err := m.stepLocked(evStart); err != nil {
		m.mu.Unlock()
		return err
	}
	m.publishLocked(nil)
	m.unlock()
	return m.tradeOp(ctx, gen)
}

func (m *Machine) tradeOp(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	q := m.quote
	in := m.input
	m.mu.Unlock()
	if q == nil {
		return ErrNoQuote
	}
	if q.Expired(m.opts.Now()) {
		return ErrQuoteExpired
	}
	native := m.isNative(in.SellToken)
	d, err := m.checkAllowance(ctx, q, native)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if gen == m.gen {
		m.setDecisionLocked(d)
	}
	if d.NeedsAllowance && !d.UseBatch {
		if gen == m.gen {
			m.state.Action = ActionApprove
			m.retry = m.approveOp
		}
		m.mu.Unlock()
		return &allowanceError{state: d.State}
	}
	m.mu.Unlock()

	var approvals []chain.Call
	if d.NeedsAllowance {
		if approvals, err = m.deps.Allowances.Calls(d); err != nil {
			return err
		}
	}
	caps := m.deps.Wallet.Capabilities()
	flow := submit.Select(caps, native)
	scheme := order.SchemeEIP712
	if flow == submit.FlowPresign {
		scheme = order.SchemePresign
	}
	o, err := m.deps.Builder.Build(order.Request{
		Terms:          q.Terms(),
		Owner:          m.deps.Wallet.Address(),
		Receiver:       in.Receiver,
		TTL:            quote.ResolveTTL(in.TTL),
		Scheme:         scheme,
		EthFlow:        flow == submit.FlowEthFlow,
		AllowanceReady: !d.NeedsAllowance || d.UseBatch,
	})
	if err != nil {
		return err
	}
	submitter := m.deps.Submitters[flow]
	if submitter == nil {
		return fmt.Errorf("no submitter for %s flow", flow)
	}
	m.mu.Lock()
	if gen == m.gen {
		m.publishLocked(m.note(NotifyInfo, "Confirm order", "Confirm the order in your wallet"))
	}
	m.unlock()

	res, err := submitter.Submit(ctx, submit.Request{Order: o, Approvals: approvals})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.log.Info("order placed after session moved on", zap.String("order_uid", res.UID.String()))
		return nil
	}
	m.active = &activeOrder{uid: res.UID, order: o, flow: res.Flow, txHash: res.TxHash}
	m.outcome = nil
	if err := m.stepLocked(evLoad); err != nil {
		m.mu.Unlock()
		return err
	}
	m.publishLocked(m.note(NotifyInfo, "Order submitted", "Order "+res.UID.String()+" placed"))
	genCtx := m.genCtx
	m.unlock()
	m.log.Info("order submitted", zap.String("order_uid", res.UID.String()), zap.String("flow", string(res.Flow)))

	if res.ReadyToPoll {
		m.deps.Tracker.Watch(genCtx, res.UID, func(out tracker.Outcome) {
			m.applyOutcome(gen, out)
		})
	}
	return nil
}

// applyOutcome moves the order in flight to its terminal status. Only the
// first outcome for the current generation is applied.
func (m *Machine) applyOutcome(gen uint64, out tracker.Outcome) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.active == nil || m.active.uid != out.UID || m.state.TxStatus.Terminal() {
		return
	}
	var note *Notification
	switch out.Status {
	case order.StatusFulfilled:
		if err := m.stepLocked(evSucceed); err != nil {
			return
		}
		note = m.note(NotifySuccess, "Order filled", fmt.Sprintf("Sold %s for %s", amountString(out.ExecutedSell), amountString(out.ExecutedBuy)))
	case order.StatusCancelled:
		if err := m.stepLocked(evCancel); err != nil {
			return
		}
		note = m.note(NotifyInfo, "Order cancelled", "Order "+out.UID.String()+" was cancelled")
	case order.StatusExpired:
		if err := m.stepLocked(evCancel); err != nil {
			return
		}
		note = m.note(NotifyInfo, "Order expired", "Order "+out.UID.String()+" expired before it was filled")
	default:
		return
	}
	m.outcome = &out
	m.publishLocked(note)
}

// startLocked moves into INITIALIZED and runs op in the background.
func (m *Machine) startLocked(ev event, op operation) error {
	if m.liveLocked() {
		return ErrOrderInFlight
	}
	if err := m.stepLocked(ev); err != nil {
		return err
	}
	m.retry = op
	m.lastErr = nil
	m.active = nil
	m.outcome = nil
	m.publishLocked(nil)
	gen := m.gen
	ctx := m.genCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := op(ctx, gen); err != nil {
			m.fail(gen, err, nil)
		}
	}()
	return nil
}

// liveLocked reports whether an order was placed and its outcome has not
// arrived yet.
func (m *Machine) liveLocked() bool {
	return m.active != nil && m.outcome == nil
}

// failRefresh handles a failed quote refresh. While an operation or order is
// in flight the failure is only reported and the status is left alone.
func (m *Machine) failRefresh(gen uint64, err error) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || ignorable(err) {
		return
	}
	if status := m.state.TxStatus; m.liveLocked() || status == StatusInitialized || status == StatusLoading {
		m.log.Warn("quote refresh failed while an order is in flight", zap.Error(err))
		_, desc := describe(err)
		m.publishLocked(m.note(NotifyInfo, "Quote refresh failed", desc))
		return
	}
	m.failLocked(gen, err, m.refresh)
}

// fail moves to ERROR unless the failure belongs to an abandoned
// generation. retry overrides the operation Retry will re-run.
func (m *Machine) fail(gen uint64, err error, retry operation) {
	m.mu.Lock()
	defer m.unlock()
	m.failLocked(gen, err, retry)
}

func (m *Machine) failLocked(gen uint64, err error, retry operation) {
	if gen != m.gen || ignorable(err) {
		return
	}
	if errors.Is(err, quote.ErrDisabled) || errors.Is(err, quote.ErrNativeBuy) {
		m.quote = nil
		m.cost = nil
		m.publishLocked(nil)
		return
	}
	if stepErr := m.stepLocked(evFail); stepErr != nil {
		m.log.Warn("dropping failure outside an operation", zap.Error(err))
		return
	}
	if retry != nil {
		m.retry = retry
	}
	m.lastErr = err
	title, desc := describe(err)
	m.log.Warn("operation failed", zap.String("kind", string(Classify(err))), zap.Error(err))
	m.publishLocked(m.note(NotifyError, title, desc))
}

// resetLocked abandons the current generation: in-flight work is cancelled,
// tracking stops and the flow returns to IDLE on the ACTION screen.
func (m *Machine) resetLocked(reason string, clearQuote bool) {
	m.gen++
	m.genCancel()
	if !m.closed {
		m.genCtx, m.genCancel = context.WithCancel(context.Background())
	}
	if m.active != nil {
		m.deps.Tracker.Stop(m.active.uid)
	}
	if clearQuote {
		m.deps.Quotes.Invalidate()
		m.quote = nil
		m.cost = nil
		m.decision = nil
	}
	m.active = nil
	m.outcome = nil
	m.lastErr = nil
	m.retry = nil
	m.state.Screen = ScreenAction
	m.state.TxStatus = StatusIdle
	m.state.Action = ActionTrade
	if m.decision != nil {
		m.state.Action = chooseAction(m.decision.NeedsAllowance, m.decision.UseBatch)
	}
	m.log.Debug("session reset", zap.String("reason", reason))
	m.publishLocked(nil)
}

func (m *Machine) stepLocked(ev event) error {
	next, err := nextStatus(m.state.TxStatus, ev)
	if err != nil {
		return err
	}
	m.state.TxStatus = next
	return nil
}

func (m *Machine) readyLocked() error {
	if m.quote == nil || m.decision == nil {
		return ErrNoQuote
	}
	if m.quote.Expired(m.opts.Now()) {
		return ErrQuoteExpired
	}
	if m.liveLocked() {
		return ErrOrderInFlight
	}
	if m.state.TxStatus != StatusIdle {
		return &InvalidTransitionError{From: string(m.state.TxStatus), Event: string(scConfirm)}
	}
	return nil
}

func (m *Machine) setDecisionLocked(d allowance.Decision) {
	m.decision = &d
	if m.state.Screen != ScreenTransaction {
		m.state.Action = chooseAction(d.NeedsAllowance, d.UseBatch)
	}
}

func (m *Machine) checkAllowance(ctx context.Context, q *quote.Quote, native bool) (allowance.Decision, error) {
	required := new(big.Int)
	if !native {
		required = q.SellAmountToSign
	}
	return m.deps.Allowances.Check(ctx, q.SellToken, m.deps.Wallet.Address(), required, m.deps.Wallet.Capabilities().AtomicBatch)
}

func (m *Machine) paramsLocked() quote.Params {
	in := m.input
	native := m.isNative(in.SellToken)
	caps := m.deps.Wallet.Capabilities()
	return quote.Params{
		SellToken:           in.SellToken,
		BuyToken:            in.BuyToken,
		From:                m.deps.Wallet.Address(),
		Receiver:            in.Receiver,
		Amount:              in.Amount,
		Kind:                in.Kind,
		Slippage:            quote.ResolveSlippage(in.Slippage, native, m.opts.L2),
		TTL:                 quote.ResolveTTL(in.TTL),
		NativeFlow:          native,
		SmartContractWallet: caps.SmartContract,
		PriceQuality:        m.opts.PriceQuality,
	}
}

func (m *Machine) isNative(token common.Address) bool {
	return token == NativeToken
}

func (m *Machine) note(status NotificationStatus, title, description string) *Notification {
	return &Notification{ID: uuid.NewString(), Title: title, Description: description, Status: status}
}

func (m *Machine) publishLocked(note *Notification) {
	m.pending = append(m.pending, delivery{note: note, snap: m.snapshotLocked()})
}

// unlock releases mu and delivers pending events in the order they were
// published.
func (m *Machine) unlock() {
	pending := m.pending
	m.pending = nil
	if len(pending) == 0 {
		m.mu.Unlock()
		return
	}
	observers := append([]Observer(nil), m.observers...)
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	for _, d := range pending {
		for _, o := range observers {
			if d.note != nil {
				o.OnNotification(*d.note)
			}
			o.OnWidgetStateChange(d.snap)
		}
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID: m.id,
		FlowState: m.state,
		UpdatedAt: m.opts.Now(),
	}
	if q := m.quote; q != nil {
		snap.Quote = &QuoteView{
			ID:                  q.ID,
			SellToken:           q.SellToken.Hex(),
			BuyToken:            q.BuyToken.Hex(),
			Kind:                string(q.Kind),
			SellAmountToSign:    amountString(q.SellAmountToSign),
			BuyAmountToSign:     amountString(q.BuyAmountToSign),
			FeeAmount:           amountString(q.FeeAmount),
			FeeAmountInBuyToken: amountString(q.FeeAmountInBuyToken),
			SlippagePercent:     q.Slippage.String(),
			SlippageBps:         q.SlippageBps,
			ExpiresAt:           q.Expiration.UnixMilli(),
		}
	}
	if c := m.cost; c != nil {
		snap.Cost = &CostView{
			SellUSD:       decimalString(c.SellUSD),
			BuyUSD:        decimalString(c.BuyUSD),
			PriceImpact:   decimalString(c.PriceImpact),
			FeePercentage: decimalString(c.FeePercentage),
		}
	}
	if d := m.decision; d != nil {
		snap.Allowance = &AllowanceView{
			NeedsAllowance: d.NeedsAllowance,
			NeedsReset:     d.NeedsReset,
			UseBatch:       d.UseBatch,
			Confirmations:  d.Confirmations(),
		}
	}
	if a := m.active; a != nil {
		snap.SubmitFlow = string(a.flow)
		snap.OrderUID = a.uid.String()
		if a.txHash != (common.Hash{}) {
			snap.TxHash = a.txHash.Hex()
		}
		snap.OrderStatus = string(order.StatusOpen)
	}
	if out := m.outcome; out != nil {
		snap.OrderStatus = string(out.Status)
		snap.ExecutedSell = amountString(out.ExecutedSell)
		snap.ExecutedBuy = amountString(out.ExecutedBuy)
	}
	if m.lastErr != nil {
		snap.Error = m.lastErr.Error()
		snap.ErrorKind = Classify(m.lastErr)
		snap.Retryable = m.retry != nil && Retryable(m.lastErr)
	}
	return snap
}

func costInput(q *quote.Quote) cost.Input {
	return cost.Input{
		SellToken:     q.SellToken,
		BuyToken:      q.BuyToken,
		SellBeforeFee: q.SellAmountBeforeFee,
		SellAfterFee:  q.SellAmountAfterFee,
		BuyBeforeFee:  q.BuyAmountBeforeFee,
		BuyAfterFee:   q.BuyAmountAfterFee,
	}
}

// ignorable errors come from work the session already moved past.
func ignorable(err error) bool {
	return errors.Is(err, quote.ErrSuperseded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decimalString(v *decimal.Decimal) string {
	if v == nil {
		return ""
	}
	return v.String()
}
