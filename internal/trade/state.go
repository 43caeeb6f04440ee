package trade

import (
	"fmt"
	"time"
)

const FlowTrade = "TRADE"

type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionTrade   Action = "TRADE"
)

type Screen string

const (
	ScreenAction      Screen = "ACTION"
	ScreenReview      Screen = "REVIEW"
	ScreenTransaction Screen = "TRANSACTION"
)

type TxStatus string

const (
	StatusIdle        TxStatus = "IDLE"
	StatusInitialized TxStatus = "INITIALIZED"
	StatusLoading     TxStatus = "LOADING"
	StatusSuccess     TxStatus = "SUCCESS"
	StatusError       TxStatus = "ERROR"
	StatusCancelled   TxStatus = "CANCELLED"
)

// Terminal reports whether an operation in s has finished.
func (s TxStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

type event string

const (
	evStart   event = "start"
	evLoad    event = "load"
	evSucceed event = "succeed"
	evFail    event = "fail"
	evCancel  event = "cancel"
	evRetry   event = "retry"
	evReset   event = "reset"
)

// txTransitions is the complete status graph. A move not listed here is
// rejected.
var txTransitions = map[TxStatus]map[event]TxStatus{
	StatusIdle: {
		evStart: StatusInitialized,
		evFail:  StatusError,
		evReset: StatusIdle,
	},
	StatusInitialized: {
		evLoad:    StatusLoading,
		evSucceed: StatusSuccess,
		evFail:    StatusError,
		evCancel:  StatusCancelled,
		evReset:   StatusIdle,
	},
	StatusLoading: {
		evSucceed: StatusSuccess,
		evFail:    StatusError,
		evCancel:  StatusCancelled,
		evReset:   StatusIdle,
	},
	StatusSuccess: {
		// approval success chains straight into the trade
		evStart: StatusInitialized,
		evReset: StatusIdle,
	},
	StatusError: {
		evRetry: StatusInitialized,
		evFail:  StatusError,
		evReset: StatusIdle,
	},
	StatusCancelled: {
		evReset: StatusIdle,
	},
}

type screenEvent string

const (
	scConfirm screenEvent = "confirm"
	scBack    screenEvent = "back"
	scRestart screenEvent = "restart"
)

var screenTransitions = map[Screen]map[screenEvent]Screen{
	ScreenAction: {
		scConfirm: ScreenReview,
		scBack:    ScreenAction,
	},
	ScreenReview: {
		scConfirm: ScreenTransaction,
		scBack:    ScreenAction,
	},
	ScreenTransaction: {
		scBack:    ScreenAction,
		scRestart: ScreenAction,
	},
}

// FlowState is the part of the session the transition tables govern.
type FlowState struct {
	Flow     string   `json:"flow"`
	Action   Action   `json:"action"`
	Screen   Screen   `json:"screen"`
	TxStatus TxStatus `json:"txStatus"`
}

func initialFlowState() FlowState {
	return FlowState{Flow: FlowTrade, Action: ActionTrade, Screen: ScreenAction, TxStatus: StatusIdle}
}

// InvalidTransitionError is returned when an input is not allowed in the
// current state.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s from %s", e.Event, e.From)
}

func nextStatus(from TxStatus, ev event) (TxStatus, error) {
	to, ok := txTransitions[from][ev]
	if !ok {
		return from, &InvalidTransitionError{From: string(from), Event: string(ev)}
	}
	return to, nil
}

func nextScreen(from Screen, ev screenEvent) (Screen, error) {
	to, ok := screenTransitions[from][ev]
	if !ok {
		return from, &InvalidTransitionError{From: string(from), Event: string(ev)}
	}
	return to, nil
}

// chooseAction picks APPROVE only while an allowance is missing and cannot
// be bundled with the trade.
func chooseAction(needsAllowance, useBatch bool) Action {
	if needsAllowance && !useBatch {
		return ActionApprove
	}
	return ActionTrade
}

type NotificationStatus string

const (
	NotifyInfo    NotificationStatus = "info"
	NotifySuccess NotificationStatus = "success"
	NotifyError   NotificationStatus = "error"
)

type Notification struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Status      NotificationStatus `json:"status"`
}

// QuoteView is the serialisable part of the current quote.
type QuoteView struct {
	ID                  int64  `json:"id"`
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	SellAmountToSign    string `json:"sellAmountToSign"`
	BuyAmountToSign     string `json:"buyAmountToSign"`
	FeeAmount           string `json:"feeAmount"`
	FeeAmountInBuyToken string `json:"feeAmountInBuyToken"`
	SlippagePercent     string `json:"slippagePercent"`
	SlippageBps         int64  `json:"slippageBps"`
	ExpiresAt           int64  `json:"expiresAt"`
}

type CostView struct {
	SellUSD       string `json:"sellUsd,omitempty"`
	BuyUSD        string `json:"buyUsd,omitempty"`
	PriceImpact   string `json:"priceImpact,omitempty"`
	FeePercentage string `json:"feePercentage,omitempty"`
}

type AllowanceView struct {
	NeedsAllowance bool `json:"needsAllowance"`
	NeedsReset     bool `json:"needsReset"`
	UseBatch       bool `json:"useBatch"`
	Confirmations  int  `json:"confirmations"`
}

// Snapshot is the serialisable session state handed to observers.
type Snapshot struct {
	SessionID string `json:"sessionId"`
	FlowState
	Quote        *QuoteView     `json:"quote,omitempty"`
	Cost         *CostView      `json:"cost,omitempty"`
	Allowance    *AllowanceView `json:"allowance,omitempty"`
	SubmitFlow   string         `json:"submitFlow,omitempty"`
	OrderUID     string         `json:"orderUid,omitempty"`
	TxHash       string         `json:"txHash,omitempty"`
	OrderStatus  string         `json:"orderStatus,omitempty"`
	ExecutedSell string         `json:"executedSell,omitempty"`
	ExecutedBuy  string         `json:"executedBuy,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    ErrorKind      `json:"errorKind,omitempty"`
	Retryable    bool           `json:"retryable"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Observer receives every notification and state change of a session.
type Observer interface {
	OnNotification(Notification)
	OnWidgetStateChange(Snapshot)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Notification func(Notification)
	StateChange  func(Snapshot)
}

func (o ObserverFuncs) OnNotification(n Notification) {
	if o.Notification != nil {
		o.Notification(n)
	}
}

func (o ObserverFuncs) OnWidgetStateChange(s Snapshot) {
	if o.StateChange != nil {
		o.StateChange(s)
	}
}
