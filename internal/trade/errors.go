package trade

import (
	"context"
	"errors"

	"swap-engine/internal/allowance"
	"swap-engine/internal/chain"
	"swap-engine/internal/order"
	"swap-engine/internal/quote"
	"swap-engine/internal/submit"
	"swap-engine/internal/wallet"
)

type ErrorKind string

const (
	ErrorQuote      ErrorKind = "quote"
	ErrorSigning    ErrorKind = "signing"
	ErrorSubmission ErrorKind = "submission"
	ErrorOnChain    ErrorKind = "onchain"
	ErrorAllowance  ErrorKind = "allowance"
	ErrorAborted    ErrorKind = "aborted"
	ErrorUnknown    ErrorKind = "unknown"
)

var (
	ErrOrderInFlight = errors.New("an order is already in progress")
	ErrNoQuote       = errors.New("no valid quote")
	ErrQuoteExpired  = errors.New("quote expired")
	ErrNotRetryable  = errors.New("operation cannot be retried")
	ErrClosed        = errors.New("session closed")
)

// Classify maps an operation error onto the user-facing taxonomy.
func Classify(err error) ErrorKind {
	var (
		qerr     *quote.QuoteError
		signErr  *wallet.SigningError
		subErr   *submit.SubmissionError
		onchain  *chain.OnChainError
		allowErr *allowanceError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrorAborted
	case errors.As(err, &qerr), errors.Is(err, ErrNoQuote), errors.Is(err, ErrQuoteExpired):
		return ErrorQuote
	case errors.As(err, &signErr):
		return ErrorSigning
	case errors.As(err, &subErr):
		return ErrorSubmission
	case errors.As(err, &onchain):
		return ErrorOnChain
	case errors.As(err, &allowErr), errors.Is(err, order.ErrAllowancePending):
		return ErrorAllowance
	}
	return ErrorUnknown
}

// Retryable reports whether Retry may re-run the failed operation.
// Quotes the fee cannot be paid from need a new amount instead, and an
// expired quote needs a refresh.
func Retryable(err error) bool {
	if errors.Is(err, ErrQuoteExpired) {
		return false
	}
	var qerr *quote.QuoteError
	if errors.As(err, &qerr) {
		return !qerr.FeeInsufficient()
	}
	return err != nil
}

// allowanceError wraps allowance checks that still fail after an approval.
type allowanceError struct {
	state allowance.State
}

func (e *allowanceError) Error() string {
	return "allowance still insufficient for " + e.state.Token.Hex()
}

func describe(err error) (string, string) {
	switch Classify(err) {
	case ErrorQuote:
		return "Quote failed", err.Error()
	case ErrorSigning:
		var signErr *wallet.SigningError
		if errors.As(err, &signErr) && signErr.Rejected() {
			return "Request rejected", "The request was rejected in the wallet"
		}
		return "Signing failed", err.Error()
	case ErrorSubmission:
		return "Order rejected", err.Error()
	case ErrorOnChain:
		return "Transaction failed", err.Error()
	case ErrorAllowance:
		return "Approval required", err.Error()
	}
	return "Something went wrong", err.Error()
}
