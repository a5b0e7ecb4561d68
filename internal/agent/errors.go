package agent

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/yourorg/x402-bazaar-agent/internal/chain"
	"github.com/yourorg/x402-bazaar-agent/internal/circuitbreaker"
	"github.com/yourorg/x402-bazaar-agent/internal/discovery"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/payment"
	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

// ErrResourceFlagged is returned for calls to resources the quality tracker excludes
var ErrResourceFlagged = errors.New("resource flagged as unreliable")

// FlaggedError names the excluded resource and why
type FlaggedError struct {
	Resource string
	Reason   string
}

func (e *FlaggedError) Error() string {
	return fmt.Sprintf("%s is flagged as unreliable: %s", e.Resource, e.Reason)
}

// Unwrap lets errors.Is match ErrResourceFlagged
func (e *FlaggedError) Unwrap() error {
	return ErrResourceFlagged
}

// ErrNoPendingRetry is returned when a ledger ID names no retryable post-payment failure
var ErrNoPendingRetry = errors.New("no pending retry for ledger entry")

// PaidFailureError wraps a failure where funds moved or may have moved. LedgerID names
// the entry recording the payment; Retryable entries can be replayed with Agent.Retry.
type PaidFailureError struct {
	LedgerID  string
	Retryable bool
	Err       error
}

func (e *PaidFailureError) Error() string {
	return e.Err.Error()
}

func (e *PaidFailureError) Unwrap() error {
	return e.Err
}

const noSpend = "No payment was made."

// Explain renders err for a human or model caller. Every message states whether money moved.
func Explain(err error) string {
	if err == nil {
		return ""
	}
	msg := explain(err)
	var paid *PaidFailureError
	if errors.As(err, &paid) && paid.Retryable {
		msg += fmt.Sprintf(" Retry with ledger id %s to resend the payment proof without paying again.", paid.LedgerID)
	}
	return msg
}

func explain(err error) string {
	var (
		flagged *FlaggedError
		limit   *payment.LimitError
		funds   *chain.InsufficientFundsError
		failed  *payment.PaymentFailedError
		postPay *payment.PostPaymentError
	)

	switch {
	case errors.As(err, &postPay):
		spent := fmt.Sprintf("%s was spent in transaction %s.", postPay.AmountSpent(), postPay.TxID)
		switch postPay.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return "Service temporarily unavailable, try again or choose another service. " + spent
		case 0:
			return fmt.Sprintf("The service could not be reached after payment (%v). %s", postPay.Err, spent)
		default:
			return fmt.Sprintf("The service returned HTTP %d after payment. %s", postPay.StatusCode, spent)
		}

	case errors.As(err, &failed):
		if failed.Reason == payment.FailureTimeout {
			return fmt.Sprintf("Payment transaction %s was not confirmed in time. Funds may have been spent; check the transaction before retrying.", failed.TxID)
		}
		return fmt.Sprintf("Payment transaction %s reverted. No tokens were transferred.", failed.TxID)

	case errors.As(err, &limit):
		return fmt.Sprintf("The price %s exceeds the payment limit of %s. %s",
			model.FormatUnits(limit.Amount, limit.Decimals), model.FormatUnits(limit.Limit, limit.Decimals), noSpend)

	case errors.As(err, &funds):
		return fmt.Sprintf("The wallet lacks funds: %s short of %s required. %s",
			funds.Human(), model.FormatUnits(funds.Required, funds.Decimals), noSpend)

	case errors.As(err, &flagged):
		return fmt.Sprintf("This service was flagged as unreliable (%s); choose another service. %s", flagged.Reason, noSpend)

	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrBudgetExceeded):
		return "Payments are paused by the spend guard. " + noSpend

	case errors.Is(err, tools.ErrUnknownTool):
		return "Unknown tool; refresh the tool list. " + noSpend

	case errors.Is(err, tools.ErrInvalidArguments):
		return fmt.Sprintf("Invalid arguments: %v. %s", err, noSpend)

	case errors.Is(err, payment.ErrMalformedChallenge):
		return "The service returned a payment request that could not be used. " + noSpend

	case errors.Is(err, ErrNoPendingRetry):
		return "There is no pending retry for that ledger entry. " + noSpend

	case errors.Is(err, discovery.ErrRegistryUnavailable):
		return "The discovery registry is unavailable. " + noSpend

	default:
		return fmt.Sprintf("The request failed: %v. %s", err, noSpend)
	}
}

// MoneySpent reports whether err describes a call that transferred funds
func MoneySpent(err error) bool {
	var postPay *payment.PostPaymentError
	if errors.As(err, &postPay) {
		return true
	}
	var failed *payment.PaymentFailedError
	return errors.As(err, &failed) && failed.Reason == payment.FailureTimeout
}
