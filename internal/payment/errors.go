package payment

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

// Sentinel errors for the payment flow
var (
	ErrMalformedChallenge        = errors.New("malformed payment challenge")
	ErrPaymentFailed             = errors.New("payment failed")
	ErrPostPaymentRequestFailed  = errors.New("paid request failed")
	ErrPaymentAmountExceedsLimit = errors.New("payment amount exceeds limit")
)

// Reasons a settlement can fail after submission
const (
	FailureReverted = "reverted"
	FailureTimeout  = "timeout"
)

// PaymentFailedError means a transfer was submitted but never observed as successful
type PaymentFailedError struct {
	TxID     string
	Reason   string
	Attempts int

	// Asset and Amount describe the submitted transfer
	Asset    string
	Amount   *big.Int
	Decimals int

	Err error
}

func (e *PaymentFailedError) Error() string {
	msg := fmt.Sprintf("payment %s: transaction %s", e.Reason, e.TxID)
	if e.Reason == FailureTimeout {
		msg += fmt.Sprintf(" not confirmed after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap lets errors.Is match ErrPaymentFailed and the polling error, if any
func (e *PaymentFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPaymentFailed}
	}
	return []error{ErrPaymentFailed, e.Err}
}

// MaySpend reports whether the transfer could still have moved funds. A reverted
// transaction transfers nothing.
func (e *PaymentFailedError) MaySpend() bool {
	return e.Reason == FailureTimeout
}

// PostPaymentError means money was spent but the paid request returned no usable data
type PostPaymentError struct {
	Resource   string
	TxID       string
	Amount     *big.Int
	Asset      string
	Decimals   int
	StatusCode int
	Body       string

	// Nonce is the cold-call challenge nonce, needed to replay the proof
	Nonce string

	Err error
}

func (e *PostPaymentError) Error() string {
	spent := fmt.Sprintf("%s atomic units of %s spent in %s", e.Amount, e.Asset, e.TxID)
	if e.Err != nil {
		return fmt.Sprintf("paid request to %s failed (%s): %v", e.Resource, spent, e.Err)
	}
	return fmt.Sprintf("paid request to %s failed with HTTP %d (%s)", e.Resource, e.StatusCode, spent)
}

// Unwrap lets errors.Is match ErrPostPaymentRequestFailed
func (e *PostPaymentError) Unwrap() error {
	return ErrPostPaymentRequestFailed
}

// AmountSpent renders the spent amount for display
func (e *PostPaymentError) AmountSpent() string {
	return model.FormatUnits(e.Amount, e.Decimals)
}

// LimitError is a policy rejection raised before any transfer
type LimitError struct {
	Resource string
	Amount   *big.Int
	Limit    *big.Int
	Decimals int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("payment of %s exceeds limit %s for %s",
		model.FormatUnits(e.Amount, e.Decimals), model.FormatUnits(e.Limit, e.Decimals), e.Resource)
}

// Unwrap lets errors.Is match ErrPaymentAmountExceedsLimit
func (e *LimitError) Unwrap() error {
	return ErrPaymentAmountExceedsLimit
}
