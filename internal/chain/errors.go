package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

// Sentinel errors returned by settlement primitives
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSigner            = errors.New("signer error")
)

// InsufficientFundsError carries the exact required and available balances of one asset
type InsufficientFundsError struct {
	Asset     string
	Decimals  int
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s (short %s atomic units)",
		e.Asset, e.Required, e.Available, e.Shortfall())
}

// Unwrap lets errors.Is match ErrInsufficientFunds
func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// Shortfall returns Required minus Available, never negative
func (e *InsufficientFundsError) Shortfall() *big.Int {
	if e.Required == nil {
		return big.NewInt(0)
	}
	avail := e.Available
	if avail == nil {
		avail = big.NewInt(0)
	}
	d := new(big.Int).Sub(e.Required, avail)
	if d.Sign() < 0 {
		return big.NewInt(0)
	}
	return d
}

// Human renders the shortfall for display
func (e *InsufficientFundsError) Human() string {
	return model.FormatUnits(e.Shortfall(), e.Decimals)
}
