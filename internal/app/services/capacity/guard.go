// Package capacity enforces the global deposit cap on the normalized total.
package capacity

import (
	"math/big"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
)

// Check fails with *custody.CapExceededError when adding additional to the
// running total would exceed the cap. It never mutates state.
func Check(state custody.BankState, additional *big.Int) error {
	state = state.Clone()
	attempted := new(big.Int).Add(state.TotalDepositedNormalized, additional)
	if attempted.Cmp(state.CapNormalized) > 0 {
		return &custody.CapExceededError{Attempted: attempted, Cap: state.CapNormalized}
	}
	return nil
}

// Available returns how much normalized value may still be deposited.
func Available(state custody.BankState) *big.Int {
	state = state.Clone()
	remaining := new(big.Int).Sub(state.CapNormalized, state.TotalDepositedNormalized)
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}
