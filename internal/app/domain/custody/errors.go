package custody

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrUnconfiguredAsset   = errors.New("asset precision not configured")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrCapExceeded         = errors.New("bank cap exceeded")
	ErrOracleInvalid       = errors.New("oracle price invalid")
	ErrOraclePriceStale    = errors.New("oracle price stale")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrAccountingUnderflow = errors.New("deposited total underflow")
	ErrReentrantCall       = errors.New("reentrant call")
)

// CapExceededError reports the total a deposit would have reached.
type CapExceededError struct {
	Attempted *big.Int
	Cap       *big.Int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s: attempted %s, cap %s", ErrCapExceeded, e.Attempted, e.Cap)
}

// Is lets errors.Is(err, ErrCapExceeded) match.
func (e *CapExceededError) Is(target error) bool {
	return target == ErrCapExceeded
}

// UnauthorizedError names the principal and the missing role.
type UnauthorizedError struct {
	Principal string
	Role      Role
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s: %q lacks role %s", ErrUnauthorized, e.Principal, e.Role)
}

func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}
