// Package transfer defines how assets physically move in and out of custody.
package transfer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
)

// Inbound pulls tokens from an account into custody. Implementations must
// fail when the pull does not complete.
type Inbound interface {
	TransferIn(ctx context.Context, asset custody.Asset, from string, amount *big.Int) error
}

// NativeReceiver settles native value attached to a deposit into custody.
// It is optional; Inbound implementations that also hold native value
// implement it.
type NativeReceiver interface {
	ReceiveNative(ctx context.Context, from string, amount *big.Int) error
}

// Outbound releases assets from custody.
type Outbound interface {
	// SendNative reports ok=false when the recipient did not accept the value.
	SendNative(ctx context.Context, to string, amount *big.Int) (bool, error)
	// TransferToken must return an error on any failure.
	TransferToken(ctx context.Context, asset custody.Asset, to string, amount *big.Int) error
}

// TokenContract is a raw token primitive that may signal failure through its
// boolean result instead of an error.
type TokenContract interface {
	Transfer(ctx context.Context, asset custody.Asset, to string, amount *big.Int) (bool, error)
}

// TokenContractFunc adapts a function to TokenContract.
type TokenContractFunc func(ctx context.Context, asset custody.Asset, to string, amount *big.Int) (bool, error)

func (f TokenContractFunc) Transfer(ctx context.Context, asset custody.Asset, to string, amount *big.Int) (bool, error) {
	return f(ctx, asset, to, amount)
}

// SafeTransfer calls token and turns both an error and a false result into
// custody.ErrTransferFailed.
func SafeTransfer(ctx context.Context, token TokenContract, asset custody.Asset, to string, amount *big.Int) error {
	ok, err := token.Transfer(ctx, asset, to, amount)
	if err != nil {
		return fmt.Errorf("transfer %s of %s to %s: %v: %w", amount, asset, to, err, custody.ErrTransferFailed)
	}
	if !ok {
		return fmt.Errorf("transfer %s of %s to %s returned false: %w", amount, asset, to, custody.ErrTransferFailed)
	}
	return nil
}
