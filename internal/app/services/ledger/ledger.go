// Package ledger applies credits and debits to per-account asset balances.
package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

// Table is the balance view the ledger reads and writes.
type Table interface {
	Balance(ctx context.Context, account string, asset custody.Asset) (*big.Int, error)
	SetBalance(ctx context.Context, account string, asset custody.Asset, amount *big.Int) error
}

var _ Table = storage.LedgerTx(nil)

// BalanceOf returns the balance of account in asset; unseen pairs hold zero.
func BalanceOf(ctx context.Context, table storage.LedgerReader, account string, asset custody.Asset) (*big.Int, error) {
	return table.Balance(ctx, account, asset)
}

// Credit adds amount to the balance and returns the new balance.
func Credit(ctx context.Context, table Table, account string, asset custody.Asset, amount *big.Int) (*big.Int, error) {
	current, err := table.Balance(ctx, account, asset)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	next := new(big.Int).Add(current, amount)
	if next.Cmp(custody.MaxAmount) > 0 {
		return nil, fmt.Errorf("credit %s to %s/%s: %w", amount, account, asset, custody.ErrBalanceOverflow)
	}
	if err := table.SetBalance(ctx, account, asset, next); err != nil {
		return nil, fmt.Errorf("write balance: %w", err)
	}
	return next, nil
}

// Debit subtracts amount from the balance and returns the new balance.
func Debit(ctx context.Context, table Table, account string, asset custody.Asset, amount *big.Int) (*big.Int, error) {
	current, err := table.Balance(ctx, account, asset)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if current.Cmp(amount) < 0 {
		return nil, fmt.Errorf("debit %s from %s/%s holding %s: %w", amount, account, asset, current, custody.ErrInsufficientFunds)
	}
	next := new(big.Int).Sub(current, amount)
	if err := table.SetBalance(ctx, account, asset, next); err != nil {
		return nil, fmt.Errorf("write balance: %w", err)
	}
	return next, nil
}
