package storage

import (
	"context"
	"errors"
	"math/big"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// PrecisionReader resolves the configured precision of an asset. The boolean
// is false for assets that were never configured.
type PrecisionReader interface {
	Precision(ctx context.Context, asset custody.Asset) (int, bool, error)
}

// LedgerReader exposes committed ledger state.
type LedgerReader interface {
	PrecisionReader
	Balance(ctx context.Context, account string, asset custody.Asset) (*big.Int, error)
	BankState(ctx context.Context) (custody.BankState, error)
}

// LedgerTx is a transactional view of the ledger. Reads observe the writes
// made earlier in the same transaction.
type LedgerTx interface {
	LedgerReader
	SetBalance(ctx context.Context, account string, asset custody.Asset, amount *big.Int) error
	SetBankState(ctx context.Context, state custody.BankState) error
	SetPrecision(ctx context.Context, asset custody.Asset, precision int) error
	AppendRecord(ctx context.Context, rec custody.Record) error
}

// LedgerStore persists balances, the precision table, the bank state and the
// record journal.
type LedgerStore interface {
	LedgerReader

	// WithTx runs fn in a transaction. Every write made through the LedgerTx
	// is committed when fn returns nil and discarded otherwise.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// Seed stores the native precision and the initial cap unless they were
	// already persisted by an earlier run.
	Seed(ctx context.Context, nativePrecision int, capNormalized *big.Int) error

	ListRecords(ctx context.Context, limit int) ([]custody.Record, error)
}

// RoleStore persists role assignments.
type RoleStore interface {
	HasRole(ctx context.Context, principal string, role custody.Role) (bool, error)
	// SetRole grants or revokes a role and journals rec in the same write.
	SetRole(ctx context.Context, principal string, role custody.Role, granted bool, rec custody.Record) error
	ListRoleMembers(ctx context.Context, role custody.Role) ([]string, error)
}

// PriceFeedStore persists price feed definitions and snapshots.
type PriceFeedStore interface {
	CreatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error)
	UpdatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error)
	GetPriceFeed(ctx context.Context, id string) (pricefeed.Feed, error)
	ListPriceFeeds(ctx context.Context) ([]pricefeed.Feed, error)

	CreatePriceSnapshot(ctx context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error)
	LatestPriceSnapshot(ctx context.Context, feedID string) (pricefeed.Snapshot, error)
	ListPriceSnapshots(ctx context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error)
}
