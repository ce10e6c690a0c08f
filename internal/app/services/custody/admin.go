package custody

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/access"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

// SetCap replaces the global cap. A cap below the running total only blocks
// further deposits.
func (s *Service) SetCap(ctx context.Context, caller string, newCap *big.Int) (rec custody.Record, err error) {
	start := time.Now()
	defer func() { s.observe("set_cap", start, err) }()

	ctx, release, err := s.enter(ctx)
	if err != nil {
		return custody.Record{}, err
	}
	defer release()

	if err := access.Require(ctx, s.access, caller, custody.RoleManager); err != nil {
		s.log.WithField("caller", caller).Warn("cap change rejected")
		return custody.Record{}, err
	}
	if newCap == nil || newCap.Sign() < 0 || newCap.Cmp(custody.MaxAmount) > 0 {
		return custody.Record{}, fmt.Errorf("cap: %w", custody.ErrInvalidAmount)
	}

	var state custody.BankState
	err = s.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		current, err := tx.BankState(ctx)
		if err != nil {
			return err
		}
		state = current.Clone()
		state.CapNormalized = new(big.Int).Set(newCap)
		if err := tx.SetBankState(ctx, state); err != nil {
			return err
		}
		rec = s.newRecord(custody.Record{
			Kind:  custody.RecordCapUpdated,
			Old:   current.CapNormalized,
			New:   state.CapNormalized,
			Actor: caller,
		})
		return tx.AppendRecord(ctx, rec)
	})
	if err != nil {
		return custody.Record{}, err
	}

	s.committed(ctx, rec, state)
	s.log.WithField("caller", caller).
		WithField("old", rec.Old.String()).
		WithField("new", rec.New.String()).
		Info("cap updated")
	return rec, nil
}

// SetAssetPrecision configures the precision of a token. The native
// precision is fixed at deployment and cannot be changed by anyone.
// Balances already held are not revalued.
func (s *Service) SetAssetPrecision(ctx context.Context, caller string, asset custody.Asset, precision int) (rec custody.Record, err error) {
	start := time.Now()
	defer func() { s.observe("set_precision", start, err) }()

	if asset.IsNative() {
		return custody.Record{}, fmt.Errorf("native precision is immutable: %w", custody.ErrInvalidAmount)
	}

	ctx, release, err := s.enter(ctx)
	if err != nil {
		return custody.Record{}, err
	}
	defer release()

	if err := access.Require(ctx, s.access, caller, custody.RoleManager); err != nil {
		s.log.WithField("caller", caller).WithField("asset", asset.String()).Warn("precision change rejected")
		return custody.Record{}, err
	}
	if precision < 0 || precision > custody.MaxPrecision {
		return custody.Record{}, fmt.Errorf("precision %d outside [0, %d]: %w", precision, custody.MaxPrecision, custody.ErrInvalidAmount)
	}

	err = s.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if err := tx.SetPrecision(ctx, asset, precision); err != nil {
			return err
		}
		rec = s.newRecord(custody.Record{
			Kind:      custody.RecordPrecisionSet,
			Asset:     asset,
			Precision: precision,
			Actor:     caller,
		})
		return tx.AppendRecord(ctx, rec)
	})
	if err != nil {
		return custody.Record{}, err
	}

	s.committed(ctx, rec, custody.BankState{})
	s.log.WithField("caller", caller).
		WithField("asset", asset.String()).
		WithField("precision", precision).
		Info("asset precision set")
	return rec, nil
}
