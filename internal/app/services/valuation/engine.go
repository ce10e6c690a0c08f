// Package valuation converts raw asset amounts into normalized values with
// InternalPrecision fractional digits.
package valuation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

// PriceOracle reports the reference price of the native asset, scaled to
// custody.OraclePrecision digits, and the time it was last updated.
type PriceOracle interface {
	LatestPrice(ctx context.Context) (*big.Int, time.Time, error)
}

// PriceOracleFunc adapts a function to PriceOracle.
type PriceOracleFunc func(ctx context.Context) (*big.Int, time.Time, error)

func (f PriceOracleFunc) LatestPrice(ctx context.Context) (*big.Int, time.Time, error) {
	return f(ctx)
}

// Engine values amounts. Floor division is used at every step.
type Engine struct {
	oracle          PriceOracle
	nativePrecision int
	heartbeat       time.Duration
	now             func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHeartbeat overrides the maximum tolerated price age.
func WithHeartbeat(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.heartbeat = d
		}
	}
}

// New constructs an engine for a native asset with the given precision.
func New(oracle PriceOracle, nativePrecision int, opts ...Option) *Engine {
	e := &Engine{
		oracle:          oracle,
		nativePrecision: nativePrecision,
		heartbeat:       custody.OracleHeartbeat,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NativePrecision returns the precision the engine assumes for the native asset.
func (e *Engine) NativePrecision() int {
	return e.nativePrecision
}

// Normalize values amount of asset. A zero amount is worth zero without
// consulting the oracle or the precision table.
func (e *Engine) Normalize(ctx context.Context, precisions storage.PrecisionReader, asset custody.Asset, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return new(big.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, custody.ErrInvalidAmount
	}
	if asset.IsNative() {
		return e.normalizeNative(ctx, amount)
	}

	precision, ok, err := precisions.Precision(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("lookup precision of %s: %w", asset, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", asset, custody.ErrUnconfiguredAsset)
	}
	return Rescale(amount, precision, custody.InternalPrecision), nil
}

func (e *Engine) normalizeNative(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if e.oracle == nil {
		return nil, fmt.Errorf("no price oracle: %w", custody.ErrOracleInvalid)
	}
	price, updatedAt, err := e.oracle.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("read price: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, custody.ErrOracleInvalid
	}
	if age := e.now().Sub(updatedAt); age > e.heartbeat {
		return nil, fmt.Errorf("price is %s old: %w", age.Truncate(time.Second), custody.ErrOraclePriceStale)
	}

	raw := new(big.Int).Mul(amount, price)
	raw.Quo(raw, pow10(e.nativePrecision))
	return Rescale(raw, custody.OraclePrecision, custody.InternalPrecision), nil
}

// Rescale converts a non-negative value from one number of fractional
// digits to another, truncating when precision is lost.
func Rescale(v *big.Int, from, to int) *big.Int {
	switch {
	case from == to:
		return new(big.Int).Set(v)
	case from > to:
		return new(big.Int).Quo(v, pow10(from-to))
	default:
		return new(big.Int).Mul(v, pow10(to-from))
	}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
