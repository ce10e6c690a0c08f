// Package custody coordinates deposits, withdrawals and administration of
// the custody ledger. Every mutation goes through one Service so effects are
// serialized and committed atomically with their asset movements.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/events"
	"github.com/jsegovia1984/KipuBankV2/internal/app/metrics"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/access"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/capacity"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/ledger"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/transfer"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/valuation"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// inFlightKey marks contexts handed to collaborators while an operation holds
// the service.
type inFlightKey struct{}

// Service is the single entry point for ledger mutations.
type Service struct {
	store     storage.LedgerStore
	access    access.Checker
	engine    *valuation.Engine
	inbound   transfer.Inbound
	outbound  transfer.Outbound
	publisher events.Publisher
	log       *logger.Logger
	now       func() time.Time
	grace     time.Duration

	mu sync.Mutex

	// calling is non-nil while the lock holder is inside a collaborator and
	// is closed when that call returns.
	callMu  sync.Mutex
	calling chan struct{}
}

// DefaultReentrancyGrace bounds how long a mutation waits on an operation
// that is inside a collaborator call before it is treated as a callback.
const DefaultReentrancyGrace = time.Second

// Option customises a Service.
type Option func(*Service)

// WithTransfers sets the collaborators that move assets in and out.
func WithTransfers(in transfer.Inbound, out transfer.Outbound) Option {
	return func(s *Service) {
		s.inbound = in
		s.outbound = out
	}
}

// WithPublisher sets the publisher notified after each commit.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithReentrancyGrace overrides DefaultReentrancyGrace.
func WithReentrancyGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

// New constructs the custody service.
func New(store storage.LedgerStore, checker access.Checker, engine *valuation.Engine, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("custody")
	}
	s := &Service{
		store:     store,
		access:    checker,
		engine:    engine,
		publisher: events.Nop,
		log:       log,
		now:       time.Now,
		grace:     DefaultReentrancyGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize persists the native precision and the initial cap on first run.
// A persisted native precision that differs from the engine's is rejected.
func (s *Service) Initialize(ctx context.Context, initialCap *big.Int) error {
	if initialCap == nil || initialCap.Sign() < 0 || initialCap.Cmp(custody.MaxAmount) > 0 {
		return fmt.Errorf("initial cap: %w", custody.ErrInvalidAmount)
	}
	native := s.engine.NativePrecision()
	if native < 0 || native > custody.MaxPrecision {
		return fmt.Errorf("native precision %d: %w", native, custody.ErrInvalidAmount)
	}
	if err := s.store.Seed(ctx, native, initialCap); err != nil {
		return fmt.Errorf("seed ledger: %w", err)
	}
	stored, ok, err := s.store.Precision(ctx, custody.NativeAsset)
	if err != nil {
		return err
	}
	if ok && stored != native {
		return fmt.Errorf("native precision is fixed at %d, configured %d", stored, native)
	}

	state, err := s.store.BankState(ctx)
	if err != nil {
		return err
	}
	metrics.SetBankState(state.CapNormalized, state.TotalDepositedNormalized)
	s.log.WithField("native_precision", native).
		WithField("cap", state.CapNormalized.String()).
		WithField("total", state.TotalDepositedNormalized.String()).
		Info("custody ledger initialized")
	return nil
}

// DepositRequest describes a deposit. For the native asset Amount is the
// value attached to the call.
type DepositRequest struct {
	Account   string
	Asset     custody.Asset
	Amount    *big.Int
	Reference string
}

// WithdrawRequest describes a withdrawal.
type WithdrawRequest struct {
	Account string
	Asset   custody.Asset
	Amount  *big.Int
}

// Deposit credits the account, raises the running total and then pulls the
// asset into custody. A failed pull discards every effect.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (rec custody.Record, err error) {
	start := time.Now()
	defer func() { s.observe("deposit", start, err) }()

	ctx, release, err := s.enter(ctx)
	if err != nil {
		return custody.Record{}, err
	}
	defer release()

	account := strings.TrimSpace(req.Account)
	if account == "" {
		return custody.Record{}, custody.ErrInvalidAccount
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return custody.Record{}, custody.ErrInvalidAmount
	}
	amount := new(big.Int).Set(req.Amount)

	var state custody.BankState
	err = s.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		value, err := s.engine.Normalize(ctx, tx, req.Asset, amount)
		if err != nil {
			return err
		}
		current, err := tx.BankState(ctx)
		if err != nil {
			return err
		}
		if err := capacity.Check(current, value); err != nil {
			return err
		}

		if _, err := ledger.Credit(ctx, tx, account, req.Asset, amount); err != nil {
			return err
		}
		state = current.Clone()
		state.TotalDepositedNormalized.Add(state.TotalDepositedNormalized, value)
		if state.TotalDepositedNormalized.Cmp(custody.MaxAmount) > 0 {
			return fmt.Errorf("deposited total: %w", custody.ErrBalanceOverflow)
		}
		if err := tx.SetBankState(ctx, state); err != nil {
			return err
		}
		rec = s.newRecord(custody.Record{
			Kind:            custody.RecordDeposit,
			Account:         account,
			Asset:           req.Asset,
			Amount:          amount,
			NormalizedValue: value,
			Reference:       strings.TrimSpace(req.Reference),
			Actor:           account,
		})
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}

		return s.pullIn(ctx, req.Asset, account, amount)
	})
	if err != nil {
		s.log.WithError(err).
			WithField("account", account).
			WithField("asset", req.Asset.String()).
			WithField("amount", amount.String()).
			Warn("deposit rejected")
		return custody.Record{}, err
	}

	s.committed(ctx, rec, state)
	s.log.WithField("account", account).
		WithField("asset", req.Asset.String()).
		WithField("amount", amount.String()).
		WithField("normalized", rec.NormalizedValue.String()).
		Info("deposit accepted")
	return rec, nil
}

// Withdraw debits the account, lowers the running total and then releases
// the asset. A failed release discards every effect.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (rec custody.Record, err error) {
	start := time.Now()
	defer func() { s.observe("withdraw", start, err) }()

	ctx, release, err := s.enter(ctx)
	if err != nil {
		return custody.Record{}, err
	}
	defer release()

	account := strings.TrimSpace(req.Account)
	if account == "" {
		return custody.Record{}, custody.ErrInvalidAccount
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return custody.Record{}, custody.ErrInvalidAmount
	}
	amount := new(big.Int).Set(req.Amount)

	var state custody.BankState
	err = s.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		balance, err := tx.Balance(ctx, account, req.Asset)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("withdraw %s of %s holding %s: %w", amount, req.Asset, balance, custody.ErrInsufficientFunds)
		}
		value, err := s.engine.Normalize(ctx, tx, req.Asset, amount)
		if err != nil {
			return err
		}

		if _, err := ledger.Debit(ctx, tx, account, req.Asset, amount); err != nil {
			return err
		}
		current, err := tx.BankState(ctx)
		if err != nil {
			return err
		}
		state = current.Clone()
		state.TotalDepositedNormalized.Sub(state.TotalDepositedNormalized, value)
		if state.TotalDepositedNormalized.Sign() < 0 {
			return fmt.Errorf("withdrawal valued %s exceeds deposited total %s: %w",
				value, current.TotalDepositedNormalized, custody.ErrAccountingUnderflow)
		}
		if err := tx.SetBankState(ctx, state); err != nil {
			return err
		}
		rec = s.newRecord(custody.Record{
			Kind:            custody.RecordWithdrawal,
			Account:         account,
			Asset:           req.Asset,
			Amount:          amount,
			NormalizedValue: value,
			Actor:           account,
		})
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}

		return s.payOut(ctx, req.Asset, account, amount)
	})
	if err != nil {
		s.log.WithError(err).
			WithField("account", account).
			WithField("asset", req.Asset.String()).
			WithField("amount", amount.String()).
			Warn("withdrawal rejected")
		return custody.Record{}, err
	}

	s.committed(ctx, rec, state)
	s.log.WithField("account", account).
		WithField("asset", req.Asset.String()).
		WithField("amount", amount.String()).
		WithField("normalized", rec.NormalizedValue.String()).
		Info("withdrawal completed")
	return rec, nil
}

// BalanceOf returns the committed balance of account in asset.
func (s *Service) BalanceOf(ctx context.Context, account string, asset custody.Asset) (*big.Int, error) {
	return ledger.BalanceOf(ctx, s.store, account, asset)
}

// AvailableCapacity returns how much normalized value can still be deposited.
func (s *Service) AvailableCapacity(ctx context.Context) (*big.Int, error) {
	state, err := s.store.BankState(ctx)
	if err != nil {
		return nil, err
	}
	return capacity.Available(state), nil
}

// BankState returns the committed cap and running total.
func (s *Service) BankState(ctx context.Context) (custody.BankState, error) {
	return s.store.BankState(ctx)
}

// Precision returns the configured precision of asset.
func (s *Service) Precision(ctx context.Context, asset custody.Asset) (int, bool, error) {
	return s.store.Precision(ctx, asset)
}

// Records returns the newest journal entries, newest first.
func (s *Service) Records(ctx context.Context, limit int) ([]custody.Record, error) {
	return s.store.ListRecords(ctx, limit)
}

// enter rejects calls made from inside an in-flight operation and otherwise
// takes the service lock. Callers carrying the in-flight context are rejected
// at once. A caller with a fresh context that finds the holder inside a
// collaborator waits for that call to return; if it does not return within
// the grace period the caller is taken to be a callback of that collaborator.
func (s *Service) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(inFlightKey{}) != nil {
		return ctx, nil, custody.ErrReentrantCall
	}
	for !s.mu.TryLock() {
		done := s.collaboratorCall()
		if done == nil {
			s.mu.Lock()
			break
		}
		if err := s.awaitCollaborator(ctx, done); err != nil {
			return ctx, nil, err
		}
	}
	return context.WithValue(ctx, inFlightKey{}, s), s.mu.Unlock, nil
}

func (s *Service) awaitCollaborator(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return custody.ErrReentrantCall
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) collaboratorCall() chan struct{} {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	return s.calling
}

// collaborate runs fn, a call out to a collaborator, with the service lock
// held and marks it so enter can tell callbacks from queued callers.
func (s *Service) collaborate(fn func() error) error {
	done := make(chan struct{})
	s.callMu.Lock()
	s.calling = done
	s.callMu.Unlock()
	defer func() {
		s.callMu.Lock()
		s.calling = nil
		s.callMu.Unlock()
		close(done)
	}()
	return fn()
}

func (s *Service) pullIn(ctx context.Context, asset custody.Asset, from string, amount *big.Int) error {
	if asset.IsNative() {
		receiver, ok := s.inbound.(transfer.NativeReceiver)
		if !ok {
			return fmt.Errorf("no native receiver configured: %w", custody.ErrTransferFailed)
		}
		if err := s.collaborate(func() error { return receiver.ReceiveNative(ctx, from, amount) }); err != nil {
			return transferFailed("receive native value", err)
		}
		return nil
	}
	if s.inbound == nil {
		return fmt.Errorf("no inbound transfer configured: %w", custody.ErrTransferFailed)
	}
	if err := s.collaborate(func() error { return s.inbound.TransferIn(ctx, asset, from, amount) }); err != nil {
		return transferFailed("pull "+asset.String(), err)
	}
	return nil
}

func (s *Service) payOut(ctx context.Context, asset custody.Asset, to string, amount *big.Int) error {
	if s.outbound == nil {
		return fmt.Errorf("no outbound transfer configured: %w", custody.ErrTransferFailed)
	}
	if asset.IsNative() {
		var ok bool
		err := s.collaborate(func() (err error) {
			ok, err = s.outbound.SendNative(ctx, to, amount)
			return err
		})
		if err != nil {
			return transferFailed("send native value", err)
		}
		if !ok {
			return fmt.Errorf("send native value to %s: %w", to, custody.ErrTransferFailed)
		}
		return nil
	}
	if err := s.collaborate(func() error { return s.outbound.TransferToken(ctx, asset, to, amount) }); err != nil {
		return transferFailed("transfer "+asset.String(), err)
	}
	return nil
}

func transferFailed(op string, err error) error {
	if errors.Is(err, custody.ErrTransferFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, custody.ErrTransferFailed, err)
}

func (s *Service) newRecord(rec custody.Record) custody.Record {
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC()
	return rec
}

// committed runs after a successful commit. Publishing failures are logged;
// the ledger change stands.
func (s *Service) committed(ctx context.Context, rec custody.Record, state custody.BankState) {
	if state.CapNormalized != nil {
		metrics.SetBankState(state.CapNormalized, state.TotalDepositedNormalized)
	}
	err := s.collaborate(func() error { return s.publisher.Publish(context.WithoutCancel(ctx), rec) })
	if err != nil {
		s.log.WithError(err).
			WithField("record_id", rec.ID).
			WithField("kind", string(rec.Kind)).
			Warn("publish record failed")
	}
}

func (s *Service) observe(op string, start time.Time, err error) {
	metrics.RecordOperation(op, ErrorClass(err), time.Since(start))
}

// ErrorClass maps an error to a short label.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, custody.ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, custody.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, custody.ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, custody.ErrUnconfiguredAsset):
		return "unconfigured_asset"
	case errors.Is(err, custody.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, custody.ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, custody.ErrOraclePriceStale):
		return "oracle_stale"
	case errors.Is(err, custody.ErrOracleInvalid):
		return "oracle_invalid"
	case errors.Is(err, custody.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, custody.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, custody.ErrBalanceOverflow):
		return "overflow"
	case errors.Is(err, custody.ErrAccountingUnderflow):
		return "underflow"
	default:
		return "error"
	}
}
