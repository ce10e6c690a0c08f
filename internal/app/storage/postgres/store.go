package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.RoleStore = (*Store)(nil)
var _ storage.PriceFeedStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) Balance(ctx context.Context, account string, asset custody.Asset) (*big.Int, error) {
	return balance(ctx, s.db, account, asset)
}

func (s *Store) BankState(ctx context.Context) (custody.BankState, error) {
	return bankState(ctx, s.db)
}

func (s *Store) Precision(ctx context.Context, asset custody.Asset) (int, bool, error) {
	return precision(ctx, s.db, asset)
}

func (s *Store) Seed(ctx context.Context, nativePrecision int, capNormalized *big.Int) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custody_precisions (asset, decimals, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (asset) DO NOTHING
		`, custody.NativeAsset.String(), nativePrecision, time.Now().UTC()); err != nil {
			return fmt.Errorf("seed native precision: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custody_bank_state (id, cap_normalized, total_deposited_normalized, updated_at)
			VALUES (1, $1, 0, $2)
			ON CONFLICT (id) DO NOTHING
		`, numeric(capNormalized), time.Now().UTC()); err != nil {
			return fmt.Errorf("seed bank state: %w", err)
		}
		return nil
	})
}

// WithTx runs fn inside a database transaction. The bank state row is
// locked first so ledger writers serialise on it.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM custody_bank_state WHERE id = 1 FOR UPDATE`); err != nil {
			return fmt.Errorf("lock bank state: %w", err)
		}
		return fn(&ledgerTx{tx: tx})
	})
}

func (s *Store) ListRecords(ctx context.Context, limit int) ([]custody.Record, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, account, asset, amount, normalized_value, old_value, new_value,
		       decimals, reference, principal, role, actor, created_at
		FROM custody_records
		ORDER BY seq DESC
		LIMIT NULLIF($1, 0)
	`, limit); err != nil {
		return nil, err
	}

	out := make([]custody.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx *sqlx.Tx
}

func (t *ledgerTx) Balance(ctx context.Context, account string, asset custody.Asset) (*big.Int, error) {
	return balance(ctx, t.tx, account, asset)
}

func (t *ledgerTx) BankState(ctx context.Context) (custody.BankState, error) {
	return bankState(ctx, t.tx)
}

func (t *ledgerTx) Precision(ctx context.Context, asset custody.Asset) (int, bool, error) {
	return precision(ctx, t.tx, asset)
}

func (t *ledgerTx) SetBalance(ctx context.Context, account string, asset custody.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative balance for %s/%s", account, asset)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO custody_balances (account, asset, amount, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, asset) DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
	`, account, asset.String(), amount.String(), time.Now().UTC())
	return err
}

func (t *ledgerTx) SetBankState(ctx context.Context, state custody.BankState) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE custody_bank_state
		SET cap_normalized = $1, total_deposited_normalized = $2, updated_at = $3
		WHERE id = 1
	`, numeric(state.CapNormalized), numeric(state.TotalDepositedNormalized), time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("bank state: %w", storage.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) SetPrecision(ctx context.Context, asset custody.Asset, decimals int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO custody_precisions (asset, decimals, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (asset) DO UPDATE SET decimals = EXCLUDED.decimals, updated_at = EXCLUDED.updated_at
	`, asset.String(), decimals, time.Now().UTC())
	return err
}

func (t *ledgerTx) AppendRecord(ctx context.Context, rec custody.Record) error {
	return insertRecord(ctx, t.tx, rec)
}

// --- RoleStore --------------------------------------------------------------

func (s *Store) HasRole(ctx context.Context, principal string, role custody.Role) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM custody_roles WHERE principal = $1 AND role = $2)
	`, principal, string(role))
	return exists, err
}

func (s *Store) SetRole(ctx context.Context, principal string, role custody.Role, granted bool, rec custody.Record) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if granted {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO custody_roles (principal, role, granted_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (principal, role) DO NOTHING
			`, principal, string(role), time.Now().UTC())
		} else {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM custody_roles WHERE principal = $1 AND role = $2
			`, principal, string(role))
		}
		if err != nil {
			return err
		}
		return insertRecord(ctx, tx, rec)
	})
}

func (s *Store) ListRoleMembers(ctx context.Context, role custody.Role) ([]string, error) {
	var members []string
	err := s.db.SelectContext(ctx, &members, `
		SELECT principal FROM custody_roles WHERE role = $1 ORDER BY principal
	`, string(role))
	return members, err
}

// --- helpers ----------------------------------------------------------------

func balance(ctx context.Context, q sqlx.QueryerContext, account string, asset custody.Asset) (*big.Int, error) {
	var raw string
	err := sqlx.GetContext(ctx, q, &raw, `
		SELECT amount FROM custody_balances WHERE account = $1 AND asset = $2
	`, account, asset.String())
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

func bankState(ctx context.Context, q sqlx.QueryerContext) (custody.BankState, error) {
	var row struct {
		Cap   string `db:"cap_normalized"`
		Total string `db:"total_deposited_normalized"`
	}
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT cap_normalized, total_deposited_normalized FROM custody_bank_state WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.BankState{}.Clone(), nil
	}
	if err != nil {
		return custody.BankState{}, err
	}
	capValue, err := parseNumeric(row.Cap)
	if err != nil {
		return custody.BankState{}, err
	}
	total, err := parseNumeric(row.Total)
	if err != nil {
		return custody.BankState{}, err
	}
	return custody.BankState{CapNormalized: capValue, TotalDepositedNormalized: total}, nil
}

func precision(ctx context.Context, q sqlx.QueryerContext, asset custody.Asset) (int, bool, error) {
	var decimals int
	err := sqlx.GetContext(ctx, q, &decimals, `
		SELECT decimals FROM custody_precisions WHERE asset = $1
	`, asset.String())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return decimals, true, nil
}

type recordRow struct {
	ID              string         `db:"id"`
	Kind            string         `db:"kind"`
	Account         string         `db:"account"`
	Asset           string         `db:"asset"`
	Amount          sql.NullString `db:"amount"`
	NormalizedValue sql.NullString `db:"normalized_value"`
	OldValue        sql.NullString `db:"old_value"`
	NewValue        sql.NullString `db:"new_value"`
	Decimals        int            `db:"decimals"`
	Reference       string         `db:"reference"`
	Principal       string         `db:"principal"`
	Role            string         `db:"role"`
	Actor           string         `db:"actor"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r recordRow) record() (custody.Record, error) {
	rec := custody.Record{
		ID:        r.ID,
		Kind:      custody.RecordKind(r.Kind),
		Account:   r.Account,
		Precision: r.Decimals,
		Reference: r.Reference,
		Principal: r.Principal,
		Role:      custody.Role(r.Role),
		Actor:     r.Actor,
		CreatedAt: r.CreatedAt,
	}
	if r.Asset != "" {
		asset, err := custody.ParseAsset(r.Asset)
		if err != nil {
			return custody.Record{}, err
		}
		rec.Asset = asset
	}
	var err error
	if rec.Amount, err = parseNullNumeric(r.Amount); err != nil {
		return custody.Record{}, err
	}
	if rec.NormalizedValue, err = parseNullNumeric(r.NormalizedValue); err != nil {
		return custody.Record{}, err
	}
	if rec.Old, err = parseNullNumeric(r.OldValue); err != nil {
		return custody.Record{}, err
	}
	if rec.New, err = parseNullNumeric(r.NewValue); err != nil {
		return custody.Record{}, err
	}
	return rec, nil
}

func insertRecord(ctx context.Context, tx *sqlx.Tx, rec custody.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	asset := ""
	switch rec.Kind {
	case custody.RecordDeposit, custody.RecordWithdrawal, custody.RecordPrecisionSet:
		asset = rec.Asset.String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_records (id, kind, account, asset, amount, normalized_value, old_value, new_value,
		                             decimals, reference, principal, role, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, string(rec.Kind), rec.Account, asset, nullNumeric(rec.Amount), nullNumeric(rec.NormalizedValue),
		nullNumeric(rec.Old), nullNumeric(rec.New), rec.Precision, rec.Reference, rec.Principal,
		string(rec.Role), rec.Actor, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullNumeric(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseNumeric(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", raw)
	}
	return v, nil
}

func parseNullNumeric(raw sql.NullString) (*big.Int, error) {
	if !raw.Valid {
		return nil, nil
	}
	return parseNumeric(raw.String)
}
