package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage/memory"
)

func TestCreditDebit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if _, err := Credit(ctx, tx, "alice", custody.NativeAsset, big.NewInt(100)); err != nil {
			return err
		}
		next, err := Debit(ctx, tx, "alice", custody.NativeAsset, big.NewInt(40))
		if err != nil {
			return err
		}
		if next.Int64() != 60 {
			t.Fatalf("balance after debit = %s", next)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	bal, _ := BalanceOf(ctx, store, "alice", custody.NativeAsset)
	if bal.Int64() != 60 {
		t.Fatalf("committed balance = %s, want 60", bal)
	}
	other, _ := BalanceOf(ctx, store, "bob", custody.NativeAsset)
	if other.Sign() != 0 {
		t.Fatalf("unseen balance = %s", other)
	}
}

func TestDebitInsufficient(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		_, err := Debit(ctx, tx, "alice", custody.NativeAsset, big.NewInt(1))
		return err
	})
	if !errors.Is(err, custody.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestCreditOverflow(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if _, err := Credit(ctx, tx, "alice", custody.NativeAsset, custody.MaxAmount); err != nil {
			return err
		}
		_, err := Credit(ctx, tx, "alice", custody.NativeAsset, big.NewInt(1))
		return err
	})
	if !errors.Is(err, custody.ErrBalanceOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	bal, _ := store.Balance(ctx, "alice", custody.NativeAsset)
	if bal.Sign() != 0 {
		t.Fatalf("failed tx left balance %s", bal)
	}
}
