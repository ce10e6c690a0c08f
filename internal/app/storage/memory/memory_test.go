package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

func TestSeedIsIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Seed(ctx, 18, big.NewInt(1_000)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Seed(ctx, 8, big.NewInt(5)); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	p, ok, _ := store.Precision(ctx, custody.NativeAsset)
	if !ok || p != 18 {
		t.Fatalf("native precision = %d (%v), want 18", p, ok)
	}
	state, _ := store.BankState(ctx)
	if state.CapNormalized.Int64() != 1_000 || state.TotalDepositedNormalized.Sign() != 0 {
		t.Fatalf("unexpected bank state %+v", state)
	}
}

func TestWithTxCommitAndRollback(t *testing.T) {
	store := New()
	ctx := context.Background()
	_ = store.Seed(ctx, 18, big.NewInt(100))

	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if err := tx.SetBalance(ctx, "alice", custody.NativeAsset, big.NewInt(7)); err != nil {
			return err
		}
		got, _ := tx.Balance(ctx, "alice", custody.NativeAsset)
		if got.Int64() != 7 {
			t.Fatalf("tx should read its own write, got %s", got)
		}
		outside, _ := store.Balance(ctx, "alice", custody.NativeAsset)
		if outside.Sign() != 0 {
			t.Fatalf("uncommitted write leaked: %s", outside)
		}
		return tx.AppendRecord(ctx, custody.Record{Kind: custody.RecordDeposit, Account: "alice"})
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		_ = tx.SetBalance(ctx, "alice", custody.NativeAsset, big.NewInt(1))
		_ = tx.SetBankState(ctx, custody.BankState{CapNormalized: big.NewInt(1)})
		_ = tx.AppendRecord(ctx, custody.Record{Kind: custody.RecordWithdrawal, Account: "alice"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	bal, _ := store.Balance(ctx, "alice", custody.NativeAsset)
	if bal.Int64() != 7 {
		t.Fatalf("balance after rollback = %s, want 7", bal)
	}
	state, _ := store.BankState(ctx)
	if state.CapNormalized.Int64() != 100 {
		t.Fatalf("cap after rollback = %s, want 100", state.CapNormalized)
	}
	recs, _ := store.ListRecords(ctx, 0)
	if len(recs) != 1 || recs[0].ID == "" || recs[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestBalanceIsCopied(t *testing.T) {
	store := New()
	ctx := context.Background()
	amount := big.NewInt(10)
	_ = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.SetBalance(ctx, "alice", custody.NativeAsset, amount)
	})
	amount.SetInt64(99)

	got, _ := store.Balance(ctx, "alice", custody.NativeAsset)
	got.SetInt64(50)
	again, _ := store.Balance(ctx, "alice", custody.NativeAsset)
	if again.Int64() != 10 {
		t.Fatalf("stored balance mutated: %s", again)
	}
}

func TestListRecordsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, account := range []string{"a", "b", "c"} {
		account := account
		_ = store.WithTx(ctx, func(tx storage.LedgerTx) error {
			return tx.AppendRecord(ctx, custody.Record{Kind: custody.RecordDeposit, Account: account})
		})
	}

	recs, _ := store.ListRecords(ctx, 2)
	if len(recs) != 2 || recs[0].Account != "c" || recs[1].Account != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
}

func TestRoles(t *testing.T) {
	store := New()
	ctx := context.Background()

	grant := custody.Record{Kind: custody.RecordRoleGranted, Principal: "bob", Role: custody.RoleManager}
	if err := store.SetRole(ctx, "bob", custody.RoleManager, true, grant); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, _ := store.HasRole(ctx, "bob", custody.RoleManager)
	if !ok {
		t.Fatalf("expected bob to be manager")
	}
	members, _ := store.ListRoleMembers(ctx, custody.RoleManager)
	if len(members) != 1 || members[0] != "bob" {
		t.Fatalf("unexpected members %v", members)
	}

	revoke := custody.Record{Kind: custody.RecordRoleRevoked, Principal: "bob", Role: custody.RoleManager}
	_ = store.SetRole(ctx, "bob", custody.RoleManager, false, revoke)
	ok, _ = store.HasRole(ctx, "bob", custody.RoleManager)
	if ok {
		t.Fatalf("expected role revoked")
	}

	recs, _ := store.ListRecords(ctx, 0)
	if len(recs) != 2 || recs[0].Kind != custody.RecordRoleRevoked {
		t.Fatalf("role changes not journaled: %+v", recs)
	}
}

func TestPriceSnapshots(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreatePriceSnapshot(ctx, pricefeed.Snapshot{FeedID: "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for unknown feed, got %v", err)
	}

	feed, err := store.CreatePriceFeed(ctx, pricefeed.Feed{BaseAsset: "NEO", QuoteAsset: "USD", Pair: "NEO/USD", Decimals: 8})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	if _, err := store.LatestPriceSnapshot(ctx, feed.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found before first snapshot, got %v", err)
	}

	now := time.Now().UTC()
	_, _ = store.CreatePriceSnapshot(ctx, pricefeed.Snapshot{FeedID: feed.ID, Price: big.NewInt(200), CollectedAt: now})
	_, _ = store.CreatePriceSnapshot(ctx, pricefeed.Snapshot{FeedID: feed.ID, Price: big.NewInt(100), CollectedAt: now.Add(-time.Minute)})

	latest, err := store.LatestPriceSnapshot(ctx, feed.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Price.Int64() != 200 {
		t.Fatalf("latest price = %s, want 200", latest.Price)
	}

	snaps, _ := store.ListPriceSnapshots(ctx, feed.ID, 1)
	if len(snaps) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(snaps))
	}

	feed.Active = true
	updated, err := store.UpdatePriceFeed(ctx, feed)
	if err != nil || !updated.Active {
		t.Fatalf("update feed: %v %+v", err, updated)
	}
}
