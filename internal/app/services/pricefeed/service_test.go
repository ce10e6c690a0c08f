package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	pricefeedDomain "github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage/memory"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

func TestService_FeedLifecycle(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "neo", QuoteAsset: "usd"})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	if !feed.Active || feed.Pair != "NEO/USD" || feed.Decimals != custody.OraclePrecision || feed.Schedule != DefaultSchedule {
		t.Fatalf("unexpected feed state: %#v", feed)
	}

	if _, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "NEO", QuoteAsset: "USD"}); err == nil {
		t.Fatalf("expected duplicate pair error")
	}

	schedule := "@every 10m"
	updated, err := svc.UpdateFeed(ctx, feed.ID, &schedule, nil, nil)
	if err != nil {
		t.Fatalf("update feed: %v", err)
	}
	if updated.Schedule != schedule {
		t.Fatalf("feed update not applied: %#v", updated)
	}

	empty := " "
	if _, err := svc.UpdateFeed(ctx, feed.ID, &empty, nil, nil); err == nil {
		t.Fatalf("expected empty schedule error")
	}

	if _, err := svc.SetActive(ctx, feed.ID, false); err != nil {
		t.Fatalf("disable feed: %v", err)
	}

	if _, err := svc.RecordSnapshot(ctx, feed.ID, big.NewInt(0), "oracle", time.Now()); err == nil {
		t.Fatalf("expected non-positive price error")
	}
	if _, err := svc.RecordSnapshot(ctx, feed.ID, big.NewInt(12_34000000), "oracle", time.Now()); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}

	snaps, err := svc.ListSnapshots(ctx, feed.ID, 0)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Source != "oracle" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
}

func TestService_EnsureFeed(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	first, err := svc.EnsureFeed(ctx, FeedSpec{BaseAsset: "NEO", QuoteAsset: "USD", SourceURL: "http://a"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := svc.EnsureFeed(ctx, FeedSpec{BaseAsset: "neo", QuoteAsset: "usd", SourceURL: "http://b"})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID || second.SourceURL != "http://b" {
		t.Fatalf("expected in-place update, got %#v", second)
	}
	feeds, _ := svc.ListFeeds(ctx)
	if len(feeds) != 1 {
		t.Fatalf("expected one feed, got %d", len(feeds))
	}
}

func TestService_RecordSnapshotRejectsFutureTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := New(memory.New(), nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	feed, _ := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "NEO", QuoteAsset: "USD"})

	_, err := svc.RecordSnapshot(ctx, feed.ID, big.NewInt(2000_00000000), "manual", now.Add(24*time.Hour))
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected invalid snapshot for future timestamp, got %v", err)
	}
	if _, _, err := svc.Oracle(feed.ID).LatestPrice(ctx); !errors.Is(err, custody.ErrOracleInvalid) {
		t.Fatalf("future snapshot was stored: %v", err)
	}

	skewed := now.Add(MaxClockSkew)
	snap, err := svc.RecordSnapshot(ctx, feed.ID, big.NewInt(2000_00000000), "manual", skewed)
	if err != nil {
		t.Fatalf("snapshot within skew: %v", err)
	}
	if !snap.CollectedAt.Equal(skewed) {
		t.Fatalf("collected_at = %s, want %s", snap.CollectedAt, skewed)
	}

	snap, err = svc.RecordSnapshot(ctx, feed.ID, big.NewInt(2000_00000000), "manual", time.Time{})
	if err != nil {
		t.Fatalf("snapshot without timestamp: %v", err)
	}
	if !snap.CollectedAt.Equal(now) {
		t.Fatalf("collected_at = %s, want clock time %s", snap.CollectedAt, now)
	}
}

func TestOracle_LatestPrice(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	feed, _ := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "NEO", QuoteAsset: "USD"})
	oracle := svc.Oracle(feed.ID)

	if _, _, err := oracle.LatestPrice(ctx); !errors.Is(err, custody.ErrOracleInvalid) {
		t.Fatalf("expected invalid oracle before first price, got %v", err)
	}

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, _ = svc.RecordSnapshot(ctx, feed.ID, big.NewInt(2000_00000000), "manual", at)
	_, _ = svc.RecordSnapshot(ctx, feed.ID, big.NewInt(1000_00000000), "manual", at.Add(-time.Hour))

	price, updatedAt, err := oracle.LatestPrice(ctx)
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if price.Cmp(big.NewInt(2000_00000000)) != 0 || !updatedAt.Equal(at) {
		t.Fatalf("latest = %s @ %s", price, updatedAt)
	}
}

func TestService_Refresher(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()
	feed, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "NEO", QuoteAsset: "USD", Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	refresher := NewRefresher(svc, nil)
	refresher.WithFetcher(FetcherFunc(func(ctx context.Context, f pricefeedDomain.Feed) (*big.Int, string, error) {
		return big.NewInt(12_34000000), "test", nil
	}))

	if n := refresher.Refresh(ctx); n != 1 {
		t.Fatalf("refresh recorded %d snapshots, want 1", n)
	}

	if err := refresher.Start(ctx); err != nil {
		t.Fatalf("start refresher: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		snaps, _ := svc.ListSnapshots(ctx, feed.ID, 0)
		if len(snaps) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected start to refresh immediately")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := refresher.Stop(ctx); err != nil {
		t.Fatalf("stop refresher: %v", err)
	}
}

func TestRefresher_SkipsFailures(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	_, _ = svc.CreateFeed(ctx, FeedSpec{BaseAsset: "NEO", QuoteAsset: "USD"})
	inactive, _ := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "GAS", QuoteAsset: "USD"})
	_, _ = svc.SetActive(ctx, inactive.ID, false)

	refresher := NewRefresher(svc, nil)
	if n := refresher.Refresh(ctx); n != 0 {
		t.Fatalf("refresh without fetcher recorded %d", n)
	}

	calls := 0
	refresher.WithFetcher(FetcherFunc(func(context.Context, pricefeedDomain.Feed) (*big.Int, string, error) {
		calls++
		return nil, "", errors.New("upstream unavailable")
	}))
	if n := refresher.Refresh(ctx); n != 0 {
		t.Fatalf("failed fetch recorded %d", n)
	}
	if calls != 1 {
		t.Fatalf("inactive feed fetched: %d calls", calls)
	}
}

func ExampleService_CreateFeed() {
	store := memory.New()
	log := logger.NewDefault("example-pricefeed")
	log.SetOutput(io.Discard)
	svc := New(store, log)
	feed, _ := svc.CreateFeed(context.Background(), FeedSpec{BaseAsset: "btc", QuoteAsset: "usd"})
	fmt.Println(feed.Pair, feed.Active, feed.Decimals)
	// Output:
	// BTC/USD true 8
}
