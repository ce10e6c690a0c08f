package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

// --- PriceFeedStore ---------------------------------------------------------

type feedRow struct {
	ID         string    `db:"id"`
	BaseAsset  string    `db:"base_asset"`
	QuoteAsset string    `db:"quote_asset"`
	Pair       string    `db:"pair"`
	Decimals   int       `db:"decimals"`
	Schedule   string    `db:"schedule"`
	SourceURL  string    `db:"source_url"`
	PricePath  string    `db:"price_path"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r feedRow) feed() pricefeed.Feed {
	return pricefeed.Feed{
		ID:         r.ID,
		BaseAsset:  r.BaseAsset,
		QuoteAsset: r.QuoteAsset,
		Pair:       r.Pair,
		Decimals:   r.Decimals,
		Schedule:   r.Schedule,
		SourceURL:  r.SourceURL,
		PricePath:  r.PricePath,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type snapshotRow struct {
	ID          string    `db:"id"`
	FeedID      string    `db:"feed_id"`
	Price       string    `db:"price"`
	Source      string    `db:"source"`
	CollectedAt time.Time `db:"collected_at"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r snapshotRow) snapshot() (pricefeed.Snapshot, error) {
	price, err := parseNumeric(r.Price)
	if err != nil {
		return pricefeed.Snapshot{}, err
	}
	return pricefeed.Snapshot{
		ID:          r.ID,
		FeedID:      r.FeedID,
		Price:       price,
		Source:      r.Source,
		CollectedAt: r.CollectedAt,
		CreatedAt:   r.CreatedAt,
	}, nil
}

func (s *Store) CreatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_feeds (id, base_asset, quote_asset, pair, decimals, schedule, source_url, price_path, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, feed.ID, feed.BaseAsset, feed.QuoteAsset, feed.Pair, feed.Decimals, feed.Schedule, feed.SourceURL,
		feed.PricePath, feed.Active, feed.CreatedAt, feed.UpdatedAt)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	return feed, nil
}

func (s *Store) UpdatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	existing, err := s.GetPriceFeed(ctx, feed.ID)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	feed.CreatedAt = existing.CreatedAt
	feed.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE price_feeds
		SET schedule = $2, source_url = $3, price_path = $4, active = $5, updated_at = $6
		WHERE id = $1
	`, feed.ID, feed.Schedule, feed.SourceURL, feed.PricePath, feed.Active, feed.UpdatedAt)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", feed.ID, storage.ErrNotFound)
	}
	return feed, nil
}

func (s *Store) GetPriceFeed(ctx context.Context, id string) (pricefeed.Feed, error) {
	var row feedRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, base_asset, quote_asset, pair, decimals, schedule, source_url, price_path, active, created_at, updated_at
		FROM price_feeds
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return pricefeed.Feed{}, err
	}
	return row.feed(), nil
}

func (s *Store) ListPriceFeeds(ctx context.Context) ([]pricefeed.Feed, error) {
	var rows []feedRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, base_asset, quote_asset, pair, decimals, schedule, source_url, price_path, active, created_at, updated_at
		FROM price_feeds
		ORDER BY created_at
	`); err != nil {
		return nil, err
	}
	out := make([]pricefeed.Feed, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.feed())
	}
	return out, nil
}

func (s *Store) CreatePriceSnapshot(ctx context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (id, feed_id, price, source, collected_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.ID, snap.FeedID, numeric(snap.Price), snap.Source, snap.CollectedAt, snap.CreatedAt)
	if err != nil {
		return pricefeed.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) LatestPriceSnapshot(ctx context.Context, feedID string) (pricefeed.Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, feed_id, price, source, collected_at, created_at
		FROM price_snapshots
		WHERE feed_id = $1
		ORDER BY collected_at DESC
		LIMIT 1
	`, feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return pricefeed.Snapshot{}, fmt.Errorf("price snapshot for %s: %w", feedID, storage.ErrNotFound)
	}
	if err != nil {
		return pricefeed.Snapshot{}, err
	}
	return row.snapshot()
}

func (s *Store) ListPriceSnapshots(ctx context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, feed_id, price, source, collected_at, created_at
		FROM price_snapshots
		WHERE feed_id = $1
		ORDER BY collected_at DESC
		LIMIT NULLIF($2, 0)
	`, feedID, limit); err != nil {
		return nil, err
	}
	out := make([]pricefeed.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
