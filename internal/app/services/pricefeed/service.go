package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// DefaultSchedule is used when a feed is created without a schedule.
const DefaultSchedule = "@every 1m"

// MaxClockSkew is how far ahead of the local clock a snapshot may be stamped.
const MaxClockSkew = time.Minute

// ErrInvalidSnapshot reports a price observation that cannot be recorded.
var ErrInvalidSnapshot = errors.New("invalid price snapshot")

// Service manages price feed definitions and price snapshots.
type Service struct {
	store storage.PriceFeedStore
	log   *logger.Logger
	now   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source used to stamp and check snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a price feed service.
func New(store storage.PriceFeedStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("pricefeed")
	}
	s := &Service{
		store: store,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FeedSpec describes a feed to create or reconcile.
type FeedSpec struct {
	BaseAsset  string
	QuoteAsset string
	Schedule   string
	SourceURL  string
	PricePath  string
}

func (s FeedSpec) normalize() (FeedSpec, error) {
	s.BaseAsset = strings.ToUpper(strings.TrimSpace(s.BaseAsset))
	s.QuoteAsset = strings.ToUpper(strings.TrimSpace(s.QuoteAsset))
	s.Schedule = strings.TrimSpace(s.Schedule)
	s.SourceURL = strings.TrimSpace(s.SourceURL)
	s.PricePath = strings.TrimSpace(s.PricePath)
	if s.BaseAsset == "" || s.QuoteAsset == "" {
		return FeedSpec{}, fmt.Errorf("base_asset and quote_asset are required")
	}
	if s.Schedule == "" {
		s.Schedule = DefaultSchedule
	}
	if s.PricePath == "" {
		s.PricePath = "price"
	}
	return s, nil
}

func (s FeedSpec) pair() string {
	return s.BaseAsset + "/" + s.QuoteAsset
}

// CreateFeed registers a new price feed definition. Prices are kept at
// custody.OraclePrecision digits.
func (s *Service) CreateFeed(ctx context.Context, spec FeedSpec) (pricefeed.Feed, error) {
	spec, err := spec.normalize()
	if err != nil {
		return pricefeed.Feed{}, err
	}
	if existing, err := s.findByPair(ctx, spec.pair()); err == nil {
		return pricefeed.Feed{}, fmt.Errorf("price feed for pair %s already exists (%s)", existing.Pair, existing.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return pricefeed.Feed{}, err
	}

	feed, err := s.store.CreatePriceFeed(ctx, pricefeed.Feed{
		BaseAsset:  spec.BaseAsset,
		QuoteAsset: spec.QuoteAsset,
		Pair:       spec.pair(),
		Decimals:   custody.OraclePrecision,
		Schedule:   spec.Schedule,
		SourceURL:  spec.SourceURL,
		PricePath:  spec.PricePath,
		Active:     true,
	})
	if err != nil {
		return pricefeed.Feed{}, err
	}
	s.log.WithField("feed_id", feed.ID).
		WithField("pair", feed.Pair).
		Info("price feed created")
	return feed, nil
}

// EnsureFeed returns the feed for the spec's pair, creating it or bringing
// its schedule and source up to date.
func (s *Service) EnsureFeed(ctx context.Context, spec FeedSpec) (pricefeed.Feed, error) {
	spec, err := spec.normalize()
	if err != nil {
		return pricefeed.Feed{}, err
	}
	feed, err := s.findByPair(ctx, spec.pair())
	if errors.Is(err, storage.ErrNotFound) {
		return s.CreateFeed(ctx, spec)
	}
	if err != nil {
		return pricefeed.Feed{}, err
	}
	if feed.Schedule == spec.Schedule && feed.SourceURL == spec.SourceURL && feed.PricePath == spec.PricePath {
		return feed, nil
	}
	return s.UpdateFeed(ctx, feed.ID, &spec.Schedule, &spec.SourceURL, &spec.PricePath)
}

// UpdateFeed updates mutable fields on a feed.
func (s *Service) UpdateFeed(ctx context.Context, feedID string, schedule, sourceURL, pricePath *string) (pricefeed.Feed, error) {
	feed, err := s.store.GetPriceFeed(ctx, feedID)
	if err != nil {
		return pricefeed.Feed{}, err
	}

	if schedule != nil {
		if trimmed := strings.TrimSpace(*schedule); trimmed != "" {
			feed.Schedule = trimmed
		} else {
			return pricefeed.Feed{}, fmt.Errorf("schedule cannot be empty")
		}
	}
	if sourceURL != nil {
		feed.SourceURL = strings.TrimSpace(*sourceURL)
	}
	if pricePath != nil {
		if trimmed := strings.TrimSpace(*pricePath); trimmed != "" {
			feed.PricePath = trimmed
		} else {
			return pricefeed.Feed{}, fmt.Errorf("price_path cannot be empty")
		}
	}

	feed, err = s.store.UpdatePriceFeed(ctx, feed)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	s.log.WithField("feed_id", feed.ID).Info("price feed updated")
	return feed, nil
}

// SetActive toggles the active flag.
func (s *Service) SetActive(ctx context.Context, feedID string, active bool) (pricefeed.Feed, error) {
	feed, err := s.store.GetPriceFeed(ctx, feedID)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	if feed.Active == active {
		return feed, nil
	}

	feed.Active = active
	feed, err = s.store.UpdatePriceFeed(ctx, feed)
	if err != nil {
		return pricefeed.Feed{}, err
	}

	s.log.WithField("feed_id", feed.ID).
		WithField("active", active).
		Info("price feed state changed")
	return feed, nil
}

// RecordSnapshot stores a price observation scaled to the feed's decimals.
// A zero collectedAt means now. One more than MaxClockSkew ahead of the clock
// is rejected.
func (s *Service) RecordSnapshot(ctx context.Context, feedID string, price *big.Int, source string, collectedAt time.Time) (pricefeed.Snapshot, error) {
	if price == nil || price.Sign() <= 0 {
		return pricefeed.Snapshot{}, fmt.Errorf("price must be positive: %w", ErrInvalidSnapshot)
	}
	now := s.now().UTC()
	if collectedAt.IsZero() {
		collectedAt = now
	}
	if limit := now.Add(MaxClockSkew); collectedAt.After(limit) {
		return pricefeed.Snapshot{}, fmt.Errorf("collected_at %s is after %s: %w",
			collectedAt.UTC().Format(time.RFC3339), limit.Format(time.RFC3339), ErrInvalidSnapshot)
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "manual"
	}

	if _, err := s.store.GetPriceFeed(ctx, feedID); err != nil {
		return pricefeed.Snapshot{}, err
	}

	snap := pricefeed.Snapshot{
		FeedID:      feedID,
		Price:       new(big.Int).Set(price),
		Source:      source,
		CollectedAt: collectedAt.UTC(),
	}
	snap, err := s.store.CreatePriceSnapshot(ctx, snap)
	if err != nil {
		return pricefeed.Snapshot{}, err
	}
	s.log.WithField("feed_id", feedID).
		WithField("price", snap.Price.String()).
		WithField("source", source).
		Debug("price snapshot recorded")
	return snap, nil
}

// ListFeeds returns every feed.
func (s *Service) ListFeeds(ctx context.Context) ([]pricefeed.Feed, error) {
	return s.store.ListPriceFeeds(ctx)
}

// ListSnapshots returns recorded prices for a feed, newest first.
func (s *Service) ListSnapshots(ctx context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error) {
	return s.store.ListPriceSnapshots(ctx, feedID, limit)
}

// GetFeed retrieves a single feed by identifier.
func (s *Service) GetFeed(ctx context.Context, feedID string) (pricefeed.Feed, error) {
	return s.store.GetPriceFeed(ctx, feedID)
}

func (s *Service) findByPair(ctx context.Context, pair string) (pricefeed.Feed, error) {
	feeds, err := s.store.ListPriceFeeds(ctx)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	for _, feed := range feeds {
		if strings.EqualFold(feed.Pair, pair) {
			return feed, nil
		}
	}
	return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", pair, storage.ErrNotFound)
}
