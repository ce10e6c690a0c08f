package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

// Oracle serves the newest snapshot of one feed as the reference price.
type Oracle struct {
	service *Service
	feedID  string
}

// Oracle returns a price oracle bound to feedID.
func (s *Service) Oracle(feedID string) *Oracle {
	return &Oracle{service: s, feedID: feedID}
}

// FeedID returns the feed the oracle reads.
func (o *Oracle) FeedID() string {
	return o.feedID
}

// LatestPrice returns the newest recorded price and its collection time.
// The price is scaled to the feed's decimals, which are
// custody.OraclePrecision for feeds created by the service.
func (o *Oracle) LatestPrice(ctx context.Context) (*big.Int, time.Time, error) {
	snap, err := o.service.store.LatestPriceSnapshot(ctx, o.feedID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, time.Time{}, fmt.Errorf("no price recorded for feed %s: %w", o.feedID, custody.ErrOracleInvalid)
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return snap.Price, snap.CollectedAt, nil
}
