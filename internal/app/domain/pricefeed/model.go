package pricefeed

import (
	"math/big"
	"time"
)

// Feed represents the configured reference price feed definition.
type Feed struct {
	ID         string
	BaseAsset  string
	QuoteAsset string
	Pair       string
	Decimals   int
	// Schedule is a cron spec such as "@every 1m".
	Schedule  string
	SourceURL string
	// PricePath is a gjson path into the source response.
	PricePath string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot captures a recorded price for a feed, scaled to Feed.Decimals.
type Snapshot struct {
	ID          string
	FeedID      string
	Price       *big.Int
	Source      string
	CollectedAt time.Time
	CreatedAt   time.Time
}
