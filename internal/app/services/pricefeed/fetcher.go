package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/httputil"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// Fetcher retrieves prices for a feed, scaled to the feed's decimals.
type Fetcher interface {
	Fetch(ctx context.Context, feed pricefeed.Feed) (*big.Int, string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, feed pricefeed.Feed) (*big.Int, string, error)

func (f FetcherFunc) Fetch(ctx context.Context, feed pricefeed.Feed) (*big.Int, string, error) {
	if f == nil {
		return nil, "", fmt.Errorf("nil fetcher")
	}
	return f(ctx, feed)
}

// HTTPFetcher reads prices from a JSON endpoint. The price is extracted
// with the feed's gjson PricePath and may be a JSON number or string.
type HTTPFetcher struct {
	client *httputil.Client
	log    *logger.Logger
}

// NewHTTPFetcher builds a fetcher. baseURL is used for feeds that do not
// carry their own SourceURL.
func NewHTTPFetcher(client *http.Client, baseURL, token string, log *logger.Logger) (*HTTPFetcher, error) {
	if baseURL != "" {
		if _, err := url.ParseRequestURI(baseURL); err != nil {
			return nil, fmt.Errorf("invalid price source url: %w", err)
		}
	}
	if log == nil {
		log = logger.NewDefault("pricefeed-fetcher")
	}
	return &HTTPFetcher{
		client: httputil.NewClient(client, httputil.ClientConfig{BaseURL: baseURL, Token: token}),
		log:    log,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, feed pricefeed.Feed) (*big.Int, string, error) {
	target := feed.SourceURL
	if target == "" && f.client.BaseURL() == "" {
		return nil, "", fmt.Errorf("feed %s has no source url", feed.Pair)
	}
	body, err := f.client.Get(ctx, target, url.Values{
		"base":  {feed.BaseAsset},
		"quote": {feed.QuoteAsset},
	})
	if err != nil {
		return nil, "", err
	}
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("price source returned invalid JSON")
	}

	path := feed.PricePath
	if path == "" {
		path = "price"
	}
	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return nil, "", fmt.Errorf("price path %q not found in response", path)
	}
	price, err := ScalePrice(result.String(), feed.Decimals)
	if err != nil {
		return nil, "", err
	}

	source := gjson.GetBytes(body, "source").String()
	if source == "" {
		source = "http"
	}
	return price, source, nil
}

// ScalePrice parses a decimal price and scales it to decimals fractional
// digits, truncating extra digits.
func ScalePrice(raw string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("price must be positive, got %s", d)
	}
	scaled := d.Shift(int32(decimals)).Truncate(0).BigInt()
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("price %s is below one unit at %d decimals", d, decimals)
	}
	return scaled, nil
}

// FormatPrice renders a scaled price as a decimal string.
func FormatPrice(price *big.Int, decimals int) string {
	if price == nil {
		return "0"
	}
	return decimal.NewFromBigInt(price, -int32(decimals)).String()
}
