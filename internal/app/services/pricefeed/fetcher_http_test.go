package pricefeed

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
)

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("base") != "NEO" || r.URL.Query().Get("quote") != "USD" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected auth header, got %q", got)
		}
		w.Write([]byte(`{"data": {"price": "10.123456789"}, "source": "test"}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "token", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	price, source, err := fetcher.Fetch(context.Background(), domain.Feed{
		BaseAsset: "NEO", QuoteAsset: "USD", Decimals: 8, PricePath: "data.price",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price.Int64() != 10_12345678 || source != "test" {
		t.Fatalf("unexpected result price=%v source=%s", price, source)
	}
}

func TestHTTPFetcherNumericAndMissingPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price": 2000}`))
	}))
	defer server.Close()

	fetcher, _ := NewHTTPFetcher(nil, "", "", nil)
	feed := domain.Feed{BaseAsset: "NEO", QuoteAsset: "USD", Decimals: 8, SourceURL: server.URL}

	price, source, err := fetcher.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price.Int64() != 2000_00000000 || source != "http" {
		t.Fatalf("unexpected result price=%v source=%s", price, source)
	}

	feed.PricePath = "quote.last"
	if _, _, err := fetcher.Fetch(context.Background(), feed); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestScalePrice(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"2000", 2000_00000000, false},
		{"0.000000019", 1, false},
		{"0.000000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := ScalePrice(tc.raw, 8)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.raw)
			}
			continue
		}
		if err != nil || got.Int64() != tc.want {
			t.Fatalf("%s: got %v, %v", tc.raw, got, err)
		}
	}
	if s := FormatPrice(mustScale(t, "1234.5"), 8); s != "1234.5" {
		t.Fatalf("format = %s", s)
	}
}

func mustScale(t *testing.T, raw string) *big.Int {
	t.Helper()
	v, err := ScalePrice(raw, 8)
	if err != nil {
		t.Fatalf("scale %s: %v", raw, err)
	}
	return v
}
