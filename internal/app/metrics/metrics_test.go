package metrics

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/healthz":                             "/healthz",
		"/v1/deposits":                         "/v1/deposits",
		"/v1/balances/native":                  "/v1/balances/:asset",
		"/v1/admin/cap":                        "/v1/admin/cap",
		"/v1/admin/assets/abcd/precision":      "/v1/admin/assets/:asset/precision",
		"/v1/admin/roles/MANAGER/0xdeadbeef00": "/v1/admin/roles/:role/:principal",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordOperation(t *testing.T) {
	before := testutil.ToFloat64(custodyOperations.WithLabelValues("deposit", "cap_exceeded"))
	RecordOperation("deposit", "cap_exceeded", time.Millisecond)
	after := testutil.ToFloat64(custodyOperations.WithLabelValues("deposit", "cap_exceeded"))
	if after != before+1 {
		t.Fatalf("counter = %v, want %v", after, before+1)
	}
}

func TestSetBankState(t *testing.T) {
	SetBankState(big.NewInt(1_000_000), big.NewInt(250))
	if got := testutil.ToFloat64(bankGauge.WithLabelValues("cap")); got != 1_000_000 {
		t.Fatalf("cap gauge = %v", got)
	}
	if got := testutil.ToFloat64(bankGauge.WithLabelValues("total_deposited")); got != 250 {
		t.Fatalf("total gauge = %v", got)
	}
}

func TestInstrumentHandler(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/balances/:asset", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/balances/native", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/balances/:asset", "418"))
	if after != before+1 {
		t.Fatalf("request counter = %v, want %v", after, before+1)
	}
}
