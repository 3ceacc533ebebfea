package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/loans/abc":                 "/v1/loans/:id",
		"/v1/loans/abc/schedule":        "/v1/loans/:id/schedule",
		"/v1/loans/abc/repayments":      "/v1/loans/:id/repayments",
		"/v1/accounts/abc":              "/v1/accounts/:id",
		"/v1/accounts/abc/deposits":     "/v1/accounts/:id/deposits",
		"/v1/accounts/abc/extra":        "/v1/accounts/abc/extra",
		"/v1/ledger/transactions":       "/v1/ledger/transactions",
		"/v1/ledger/transactions?a=1":   "/v1/ledger/transactions",
		"/v1/ledger/transactions/tx-1":  "/v1/ledger/transactions/:id",
		"/v1/transfers":                 "/v1/transfers",
		"/v1/loans/abc/schedule?page=2": "/v1/loans/:id/schedule",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
