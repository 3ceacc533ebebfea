package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/operator"
)

func newAuthedAPI(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("SIKA_AUTH_SECRET", "test-secret-value")
	operator.ResetSecretForTests()
	t.Cleanup(operator.ResetSecretForTests)

	api := New(Options{
		Service:      ledger.NewInMemory(time.Second),
		Version:      "test",
		AuthEnabled:  true,
		RateLimitRPS: 1000,
		RateBurst:    1000,
	})
	return api.Handler()
}

func TestAuthRejectsMissingToken(t *testing.T) {
	h := newAuthedAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/loans", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsGarbageToken(t *testing.T) {
	h := newAuthedAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthLeavesPublicPathsOpen(t *testing.T) {
	h := newAuthedAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		if rec.Code == http.StatusUnauthorized {
			t.Fatalf("%s should not require auth", path)
		}
	}
}

func TestAuthAcceptsValidToken(t *testing.T) {
	h := newAuthedAPI(t)
	token, err := operator.GenerateToken("op-7", []string{"teller"}, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestOperatorIdentityWinsOverBody(t *testing.T) {
	t.Setenv("SIKA_AUTH_SECRET", "test-secret-value")
	operator.ResetSecretForTests()
	t.Cleanup(operator.ResetSecretForTests)

	svc := ledger.NewInMemory(time.Second)
	api := New(Options{
		Service:      svc,
		Version:      "test",
		AuthEnabled:  true,
		RateLimitRPS: 1000,
		RateBurst:    1000,
	})
	h := api.Handler()

	token, err := operator.GenerateToken("op-7", []string{"teller"}, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	rec := doAuthedJSON(t, h, token, http.MethodPost, "/v1/accounts", map[string]any{
		"customer_id":  "cust-1",
		"performed_by": "impostor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open account status = %d body=%s", rec.Code, rec.Body.String())
	}
	account := decodeBody[ledger.SavingsAccount](t, rec)

	rec = doAuthedJSON(t, h, token, http.MethodPost, "/v1/accounts/"+account.ID+"/deposits", map[string]any{
		"amount":       5000,
		"performed_by": "impostor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d body=%s", rec.Code, rec.Body.String())
	}
	tx := decodeBody[ledger.Transaction](t, rec)
	if tx.PerformedBy != "op-7" {
		t.Fatalf("performed_by = %q, want the token subject", tx.PerformedBy)
	}
}

func TestSupervisorRoleGatesApproval(t *testing.T) {
	t.Setenv("SIKA_AUTH_SECRET", "test-secret-value")
	operator.ResetSecretForTests()
	t.Cleanup(operator.ResetSecretForTests)

	svc := ledger.NewInMemory(time.Second)
	api := New(Options{
		Service:      svc,
		Version:      "test",
		AuthEnabled:  true,
		RateLimitRPS: 1000,
		RateBurst:    1000,
	})
	h := api.Handler()

	teller, err := operator.GenerateToken("op-1", []string{"teller"}, time.Minute)
	if err != nil {
		t.Fatalf("generate teller token: %v", err)
	}
	supervisor, err := operator.GenerateToken("op-2", []string{"teller", "supervisor"}, time.Minute)
	if err != nil {
		t.Fatalf("generate supervisor token: %v", err)
	}

	rec := doAuthedJSON(t, h, teller, http.MethodPost, "/v1/loans", map[string]any{
		"customer_id": "cust-1",
		"amount":      10000,
		"term_months": 6,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create loan status = %d body=%s", rec.Code, rec.Body.String())
	}
	loan := decodeBody[ledger.Loan](t, rec)

	rec = doAuthedJSON(t, h, teller, http.MethodPost, "/v1/loans/"+loan.ID+"/approve", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("teller approve status = %d, want 403", rec.Code)
	}

	rec = doAuthedJSON(t, h, supervisor, http.MethodPost, "/v1/loans/"+loan.ID+"/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("supervisor approve status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	_, h := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/loans", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth configured", rec.Code)
	}
}

func doAuthedJSON(t *testing.T, h http.Handler, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := newJSONRequest(t, method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	return rec
}
