// Package httpapi exposes the ledger engine over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/obs"
	"sikaplan.org/internal/stream"
)

// ReadyProbe reports whether the service can take traffic. When DB is set
// the probe pings it; the in-memory backend is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the API surface.
type Options struct {
	Service      ledger.Service
	ReadyProbe   ReadyProbe
	Stream       *stream.Stream
	Version      string
	Currency     string
	AuthEnabled  bool
	MaxBodyBytes int64
	RateLimitRPS float64
	RateBurst    int
}

// API is the HTTP layer over the ledger service.
type API struct {
	mux        *http.ServeMux
	svc        ledger.Service
	readyProbe ReadyProbe
	stream     *stream.Stream
	version    string
	opts       Options
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        opts.Service,
		readyProbe: opts.ReadyProbe,
		stream:     opts.Stream,
		version:    opts.Version,
		opts:       opts,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/loans", a.handleLoansCollection)
	a.mux.HandleFunc("/v1/loans/", a.handleLoanResource)
	a.mux.HandleFunc("/v1/accounts", a.handleAccountsCollection)
	a.mux.HandleFunc("/v1/accounts/", a.handleAccountResource)
	a.mux.HandleFunc("/v1/transfers", a.handleTransfers)
	a.mux.HandleFunc("/v1/ledger/transactions", a.handleTransactions)
	a.mux.HandleFunc("/v1/ledger/transactions/", a.handleTransactionResource)
	a.mux.HandleFunc("/v1/ledger/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	maxBody := a.opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	rps := a.opts.RateLimitRPS
	if rps <= 0 {
		rps = 50
	}
	burst := a.opts.RateBurst
	if burst <= 0 {
		burst = 100
	}

	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBody)
	h = RateLimit(h, burst, rps)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- service endpoints ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sikaplan-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sikaplan-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
