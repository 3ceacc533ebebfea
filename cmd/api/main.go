package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sikaplan.org/internal/config"
	"sikaplan.org/internal/httpapi"
	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/obs"
	"sikaplan.org/internal/store/pg"
	"sikaplan.org/internal/store/sqlite"
	"sikaplan.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	svc, probe, closeStore, err := buildService(cfg)
	if err != nil {
		log.Fatalf("backend %s: %v", cfg.Backend, err)
	}
	defer closeStore()

	api := httpapi.New(httpapi.Options{
		Service:      svc,
		ReadyProbe:   probe,
		Stream:       stream.New(),
		Version:      version,
		Currency:     cfg.Currency,
		AuthEnabled:  cfg.AuthEnabled(),
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateLimitRPS: cfg.RateLimitRPS,
		RateBurst:    cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("starting sikaplan-api %s (backend=%s) on %s", version, cfg.Backend, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("serve: %v", err)
	}
	log.Println("stopped")
}

// buildService selects the ledger backend from configuration. The returned
// probe pings the database for /readyz on the SQL backends.
func buildService(cfg *config.Config) (ledger.Service, httpapi.ReadyProbe, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, httpapi.ReadyProbe{}, nil, err
		}
		return store, httpapi.ReadyProbe{DB: store.DB()}, func() { _ = store.Close() }, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, httpapi.ReadyProbe{}, nil, err
		}
		return store, httpapi.ReadyProbe{DB: store.DB()}, func() { _ = store.Close() }, nil
	default:
		return ledger.NewInMemory(cfg.LockWait), httpapi.ReadyProbe{}, func() {}, nil
	}
}
