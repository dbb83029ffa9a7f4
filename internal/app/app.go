package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitsave/pools/internal/config"
	"github.com/bitsave/pools/internal/database"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Application wires configuration, database, router, and server lifecycle.
type Application struct {
	cfg    config.Application
	router *mux.Router
	srv    *http.Server
	deps   *Dependencies
	db     *pgxpool.Pool
}

// NewApplication constructs the full HTTP application, ready to Run().
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load("./config/application.yaml")
	if err != nil {
		return nil, err
	}

	// DB + migrations
	var db *pgxpool.Pool
	if cfg.Database.Enabled {
		if err := database.Migrate(cfg.Database); err != nil {
			return nil, err
		}
		if db, err = database.Open(ctx, cfg.Database); err != nil {
			return nil, err
		}
	}

	deps, err := BuildDependencies(ctx, db, cfg)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	deps.ReportPendingTransactions(ctx, cfg.Chain.ExplorerUrl)

	r := mux.NewRouter()
	SetupMiddleware(r)
	RegisterRoutes(r, deps)

	srv := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Application{cfg: cfg, router: r, srv: srv, deps: deps, db: db}, nil
}

// Run starts the HTTP server and blocks until it fails or the process is signalled to stop.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", a.srv.Addr)
		errs <- a.srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		a.close()
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.srv.Shutdown(shutdownCtx)
	a.close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Application) close() {
	a.deps.Close()
	if a.db != nil {
		a.db.Close()
	}
}
