package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/papertrade/trading-engine/internal/api"
	"github.com/papertrade/trading-engine/internal/config"
	"github.com/papertrade/trading-engine/internal/metrics"
	"github.com/papertrade/trading-engine/internal/reconcile"
	"github.com/papertrade/trading-engine/internal/settlement"
)

func newServeCmd(conf func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(conf())
		},
	}
}

func serve(cfg *config.Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to serve")
	}
	auth, err := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	engine := settlement.NewEngine(d.store, d.session, settlement.WithStartingBalance(cfg.StartingBalance))

	// --- Reconciliation ---
	if cfg.ReconcileSchedule != "" {
		sched, err := reconcile.Schedule(reconcile.New(d.store, reconcile.WithUserLocker(engine)), cfg.ReconcileSchedule)
		if err != nil {
			return err
		}
		defer func() { <-sched.Stop().Done() }()
		slog.Info("reconciliation scheduled", "schedule", cfg.ReconcileSchedule)
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	handler := api.NewHandler(engine, d.feed, d.session, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", handler.Routes(auth.Middleware))

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("trading-engine stopped")
	return nil
}

func newMigrateCmd(conf func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
				return errors.New("set DATABASE_URL or SQLITE_PATH")
			}
			// Opening a durable store applies the schema.
			_, cleanup, err := openStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			for _, fn := range cleanup {
				fn()
			}
			slog.Info("schema up to date")
			return nil
		},
	}
}

func newReconcileCmd(conf func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check open lots, positions and holdings once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			st, cleanup, err := openStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				for _, fn := range cleanup {
					fn()
				}
			}()

			rep, err := reconcile.New(st).Run(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if len(rep.Drifts) > 0 {
				return fmt.Errorf("%d positions drifted", len(rep.Drifts))
			}
			return nil
		},
	}
}

func newTokenCmd(conf func() *config.Config) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			auth, err := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
			if err != nil {
				return err
			}
			tok, err := auth.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
