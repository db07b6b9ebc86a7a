package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/himatecorp2025/dingleup-engine/internal/api"
	"github.com/himatecorp2025/dingleup-engine/internal/balance"
	"github.com/himatecorp2025/dingleup-engine/internal/config"
	"github.com/himatecorp2025/dingleup-engine/internal/ledger"
	"github.com/himatecorp2025/dingleup-engine/internal/logging"
	"github.com/himatecorp2025/dingleup-engine/internal/reward"
	"github.com/himatecorp2025/dingleup-engine/internal/store"
	"github.com/himatecorp2025/dingleup-engine/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.Init(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		sugar.Warn("running on the in-memory store; state is lost on restart")
		st = store.NewMemory()
	default:
		pg, err := store.NewPostgres(cfg.DBSource)
		if err != nil {
			sugar.Fatalw("database connection failed", "err", err)
		}
		defer pg.Close()
		st = pg
	}

	credits := ledger.NewService(st, sugar)
	tokens := token.NewRegistry(st, sugar)
	rewards := reward.NewCoordinator(st, credits, sugar, cfg.SessionTTL)
	balances := balance.NewReadModel(st, sugar, cfg.RegenInterval)

	handler := api.NewHandler(credits, tokens, rewards, balances, sugar, cfg.AuthSecret, cfg.InternalToken)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session TTL sweep. Idempotent, so overlapping runs across replicas
	// are harmless.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := rewards.SweepExpired(ctx); err != nil {
					sugar.Warnw("session sweep failed", "err", err)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("server starting", "port", cfg.Port, "env", cfg.Env, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("server failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("shutdown failed", "err", err)
	}
}
