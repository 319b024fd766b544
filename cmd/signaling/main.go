package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/mossy-p/skillswap-signaling/internal/handlers"
	"github.com/mossy-p/skillswap-signaling/internal/redis"
	"github.com/mossy-p/skillswap-signaling/internal/store"
	"github.com/mossy-p/skillswap-signaling/internal/util"
)

func main() {
	cfg := config.Load()
	util.SetLevel(cfg.LogLevel)

	rdb, err := redis.Connect(cfg.Redis)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer rdb.Close()

	util.LogInfo("Redis connection established")

	st := store.New(rdb, cfg.SessionTTL)
	router := handlers.NewRouter(cfg, st)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		util.LogInfo("Starting session signaling relay on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("shutdown: %v", err)
	}
	util.LogInfo("relay stopped")
}
