package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycrm/internal/app"
	"github.com/agentworkforce/relaycrm/internal/config"
	"github.com/agentworkforce/relaycrm/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	if err := cfg.ValidateOAuth(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Printf("RELAYCRM_JWT_SECRET is unset, API tokens are checked against the development secret")
	}

	runtime, err := app.Build(cfg, app.Options{Logger: log.Default()})
	if err != nil {
		log.Fatalf("failed to initialize relaycrm: %v", err)
	}
	defer runtime.Close()

	server := httpapi.NewServerWithConfig(serverDeps(runtime), serverConfig(cfg))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if syncOnStart() {
		if _, ok := server.StartSync(); !ok {
			log.Printf("startup sync skipped, a pass is already running")
		}
	}

	go func() {
		<-rootCtx.Done()
		log.Printf("relaycrm stopping: %v", rootCtx.Err())
		_ = server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("relaycrm listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func serverDeps(runtime *app.App) httpapi.Deps {
	return httpapi.Deps{
		Exchanger:    runtime,
		Authorizer:   runtime.OAuth,
		Disconnector: runtime,
		CRM:          runtime.CRM,
		Calendar:     runtime.CRM,
		Engine:       runtime.Engine,
		Logger:       log.Default(),
	}
}

func serverConfig(cfg config.Config) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		ContactsLimit:   config.IntEnv("RELAYCRM_CONTACTS_LIMIT", 100),
	}
}

func syncOnStart() bool {
	raw := strings.TrimSpace(os.Getenv("RELAYCRM_SYNC_ON_START"))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid RELAYCRM_SYNC_ON_START=%q, sync on start disabled", raw)
		return false
	}
	return value
}
