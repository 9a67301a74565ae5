package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fastybird/accounts-module/internal/app"
	"github.com/fastybird/accounts-module/internal/config"
	"github.com/fastybird/accounts-module/internal/httpapi"
	"github.com/fastybird/accounts-module/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := obs.Logger()
		l.Fatal().Err(err).Msg("load config")
	}
	if err := obs.Configure(cfg.AppEnv, cfg.LogLevel); err != nil {
		l := obs.Logger()
		l.Fatal().Err(err).Msg("configure logger")
	}
	log := obs.Logger()

	// observability: metrics registry and build info
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build services")
	}
	defer a.Close()

	seeded, err := a.Bootstrap(ctx, cfg.AdminUID, cfg.AdminPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap")
	}
	switch {
	case seeded:
		log.Info().Str("uid", cfg.AdminUID).Msg("administrator seeded")
	case cfg.Store == config.StoreMemory && cfg.AdminPassword == "":
		log.Warn().Msg("memory store without ACCOUNTS_ADMIN_PASSWORD has no administrator; only public routes are usable")
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatal().Err(err).Msg("trusted proxies")
	}
	opts := []httpapi.Option{
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	}
	if a.Pinger != nil {
		opts = append(opts, httpapi.WithReadyProbe(httpapi.ReadyProbe{Store: a.Pinger}))
	}
	api := httpapi.New(a.Sessions, a.Accounts, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().Str("version", version).Str("addr", srv.Addr).Str("store", cfg.Store).Msg("starting accounts-api")

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
