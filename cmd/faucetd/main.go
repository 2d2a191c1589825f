// faucetd is the Nexa testnet faucet daemon. It gates one-time
// disbursements behind address validation, captcha verification, rate
// limiting and a durable cooldown ledger, and delegates custody to an
// external wallet agent.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devicegrid/nexa-faucet/pkg/api"
	"github.com/devicegrid/nexa-faucet/pkg/captcha"
	"github.com/devicegrid/nexa-faucet/pkg/config"
	"github.com/devicegrid/nexa-faucet/pkg/faucet"
	"github.com/devicegrid/nexa-faucet/pkg/ledger"
	"github.com/devicegrid/nexa-faucet/pkg/nexa"
	"github.com/devicegrid/nexa-faucet/pkg/observability"
	"github.com/devicegrid/nexa-faucet/pkg/ratelimit"
	"github.com/devicegrid/nexa-faucet/pkg/wallet"
)

func main() {
	if err := run(); err != nil {
		slog.Error("faucetd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "faucetd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	metrics, err := observability.New(ctx, observability.Config{
		ServiceName:  "nexa-faucet",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	limiter := ratelimit.New(ratelimit.Config{
		Window:         cfg.RateWindow,
		MaxPerOrigin:   cfg.RateMaxPerOrigin,
		MaxPerIdentity: cfg.RateMaxPerIdentity,
	})
	defer limiter.Close()

	verifier := captcha.New(cfg.CaptchaEndpoint, cfg.CaptchaSecret, cfg.CaptchaTimeout)
	agent := wallet.New(cfg.WalletAgentURL, cfg.WalletAgentTimeout)

	svc, err := faucet.New(faucet.Config{
		CooldownPeriod: cfg.CooldownPeriod,
		Amount:         cfg.Amount,
		RecentLimit:    cfg.RecentLimit,
	}, store, limiter, verifier, agent, metrics)
	if err != nil {
		return err
	}

	srv := api.NewServer(svc, api.Config{
		CORSOrigins:    cfg.CORSOrigins,
		AdminJWTSecret: cfg.AdminJWTSecret,
		HTTPRateRPS:    cfg.HTTPRateRPS,
		HTTPRateBurst:  cfg.HTTPRateBurst,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", httpServer.Addr,
			"db_driver", cfg.DBDriver,
			"cooldown", cfg.CooldownPeriod.String(),
			"amount", cfg.Amount,
			"amount_nexa", nexa.FormatNEXA(cfg.Amount))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openLedger(cfg config.Config) (ledger.Storage, error) {
	switch cfg.DBDriver {
	case "postgres":
		return ledger.OpenPostgres(cfg.DatabaseURL)
	default:
		return ledger.OpenSQLite(cfg.DBPath)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
