// Command settled runs the off-chain settlement coordinator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forkshield/settle/pkg/api"
	"github.com/forkshield/settle/pkg/config"
	"github.com/forkshield/settle/pkg/fusion"
	"github.com/forkshield/settle/pkg/observability"
	"github.com/forkshield/settle/pkg/settle"
	"github.com/forkshield/settle/pkg/signature"
	"github.com/forkshield/settle/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("settled exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	fuser, err := buildFusionEngine(cfg)
	if err != nil {
		return err
	}
	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "settled",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	coordinator := settle.New(st,
		settle.WithFusionEngine(fuser),
		settle.WithVerifier(verifier),
		settle.WithObservability(obs),
		settle.WithLogger(logger.With("component", "settle")),
	)

	server, err := api.NewServer(coordinator)
	if err != nil {
		return err
	}

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		rl := api.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RateRPS, cfg.RateBurst)
		defer rl.Close()
		limiter = rl
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		limiter = api.NewLocalLimiter(cfg.RateRPS, cfg.RateBurst)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(limiter),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settled listening", "port", cfg.Port, "store", cfg.StoreDriver,
			"verify_mode", cfg.VerifyMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func buildFusionEngine(cfg *config.Config) (*fusion.Engine, error) {
	if cfg.WeightsPath == "" {
		return fusion.NewEngine(), nil
	}
	registry, threshold, err := fusion.LoadRegistry(cfg.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	return fusion.NewEngine(fusion.WithRegistry(registry), fusion.WithThreshold(threshold)), nil
}

func buildVerifier(cfg *config.Config) (signature.Verifier, error) {
	switch cfg.VerifyMode {
	case "", "none":
		return signature.Noop{}, nil
	case "ed25519":
		if cfg.AgentKeysPath == "" {
			return nil, errors.New("VERIFY_MODE=ed25519 requires AGENT_KEYS_PATH")
		}
		keys, err := signature.LoadKeys(cfg.AgentKeysPath)
		if err != nil {
			return nil, err
		}
		return signature.NewEd25519(keys)
	default:
		return nil, fmt.Errorf("unknown VERIFY_MODE %q", cfg.VerifyMode)
	}
}
