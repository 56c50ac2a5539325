package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhengjr9/coze-gateway/internal/config"
	"github.com/zhengjr9/coze-gateway/internal/coze"
	"github.com/zhengjr9/coze-gateway/internal/proxy"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting coze-gateway",
		"listen", cfg.ListenAddr,
		"api_base", cfg.APIBase,
		"default_bot", cfg.DefaultBotID,
		"mapped_models", len(cfg.BotConfig),
	)

	tokens, err := coze.NewTokenSource(cfg.APIBase, coze.SigningConfig{
		PrivateKeyPEM: cfg.PrivateKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		KeyID:         cfg.JWT.KeyID,
	}, cfg.RequestTimeout)
	if err != nil {
		slog.Error("failed to create token source", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := proxy.New(cfg, tokens)
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	case err := <-srvErr:
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
