package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ospulse/ospulse/server/internal/api"
	"github.com/ospulse/ospulse/server/internal/app"
	"github.com/ospulse/ospulse/server/internal/auth"
	"github.com/ospulse/ospulse/server/internal/config"
	"github.com/ospulse/ospulse/server/internal/ratelimit"
	"github.com/ospulse/ospulse/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	level := app.SetupLogging(cfg.Server.LogLevel)

	slog.Info("ospulse-server starting",
		"config", *configPath,
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"cache_backend", cfg.Cache.Backend,
		"projects", len(cfg.Projects),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, level)
	if err != nil {
		slog.Error("failed to build server", "err", err)
		os.Exit(1)
	}
	defer a.Close() //nolint:errcheck

	if a.Memory != nil {
		go a.Memory.Run(ctx)
	}

	// Hot-reload projects, weights, policies and log level.
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			if err := a.Reload(next); err != nil {
				slog.Warn("config reload rejected", "err", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watcher stopped", "err", err)
		}
	}()

	if cfg.Sync.Enabled {
		go a.Syncer().Run(ctx, cfg.Sync.Interval)
	}

	keys := auth.Keys(cfg.Server.Auth.KeyMap())
	header := cfg.Server.Auth.EffectiveHeader()

	// gRPC: standard health service behind API key and rate limit interceptors.
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(
			auth.APIKeyInterceptor(cfg.Server.Auth.Mode, header, keys),
			ratelimit.TableUnaryServerInterceptor(a.Limiter, a.Policies, config.RouteGRPC),
		))
		healthSrv := health.NewServer()
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthSrv.SetServingStatus("ospulse", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			slog.Error("failed to listen on gRPC port", "port", cfg.Server.GRPCPort, "err", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("gRPC health listening", "port", cfg.Server.GRPCPort)
			if err := grpcSrv.Serve(lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		}()
	}

	// WebSocket hub: pushes every rebuilt summary to UI clients.
	hub := ws.New(a.Summary, 30*time.Second)
	a.Summary.OnRebuild(hub.Notify)
	go hub.Run(ctx)

	handler := api.New(api.Options{
		Series:   a.Series,
		Fetcher:  a.Upstream,
		Summary:  a.Summary,
		Limiter:  a.Limiter,
		Policies: a.Policies,
		Auth:     auth.Middleware(cfg.Server.Auth.Mode, header, keys),
		Metrics:  a.Registry,
		Stream:   hub,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("ospulse-server shutting down")
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
