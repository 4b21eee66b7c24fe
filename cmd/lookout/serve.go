package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/lookout/pkg/activity"
	"github.com/cuemby/lookout/pkg/api"
	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/gateway"
	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/ingest"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Lookout server",
	Long: `Run the Lookout server: the HTTP API with the websocket and SSE
endpoints, and the gRPC event stream when a gRPC address is configured.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("grpc-addr", "", "gRPC listen address, empty disables (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("server")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer store.Close()

	var authz auth.Authorizer = auth.NewStoreAuthorizer(store, cfg.Auth.Admins...)
	if cfg.Auth.AllowAll {
		logger.Warn().Msg("access checks disabled, every user may view every application")
		authz = auth.AllowAll{}
	}

	broker := activity.NewBroker()
	broker.Start()
	defer broker.Stop()

	table := gateway.NewTable()
	h := hub.New(table,
		hub.WithShards(cfg.Hub.Shards),
		hub.WithOutboxSize(cfg.Hub.OutboxSize),
		hub.WithPushTimeout(cfg.Hub.PushTimeout),
		hub.WithActivity(broker),
	)
	defer h.Close()

	g := gateway.New(h, table, authz, gateway.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		UserHeader:     cfg.Auth.UserHeader,
		Activity:       broker,
	})

	critical := []string{metrics.ComponentStorage, metrics.ComponentHub, metrics.ComponentHTTP}
	if cfg.GRPCAddr != "" {
		critical = append(critical, metrics.ComponentGRPC)
	}
	checker := metrics.NewHealthChecker(Version, critical...)

	probe := api.NewHealthProbe(checker, store, h, 0)
	probe.Start()
	defer probe.Stop()

	collector := metrics.NewCollector(h, cfg.Hub.MetricsInterval)
	collector.Start()
	defer collector.Stop()

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	router := api.NewRouter(api.Deps{
		Gateway:  g,
		Ingest:   ingest.NewService(store, h),
		Store:    store,
		Authz:    authz,
		Identity: auth.Identity{Header: cfg.Auth.UserHeader},
		Health:   checker,
		Activity: broker,

		RateLimit: limiter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if limiter != nil {
		go limiter.Run(ctx, time.Minute)
	}

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", cfg.HTTPAddr, err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %v", err)
		}
	}()
	checker.Update(metrics.ComponentHTTP, true, httpLis.Addr().String())
	logger.Info().Str("addr", httpLis.Addr().String()).Msg("HTTP API listening")

	var grpcServer *api.GRPCServer
	if cfg.GRPCAddr != "" {
		grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %v", cfg.GRPCAddr, err)
		}
		grpcServer = api.NewGRPCServer(g)
		go func() {
			if err := grpcServer.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %v", err)
			}
		}()
		checker.Update(metrics.ComponentGRPC, true, grpcLis.Addr().String())
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	checker.Update(metrics.ComponentHTTP, false, "shutting down")

	// Close live subscriptions first so the servers are not left waiting
	// on streaming handlers
	g.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if grpcServer != nil {
		grpcServer.Stop(5 * time.Second)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
