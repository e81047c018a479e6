// Command tuya-host serves the sandbox native handlers for the Tuya plugin over
// TCP, and over NATS when a NATS URL is configured.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"tuya-bridge/config"
	"tuya-bridge/internal/sandbox"
	"tuya-bridge/middleware"
	"tuya-bridge/natsbridge"
	"tuya-bridge/registry"
	"tuya-bridge/server"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("tuya-host stopped", zap.Error(err))
	}
}

func newServer(cfg *config.Config, logger *zap.Logger, promReg prometheus.Registerer) *server.Server {
	srv := server.NewServer(cfg.PluginID, server.WithLogger(logger), server.WithRegisterTTL(cfg.Host.RegisterTTL))
	srv.Use(middleware.LoggingMiddleware(logger))
	srv.Use(middleware.MetricsMiddleware(middleware.NewMetrics(promReg, "tuya_bridge"), srv.Handles))
	if cfg.Host.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Host.RateLimit, cfg.Host.RateBurst))
	}
	if cfg.Host.Timeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Host.Timeout))
	}
	sandbox.New(sandbox.WithFrameInterval(cfg.Host.FrameEvery), sandbox.WithLogger(logger.Named("sandbox"))).Register(srv)
	return srv
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := newServer(cfg, logger, promReg)

	// Hosts only announce themselves in etcd; static addresses are client-side.
	var reg registry.Registry
	if len(cfg.Client.RegistryEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Client.RegistryEndpoints, logger)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	var natsHost *natsbridge.Host
	if cfg.Client.NATSURL != "" {
		nc, err := nats.Connect(cfg.Client.NATSURL,
			nats.Name("tuya-host"),
			nats.ReconnectWait(time.Second),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		natsHost, err = natsbridge.Serve(nc, srv,
			natsbridge.WithPrefix(cfg.Client.NATSPrefix),
			natsbridge.WithCodec(cfg.CodecType()),
			natsbridge.WithLogger(logger),
		)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve("tcp", cfg.Host.Listen, cfg.Host.Advertise, reg)
	})
	g.Go(func() error {
		<-ctx.Done()
		if natsHost != nil {
			if err := natsHost.Shutdown(shutdownTimeout); err != nil {
				logger.Warn("nats shutdown", zap.Error(err))
			}
		}
		return srv.Shutdown(shutdownTimeout)
	})

	if cfg.Host.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: cfg.Host.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("tuya-host started", zap.String("plugin", cfg.PluginID), zap.String("listen", cfg.Host.Listen),
		zap.Bool("nats", cfg.Client.NATSURL != ""), zap.String("metrics", cfg.Host.MetricsAddr))
	return g.Wait()
}
