package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"arena-scenesync/internal/bootstrap"
	"arena-scenesync/internal/config"
	"arena-scenesync/internal/core/network"
	"arena-scenesync/internal/logging"
	"arena-scenesync/internal/session"
	"arena-scenesync/internal/syncapi"
	"arena-scenesync/internal/telemetry"
	"arena-scenesync/internal/topics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("arena-sync: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		config.Exitf("arena-sync: logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("arena-sync exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	shutdownTracing, err := telemetry.Setup(ctx, "arena-sync", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(tctx))
	}()

	conn, err := newConn(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := session.Options{Config: cfg, Conn: conn, Logger: logger, Registerer: reg}
	if cfg.PersistenceURL != "" {
		opts.Fetcher = bootstrap.NewFetcher(cfg.PersistenceURL, bootstrap.FetcherOptions{Logger: logger})
	}
	sess, err := session.New(opts)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	var apiOpts []syncapi.Option
	if mesh, ok := conn.(*network.Libp2pPubSub); ok {
		logger.Info("libp2p peer ready", zap.String("peer_id", mesh.PeerID()), zap.Strings("listen_addrs", mesh.ListenAddrs()))
		apiOpts = append(apiOpts, syncapi.WithMesh(mesh))
	}
	mux := http.NewServeMux()
	syncapi.NewServer(sess, logger, apiOpts...).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("arena-sync listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("scene", sess.Scene().Namespaced()),
			zap.String("id_tag", sess.Identity().IDTag))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(err, server.Shutdown(sctx))
	err = multierr.Append(err, sess.Stop(sctx))
	return err
}

func newConn(ctx context.Context, cfg config.Config, logger *zap.Logger) (network.Conn, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		return network.NewMQTTConn(network.MQTTOptions{BrokerURL: cfg.MQTTBrokerURL, Logger: logger})
	case config.TransportLibp2p:
		return network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs:     cfg.Libp2pListen,
			Bootstrap:       cfg.Libp2pBootstrap,
			Rendezvous:      cfg.Libp2pRendezvous,
			EnableMDNS:      cfg.Libp2pMDNS,
			IdentityKeyFile: cfg.Libp2pIdentityKey,
			PartitionDepth:  topics.RootDepth,
			Logger:          logger,
		})
	case config.TransportMemory:
		return network.NewMemoryPubSub().Client(), nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
}
