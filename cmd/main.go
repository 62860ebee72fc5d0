package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	api "raftmetrics/internal/http"
	"raftmetrics/pkg/cluster"
	"raftmetrics/pkg/config"
	"raftmetrics/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := cfg.Logger.NewLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewPrometheus()

	peers := make(map[uint64]string)
	selfAddr := "http://localhost" + cfg.Server.Addr
	for _, p := range cfg.Cluster.Peers {
		if p.ID == cfg.Cluster.NodeID {
			selfAddr = p.Address
			continue
		}
		peers[p.ID] = p.Address
	}
	transport := cluster.NewHTTPTransport(peers, logger)

	node, err := cluster.NewNode(cfg, transport, logger, collector)
	if err != nil {
		logger.Error("failed to initialize node", "error", err)
		os.Exit(1)
	}

	if cfg.Cluster.ZooKeeper.Enabled {
		membership, err := cluster.NewZKMembership(
			cfg.Cluster.ZooKeeper.Servers,
			cfg.Cluster.ZooKeeper.Root,
			cfg.Cluster.NodeID,
			selfAddr,
			cfg.Cluster.ZooKeeper.SessionTimeout(),
			logger,
		)
		if err != nil {
			logger.Error("failed to connect to zookeeper", "error", err)
			os.Exit(1)
		}
		defer membership.Close()

		if err := membership.RegisterSelf(); err != nil {
			logger.Error("failed to register in zookeeper", "error", err)
			os.Exit(1)
		}
		membership.RunWatch(ctx, transport)
	}

	port := strings.TrimPrefix(cfg.Server.Addr, ":")
	server := api.NewServer(node, port, collector.Handler(), logger)
	if err := server.Start(); err != nil {
		logger.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	logger.Info("raftmetrics started",
		"node_id", cfg.Cluster.NodeID,
		"shards", cfg.Cluster.NumShards,
		"addr", cfg.Server.Addr)

	runErr := make(chan error, 1)
	go func() {
		runErr <- node.Run(ctx)
	}()

	var exitCode int
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("node failed", "error", err)
			exitCode = 1
		}
	}

	if err := server.Stop(); err != nil {
		logger.Error("error stopping HTTP server", "error", err)
	}
	if err := node.Stop(); err != nil {
		logger.Error("error stopping node", "error", err)
	}

	logger.Info("raftmetrics stopped")
	os.Exit(exitCode)
}
