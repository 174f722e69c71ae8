package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hxuchen/snarkOS/api"
	"github.com/hxuchen/snarkOS/config"
	"github.com/hxuchen/snarkOS/observability/logging"
	telemetry "github.com/hxuchen/snarkOS/observability/otel"
	"github.com/hxuchen/snarkOS/p2p"
	"github.com/hxuchen/snarkOS/p2p/seeds"
)

const (
	envName         = "SNARKOS_ENV"
	seedTimeout     = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file (.toml or .yaml)")
	listenFlag := flag.String("listen", "", "Override the p2p listen address")
	apiFlag := flag.String("api", "", "Override the operator API address; \"off\" disables it")
	bootnodeFlag := flag.Bool("bootnode", false, "Run as a bootnode")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.ListenAddress = *listenFlag
	}
	if *apiFlag != "" {
		cfg.API.Address = *apiFlag
	}
	if *bootnodeFlag {
		cfg.P2P.IsBootnode = true
	}
	if cfg.Environment == "" {
		cfg.Environment = strings.TrimSpace(os.Getenv(envName))
	}

	logger := logging.Setup(logging.Options{
		Service:    "p2pd",
		Env:        cfg.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Redact:     !cfg.Log.DisableRedaction,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("p2pd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv("p2pd", cfg.Environment))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	node, err := p2p.NewNode(cfg.NodeConfig(), p2p.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := node.Shutdown(shutdownCtx); err != nil {
			logger.Warn("p2p shutdown incomplete", slog.Any("error", err))
		}
	}()

	if len(cfg.P2P.DNSSeeds) > 0 {
		if err := addSeeds(ctx, node, cfg, logger); err != nil {
			logger.Warn("dns seed resolution incomplete", slog.Any("error", err))
		}
	}

	if err := node.Listen(ctx); err != nil {
		return err
	}
	services, err := node.StartServices()
	if err != nil {
		return err
	}
	logger.Info("p2pd running",
		slog.String("node_id", node.NodeID()),
		slog.String("listen", node.ListenAddress().String()),
		slog.Any("tasks", services.Tasks()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-services.Done():
			return services.Err()
		case <-gctx.Done():
			return nil
		}
	})

	if addr := strings.TrimSpace(cfg.API.Address); addr != "" && addr != "off" {
		obs, err := api.NewObservability(nil, logger)
		if err != nil {
			return fmt.Errorf("api metrics: %w", err)
		}
		server, err := api.NewServer(addr, api.NewRouter(api.Config{Node: node, Logger: logger, Observability: obs}), logger)
		if err != nil {
			return fmt.Errorf("api listen %s: %w", addr, err)
		}
		g.Go(server.Serve)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("p2pd stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// addSeeds resolves the configured DNS seeds and records them as bootnodes.
func addSeeds(ctx context.Context, node *p2p.Node, cfg *config.Config, logger *slog.Logger) error {
	var resolver seeds.Resolver = seeds.System()
	if server := strings.TrimSpace(cfg.P2P.DNSServer); server != "" {
		resolver = seeds.NewDNSResolver(server, 0)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()
	resolved, err := seeds.Resolve(lookupCtx, resolver, cfg.P2P.DNSSeeds, listenPort(cfg.ListenAddress))
	if len(resolved) > 0 {
		if addErr := node.AddBootnodes(resolved...); addErr != nil {
			err = errors.Join(err, addErr)
		}
	}
	logger.Info("dns seeds resolved", slog.Int("seeds", len(cfg.P2P.DNSSeeds)), slog.Int("addresses", len(resolved)))
	return err
}

func listenPort(addr string) uint16 {
	_, raw, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
