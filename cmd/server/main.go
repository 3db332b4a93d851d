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

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrquorum/internal/config"
	"github.com/ryandielhenn/zephyrquorum/internal/logging"
	"github.com/ryandielhenn/zephyrquorum/internal/telemetry"
	"github.com/ryandielhenn/zephyrquorum/pkg/gossip"
	"github.com/ryandielhenn/zephyrquorum/pkg/kv"
	"github.com/ryandielhenn/zephyrquorum/pkg/node"
	"github.com/ryandielhenn/zephyrquorum/pkg/registry"
	"github.com/ryandielhenn/zephyrquorum/pkg/replica"
	"github.com/ryandielhenn/zephyrquorum/pkg/ring"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("ZEPHYR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "zephyrquorum:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("node", cfg.Node.ID))
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Replicator for owner writes
	client := &http.Client{Timeout: 5 * time.Second}
	repl := replica.New(replica.NewHTTPSender(client),
		replica.WithTimeout(cfg.Replication.AckTimeout),
		replica.WithLogger(log),
		replica.WithObserver(telemetry.CollectorObserver{}),
		replica.WithRoundsGauge(telemetry.ReplicationRoundsInFlight),
	)

	// 2. Failure detector; a suspicion releases every round waiting on the peer
	// and new rounds stop waiting on it until it answers again
	var n *node.Node
	prober, err := gossip.NewProber(gossip.Config{
		Self:      gossip.Member{ID: gossip.NodeID(cfg.Node.ID), Addr: cfg.Node.Addr},
		Interval:  cfg.Detector.Interval,
		Threshold: cfg.Detector.Threshold,
		Transport: gossip.NewHTTPTransport(nil),
		Logger:    log,
		OnSuspect: func(id gossip.NodeID) {
			telemetry.SuspectsTotal.Inc()
			n.Suspect(string(id))
		},
	})
	if err != nil {
		return err
	}

	n = node.NewNodeRF(
		kv.NewStore(cfg.Store.Capacity),
		ring.New(cfg.Ring.Replicas, ring.FNV32a),
		cfg.Node.ID, cfg.Replication.Factor,
		node.WithAddr(cfg.Node.Addr),
		node.WithReplicator(repl),
		node.WithLogger(log),
		node.WithHTTPClient(client),
		node.WithSuspected(func(id string) bool { return prober.Suspected(gossip.NodeID(id)) }),
	)

	// 3. Register with etcd and follow the membership view
	log.Info("connecting to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	cli, err := registry.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return err
	}
	defer cli.Close()

	leaseID, cancelLease, err := registry.RegisterNode(ctx, cli, cfg.Node.ID, n.Addr(), cfg.Etcd.LeaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		cancelLease()
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = cli.Revoke(rctx, leaseID)
	}()

	err = registry.WatchPeers(ctx, cli, log, func(peers map[string]string) {
		n.SetPeers(peers)
		prober.SetPeers(peers)
	})
	if err != nil {
		return err
	}
	go prober.Run(ctx)

	// 4. Wire up HTTP node endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	n.Register(mux, telemetry.Instrument)

	srv := &http.Server{Addr: cfg.Node.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("listen", cfg.Node.Listen), zap.String("addr", n.Addr()),
			zap.Int("rf", cfg.Replication.Factor))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
