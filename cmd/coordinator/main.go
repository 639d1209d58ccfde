package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vpn-enterprise/vpncore/config"
	"github.com/vpn-enterprise/vpncore/coordinator"
	"github.com/vpn-enterprise/vpncore/provision"
	"github.com/vpn-enterprise/vpncore/server"
	"github.com/vpn-enterprise/vpncore/util/postgres"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		// Direct flags for running without a config file
		httpAddr   = flag.String("http", ":8080", "HTTP listen address")
		grpcAddr   = flag.String("grpc", "", "gRPC listen address (optional, e.g. ':9090')")
		etcdAddr   = flag.String("etcd", "", "Etcd address for fleet provisioning (optional)")
		etcdPrefix = flag.String("etcd-prefix", "", "Etcd key prefix for server definitions")
	)
	flag.Parse()

	var cfg *config.Config
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
		log.Printf("Starting coordinator with configuration from %s", *configFile)
	} else {
		cfg = config.Default()
		cfg.Server.HTTPAddr = *httpAddr
		cfg.Server.GRPCAddr = *grpcAddr
		if *etcdAddr != "" {
			cfg.Etcd.Endpoints = []string{*etcdAddr}
			cfg.Etcd.Prefix = *etcdPrefix
		}
		log.Printf("Starting coordinator with direct configuration (http: %s)", *httpAddr)
	}

	coord := coordinator.New(coordinator.Options{
		LoadCeiling: cfg.Balancer.LoadCeiling,
		Health:      cfg.HealthMonitor(),
		Sessions:    cfg.SessionTracker(),
		Stats:       cfg.StatsAggregator(),
	})

	// Optional archive database: finished sessions and periodic fleet
	// snapshots land in PostgreSQL.
	var flusher *postgres.Flusher
	if cfg.Postgres.Enabled() {
		db, err := postgres.NewDB(cfg.PostgresStore())
		if err != nil {
			log.Fatalf("Failed to open archive database: %v", err)
		}
		defer db.Close()

		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := db.InitSchema(initCtx); err != nil {
			log.Fatalf("Failed to initialize archive schema: %v", err)
		}
		cancel()

		interval := time.Duration(cfg.Postgres.FlushIntervalSeconds) * time.Second
		flusher = postgres.NewFlusher(db, coord.Registry(), interval)
		coord.Tracker().SetOnSessionEnded(flusher.EnqueueSession)
	}

	coord.Start()
	defer coord.Stop()

	if flusher != nil {
		flusher.Start()
		defer flusher.Stop()
	}

	// Optional provisioning: mirror server definitions from etcd into the
	// fleet catalog.
	if cfg.Etcd.Enabled() {
		watcher := provision.NewWatcher(coord.Registry(), cfg.GetEtcdAddress(), cfg.Etcd.Prefix)
		if err := watcher.Connect(); err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		if err := watcher.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start provisioning watch: %v", err)
		}
		defer watcher.Stop()
	}

	srv, err := server.NewServer(&server.Config{
		HTTPAddr: cfg.Server.HTTPAddr,
		GRPCAddr: cfg.Server.GRPCAddr,
	}, coord)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	defer srv.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)
}
