package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryansname/pvcoordinator/internal/broker"
	"github.com/ryansname/pvcoordinator/internal/cache"
	"github.com/ryansname/pvcoordinator/internal/collector"
	"github.com/ryansname/pvcoordinator/internal/config"
	"github.com/ryansname/pvcoordinator/internal/coordinator"
	"github.com/ryansname/pvcoordinator/internal/model"
	"github.com/ryansname/pvcoordinator/internal/upstream"
)

const (
	cycleInterval      = 60 * time.Second
	probeInterval      = 10 * time.Second
	collectTimeout     = 5 * time.Second
	collectAttempts    = 3
	collectBaseBackoff = 100 * time.Millisecond
)

func main() {
	log.Println("Starting pvcoordinator...")

	once := flag.Bool("once", false, "run a single coordinator cycle and exit")
	debug := flag.Bool("debug", false, "report log level debug (no log call is filtered by level)")
	archiveAll := flag.Bool("archive-all", false, "administratively move every live cache row into the archive tables, then exit (spec.md §4.2)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Printf("pvcoordinator: log level %s\n", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheStore, err := cache.Open(cfg.SQLiteCachePath)
	if err != nil {
		log.Fatalf("cache: open %s: %v", cfg.SQLiteCachePath, err)
	}

	if *archiveAll {
		runArchiveAll(ctx, cacheStore)
		return
	}

	upstreamStore, err := upstream.Open(ctx, upstream.Config{
		DatabaseURL:    cfg.DatabaseURL,
		MaxConnections: cfg.DBMaxConnections,
		AcquireTimeout: cfg.DBHealthCheckTimeout,
		MaxFailures:    cfg.DBMaxFailures,
	})
	if err != nil {
		log.Printf("upstream: initial connect failed, starting degraded: %v\n", err)
	}

	brokerPub, err := broker.New(ctx, broker.Config{
		BrokerURL:       cfg.MQTTURL,
		Username:        cfg.MQTTUser,
		Password:        cfg.MQTTPassword,
		ClientIDPrefix:  cfg.MQTTClientIDPrefix,
		Device:          "pv_coordinator",
		DiscoveryPrefix: cfg.MQTTDiscoveryPrefix,
		BirthTopic:      cfg.MQTTBirthTopic,
		BirthPayload:    cfg.MQTTBirthPayload,
		LastWillTopic:   cfg.MQTTLastWillTopic,
		LastWillPayload: cfg.MQTTLastWillPayload,
		KeepAliveSecs:   int(cfg.MQTTKeepAlive / time.Second),
		QoS:             cfg.MQTTQoS,
	})
	if err != nil {
		log.Fatalf("broker: connect: %v", err)
	}
	if err := brokerPub.EnsureDiscovery(); err != nil {
		log.Printf("broker: discovery publish failed: %v\n", err)
	}

	collectorClient := collector.New(cfg.PVBaseAddress, collectTimeout)
	collect := func(ctx context.Context) (model.RawSample, error) {
		return collector.CollectWithRetry(ctx, collectorClient, collectAttempts, collectBaseBackoff)
	}

	params := model.BatteryParams{
		MaxCapacityWh:     cfg.MaxBatteryEnergyWh,
		EmptyThresholdPct: cfg.EmptyThresholdPct,
	}

	co := coordinator.New(cacheStore, upstreamStore, brokerPub, collect, params, coordinator.Config{
		CycleInterval:  cycleInterval,
		ProbeInterval:  probeInterval,
		DrainBatchSize: cfg.CacheSyncBatch,
	})

	if *once {
		state, err := co.Step(ctx, coordinator.State{Kind: coordinator.KindHealthy})
		if err != nil {
			log.Fatalf("pvcoordinator: cycle failed: %v", err)
		}
		log.Printf("pvcoordinator: single cycle complete, state=%s\n", state.Kind)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- co.Run(ctx)
	}()

	select {
	case <-sigChan:
		log.Println("pvcoordinator: shutting down...")
		cancel()
	case err := <-runErr:
		if err != nil {
			log.Printf("pvcoordinator: run exited with error: %v\n", err)
		}
		return
	}

	<-runErr
}

// runArchiveAll is the administrative path of spec.md §4.2: move every
// live cache row into its archive table unconditionally, independent of
// the normal drain-on-recovery flow. Intended for operator-triggered
// cache cleanup (e.g. before a disk-space-constrained restart), not for
// the shutdown sequence, which already archives via drainBoth.
func runArchiveAll(ctx context.Context, cacheStore *cache.Store) {
	defer func() {
		if err := cacheStore.Close(); err != nil {
			log.Printf("cache: close error: %v\n", err)
		}
	}()

	powerArchived, err := cacheStore.ArchiveAllPower(ctx)
	if err != nil {
		log.Fatalf("cache: archive-all power: %v", err)
	}
	energyArchived, err := cacheStore.ArchiveAllEnergy(ctx)
	if err != nil {
		log.Fatalf("cache: archive-all energy: %v", err)
	}
	log.Printf("pvcoordinator: archive-all complete, power=%d energy=%d\n", powerArchived, energyArchived)
}
