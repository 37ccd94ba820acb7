package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/echa/log"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/ledger"
	"github.com/cloudx-io/auctionpool/mempool"
	"github.com/cloudx-io/auctionpool/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUCTIOND_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	balances, err := ledger.OpenBolt(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer balances.Close()

	var (
		schedulerOpts []mempool.SchedulerOption
		houseOpts     = []bundle.Option{bundle.WithDefaultConfig(cfg.Auction)}
	)
	if cfg.Archive.Driver != "" {
		archive, err := store.Open(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer archive.Close()
		schedulerOpts = append(schedulerOpts, mempool.WithArchiver(archive))
		houseOpts = append(houseOpts, bundle.WithArchiver(archive))
		log.Infof("Archiving sealed windows and settlements to %s", cfg.Archive.Driver)
	}

	var attester EnclaveAttester
	if cfg.Attest {
		attester, err = getEnclaveAttester()
		if err != nil {
			log.Fatalf("Attestation requested but unavailable: %v", err)
		}
	} else {
		log.Warnf("Attestation disabled, receipts are signed but not attested")
	}

	keyManager, err := NewKeyManager()
	if err != nil {
		log.Fatalf("Failed to initialize key manager: %v", err)
	}
	log.Infof("Receipt signing key generated")

	scheduler := mempool.NewScheduler(mempool.NewCommitmentPool(), schedulerOpts...)
	house := bundle.NewHouse(balances, houseOpts...)
	sweeper := NewSweeper(scheduler, house, keyManager, attester, cfg.Windows)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx, cfg.SweepInterval)

	server := NewEnclaveServer(cfg, scheduler, house, keyManager, attester, sweeper)
	if err := server.Start(ctx); err != nil {
		log.Errorf("Server failed: %v", err)
		stop()
		return
	}
	log.Infof("Shutting down")
}
