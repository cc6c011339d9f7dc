package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"leasebond/internal/config"
	"leasebond/internal/idempotency"
	"leasebond/internal/lease"
	"leasebond/internal/ledger"
	"leasebond/internal/logging"
	"leasebond/internal/relay"
	"leasebond/internal/server"
	"leasebond/internal/settlement"
)

func main() {
	configPath := flag.String("config", os.Getenv("LEASEBOND_CONFIG"), "path to a yaml or json config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.LogLevel, nil); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	log := logging.NewSublogger("main")

	ctx := context.Background()
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	addresses, err := lease.FormatByName(cfg.Escrow.AddressFormat)
	if err != nil {
		log.WithError(err).Fatal("address format")
	}

	var store lease.Store = lease.NewMemoryStore()
	var pgStore *lease.PostgresStore
	if cfg.Storage.Driver == "postgres" {
		pgStore, err = lease.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("lease store error")
		}
		closers = append(closers, pgStore.Close)
		store = pgStore
	}

	idem, err := newIdempotencyStore(ctx, cfg, pgStore, &closers)
	if err != nil {
		log.WithError(err).Fatal("idempotency store error")
	}

	coord, err := settlement.New(settlement.Config{
		Branches:      cfg.Escrow.Branches,
		PenaltyExpiry: cfg.Escrow.PenaltyExpiry,
		RefundExpiry:  cfg.Escrow.RefundExpiry,
		BaseFee:       cfg.Escrow.BaseFee,
	}, store, addresses, logging.NewSublogger("settlement"))
	if err != nil {
		log.WithError(err).Fatal("coordinator error")
	}

	submitter, err := newSubmitter(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("ledger error")
	}
	var rel *relay.Relay
	if submitter != nil {
		rel = relay.New(coord, submitter, relay.Config{
			MaxElapsedTime: cfg.Relay.MaxElapsedTime,
			MaxInterval:    cfg.Relay.MaxInterval,
		}, logging.NewSublogger("relay"))
	}

	if cfg.Auth.HMACSecret == "" && cfg.Auth.Insecure {
		log.Warn("auth.insecure is set, caller headers are trusted as given")
	}
	log.WithFields(logrus.Fields{
		"storage":     cfg.Storage.Driver,
		"idempotency": cfg.Idempotency.Driver,
		"ledger":      cfg.Ledger.Driver,
		"branches":    cfg.Escrow.Branches,
	}).Info("starting")

	apiServer := server.NewServer(cfg, coord, rel, idem, logging.NewSublogger("server"))

	go func() {
		if err := apiServer.Start(); err != nil {
			log.WithError(err).Info("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

func newIdempotencyStore(ctx context.Context, cfg *config.Config, pg *lease.PostgresStore, closers *[]func()) (idempotency.Store, error) {
	switch cfg.Idempotency.Driver {
	case "postgres":
		if pg != nil {
			return idempotency.NewPostgresStoreFromPool(ctx, pg.Pool())
		}
		s, err := idempotency.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, s.Close)
		return s, nil
	case "redis":
		s, err := idempotency.NewRedisStore(ctx, idempotency.RedisConfig{
			Addr:     cfg.Idempotency.Redis.Addr,
			Username: cfg.Idempotency.Redis.Username,
			Password: cfg.Idempotency.Redis.Password,
			DB:       cfg.Idempotency.Redis.DB,
			Prefix:   cfg.Idempotency.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = s.Close() })
		return s, nil
	default:
		return idempotency.NewMemoryStore(cfg.Idempotency.CleanupInterval), nil
	}
}

// newSubmitter returns nil when no ledger is configured.
func newSubmitter(ctx context.Context, cfg *config.Config) (ledger.Submitter, error) {
	log := logging.NewSublogger("ledger")
	switch cfg.Ledger.Driver {
	case "fake":
		return ledger.NewFake(), nil
	case "rippled":
		return ledger.NewRippled(ledger.RippledConfig{
			URL:               cfg.Ledger.Rippled.URL,
			RequestTimeout:    cfg.Ledger.Rippled.RequestTimeout,
			BaseFee:           cfg.Escrow.BaseFee,
			ValidationTimeout: cfg.Ledger.Rippled.ValidationTimeout,
			PollInterval:      cfg.Ledger.Rippled.PollInterval,
		}, log)
	case "evm":
		return ledger.DialEVM(ctx, ledger.EVMConfig{
			RPCURL:          cfg.Ledger.EVM.RPCURL,
			ContractAddress: cfg.Ledger.EVM.ContractAddress,
		}, log)
	default:
		return nil, nil
	}
}
