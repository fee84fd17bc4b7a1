package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/loyalty/internal/balance"
	"github.com/iurnickita/loyalty/internal/catalog"
	"github.com/iurnickita/loyalty/internal/config"
	"github.com/iurnickita/loyalty/internal/expiry"
	"github.com/iurnickita/loyalty/internal/handler"
	"github.com/iurnickita/loyalty/internal/logger"
	"github.com/iurnickita/loyalty/internal/service"
	"github.com/iurnickita/loyalty/internal/store"
	"github.com/iurnickita/loyalty/internal/tier"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	tiers := tier.Default()
	if cfg.Service.TiersFile != "" {
		if tiers, err = tier.LoadTable(cfg.Service.TiersFile); err != nil {
			return err
		}
	}

	catalog := catalog.NewCatalog(store, zaplog)
	if cfg.Service.RewardsFile != "" {
		if _, err := catalog.Seed(ctx, cfg.Service.RewardsFile); err != nil {
			return err
		}
	}

	balance := balance.NewBalance(store, tiers, cfg.Service.MaxRetries, zaplog)
	service, err := service.NewService(cfg.Service, store, balance, catalog, tiers, zaplog)
	if err != nil {
		return err
	}
	defer service.Close()

	sweeper := expiry.NewSweeper(cfg.Expiry, store, balance, zaplog)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return handler.Serve(ctx, cfg.Handler, service, store, zaplog)
	})
	return g.Wait()
}
