// Command controlplaned runs the DeCloud control plane: the tenant and
// node-agent HTTP APIs, the placement and lifecycle engines, and the
// billing/settlement pipeline against the on-chain escrow.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	app "github.com/decloud/controlplane/internal/app"
	"github.com/decloud/controlplane/internal/app/httpapi"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/storage/postgres"
	"github.com/decloud/controlplane/internal/config"
	"github.com/decloud/controlplane/internal/platform/database"
	"github.com/decloud/controlplane/internal/platform/migrations"
	platformredis "github.com/decloud/controlplane/internal/platform/redis"
	"github.com/decloud/controlplane/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file (optional)")
	flag.Parse()

	log := logger.NewDefault("controlplaned")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Error("load config failed")
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("controlplaned exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stores storage.Stores
	if cfg.DatabaseDSN != "" {
		db, err := database.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := migrations.Apply(ctx, db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		// Reads are served from the in-memory projection; every mutation
		// lands in Postgres before it is acknowledged.
		wt := storage.NewWriteThrough(storage.NewMemory(), postgres.New(db))
		if err := wt.Load(ctx); err != nil {
			return fmt.Errorf("load state from database: %w", err)
		}
		stores = storage.Stores{
			Nodes:        wt,
			VMs:          wt,
			Obligations:  wt,
			Usage:        wt,
			Deposits:     wt,
			Routes:       wt,
			CreditGrants: wt,
			Commands:     wt,
		}
	} else {
		log.Warn("no database DSN configured; state is in-memory only")
	}

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		client, err := platformredis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer client.Close()
		redisClient = client
	}

	application, err := app.New(ctx, stores, log,
		app.WithRuntimeConfig(app.RuntimeConfig{
			EscrowRPCURL:          cfg.Escrow.RPCURL,
			EscrowContractAddress: cfg.Escrow.ContractAddress,
			EscrowSignerKeyHex:    cfg.Escrow.SignerKeyHex,
			RequiredConfirmations: cfg.Escrow.RequiredConfirmations,
			ChainID:               cfg.Escrow.ChainID,
			BillingInterval:       cfg.BillingInterval(),
			SettlementInterval:    cfg.SettlementInterval(),
			MinSettlementAmount:   cfg.Billing.MinSettlementAmount,
			BatchSettlement:       cfg.Billing.BatchSettlement,
			MaxBillingFailures:    cfg.Billing.MaxBillingFailures,
		}),
		app.WithRedis(redisClient),
	)
	if err != nil {
		return err
	}

	promoCodes := make([]httpapi.PromoCode, 0, len(cfg.Promos))
	for _, p := range cfg.Promos {
		promoCodes = append(promoCodes, httpapi.PromoCode{Code: p.Code, Amount: p.Amount, ValidDays: p.ValidDays})
	}

	handler := httpapi.NewHandler(
		application.Lifecycle,
		application.Balance,
		application.Bus,
		application.Stores.Nodes,
		application.Reconciler,
		application.ObligationHandlers,
		application.Proxy,
		application.Hub,
		httpapi.NewPromoRegistry(promoCodes, application.Stores.CreditGrants),
		application.DescriptorProviders(),
		log,
	)
	auth := httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.APIKeys, log)
	limiter := httpapi.NewRateLimiter(redisClient, cfg.Auth.RateLimit.MaxRequests, cfg.RateLimitWindow(), log)
	httpService := httpapi.NewService(handler, auth, limiter, cfg.ListenAddr, log)
	if err := application.RegisterService(httpService); err != nil {
		return err
	}

	if err := application.Start(ctx); err != nil {
		return err
	}
	log.WithField("addr", cfg.ListenAddr).Info("control plane started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return application.Stop(stopCtx)
}
