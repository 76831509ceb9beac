// Package app assembles the control plane: stores, domain services,
// background tickers, and the lifecycle manager that starts and stops them
// deterministically.
package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	goredis "github.com/redis/go-redis/v9"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/events"
	"github.com/decloud/controlplane/internal/app/proxy"
	"github.com/decloud/controlplane/internal/app/services/attestation"
	balancesvc "github.com/decloud/controlplane/internal/app/services/balance"
	billingsvc "github.com/decloud/controlplane/internal/app/services/billing"
	"github.com/decloud/controlplane/internal/app/services/commandbus"
	depositsvc "github.com/decloud/controlplane/internal/app/services/deposits"
	escrowsvc "github.com/decloud/controlplane/internal/app/services/escrow"
	lifecyclesvc "github.com/decloud/controlplane/internal/app/services/lifecycle"
	obligationsvc "github.com/decloud/controlplane/internal/app/services/obligations"
	relaysvc "github.com/decloud/controlplane/internal/app/services/relay"
	schedulersvc "github.com/decloud/controlplane/internal/app/services/scheduler"
	settlementsvc "github.com/decloud/controlplane/internal/app/services/settlement"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// RuntimeConfig captures environment-dependent wiring resolved once at
// construction time.
type RuntimeConfig struct {
	EscrowRPCURL          string
	EscrowContractAddress string
	EscrowSignerKeyHex    string
	RequiredConfirmations int64
	ChainID               int64
	BillingInterval       time.Duration
	SettlementInterval    time.Duration
	MinSettlementAmount   float64
	BatchSettlement       bool
	MaxBillingFailures    int
}

// Environment exposes a simple lookup mechanism which callers can implement
// to inject configuration without touching process env (tests).
type Environment interface {
	Lookup(key string) string
}

type osEnvironment struct{}

func (osEnvironment) Lookup(key string) string { return os.Getenv(key) }

// Option customises the application runtime.
type Option func(*builderConfig)

type builderConfig struct {
	environment Environment
	runtime     *RuntimeConfig
	redis       *goredis.Client
}

// WithRuntimeConfig overrides the runtime configuration used when wiring.
func WithRuntimeConfig(cfg RuntimeConfig) Option {
	return func(b *builderConfig) { b.runtime = &cfg }
}

// WithEnvironment provides a custom environment lookup used when no
// explicit runtime config is supplied.
func WithEnvironment(env Environment) Option {
	return func(b *builderConfig) {
		if env != nil {
			b.environment = env
		}
	}
}

// WithRedis supplies the optional Redis client used by the proxy's route
// cache.
func WithRedis(client *goredis.Client) Option {
	return func(b *builderConfig) { b.redis = client }
}

// Application builds and holds every control plane component.
type Application struct {
	log     *logger.Logger
	manager *system.Manager

	Stores             storage.Stores
	Hub                *events.Hub
	Bus                *commandbus.Bus
	Scheduler          *schedulersvc.Scheduler
	SchedulerConfig    *schedulersvc.Config
	Attestation        *attestation.Tracker
	Lifecycle          *lifecyclesvc.Manager
	Reconciler         *obligationsvc.Reconciler
	ObligationHandlers *obligationsvc.Handlers
	Relay              *relaysvc.Manager
	Escrow             *escrowsvc.Adapter
	Balance            *balancesvc.Engine
	Deposits           *depositsvc.Monitor
	Billing            *billingsvc.Ticker
	Settlement         *settlementsvc.Ticker
	Proxy              *proxy.Proxy
}

// New wires the application. Nil stores default to a shared in-memory
// projection; the escrow adapter is only constructed when an RPC endpoint
// is configured.
func New(ctx context.Context, stores storage.Stores, log *logger.Logger, opts ...Option) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("controlplane")
	}

	cfg := builderConfig{environment: osEnvironment{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	runtime := resolveRuntime(cfg)

	mem := storage.NewMemory()
	stores.ApplyDefaults(mem)

	app := &Application{
		log:     log,
		manager: system.NewManager(),
		Stores:  stores,
		Hub:     events.NewHub(),
	}

	app.Bus = commandbus.New(stores.Commands, stores.Nodes, log)
	app.SchedulerConfig = schedulersvc.NewConfig()
	app.Scheduler = schedulersvc.New(stores.Nodes, stores.VMs, app.SchedulerConfig, log)
	app.Attestation = attestation.NewTracker(log)
	app.Lifecycle = lifecyclesvc.NewManager(stores.VMs, stores.Nodes, stores.Routes, app.Scheduler, app.Bus, app.Attestation, app.Hub, log)
	app.Lifecycle.RegisterResultHandlers(func(typ command.Type, fn func(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error) {
		app.Bus.RegisterResultHandler(typ, commandbus.ResultHandlerFunc(fn))
	})

	app.Relay = relaysvc.NewManager(stores.Nodes, stores.VMs, app.Bus, log)
	app.Reconciler = obligationsvc.NewReconciler(stores.Obligations, log)
	app.ObligationHandlers = obligationsvc.NewHandlers(stores.Nodes, stores.VMs, app.Lifecycle, app.Relay, log)
	app.ObligationHandlers.RegisterAll(app.Reconciler)

	if runtime.EscrowRPCURL != "" {
		signer, err := parseSignerKey(runtime.EscrowSignerKeyHex)
		if err != nil {
			return nil, err
		}
		adapter, err := escrowsvc.New(ctx, runtime.EscrowRPCURL, common.HexToAddress(runtime.EscrowContractAddress), signer, log)
		if err != nil {
			return nil, err
		}
		app.Escrow = adapter
	} else {
		log.Warn("escrow RPC not configured; running without chain connectivity")
	}

	var chainReader balancesvc.ChainReader
	if app.Escrow != nil {
		chainReader = app.Escrow
	}
	app.Balance = balancesvc.New(chainReader, stores.Deposits, stores.Usage, stores.CreditGrants, runtime.RequiredConfirmations)

	app.Billing = billingsvc.NewTicker(stores.VMs, stores.Usage, stores.CreditGrants, app.Attestation, app.Balance, app.Lifecycle, log)
	if runtime.BillingInterval > 0 {
		app.Billing.WithInterval(runtime.BillingInterval)
	}
	if runtime.MaxBillingFailures > 0 {
		app.Billing.WithMaxFails(runtime.MaxBillingFailures)
	}
	app.Billing.WithEmitter(app.Hub)

	if app.Escrow != nil {
		app.Deposits = depositsvc.NewMonitor(app.Escrow, stores.Deposits, runtime.RequiredConfirmations, runtime.ChainID, log).
			WithEmitter(app.Hub)
		app.Settlement = settlementsvc.NewTicker(stores.Usage, stores.Nodes, app.Escrow, runtime.BatchSettlement, log).
			WithMinAmount(runtime.MinSettlementAmount)
		if runtime.SettlementInterval > 0 {
			app.Settlement.WithInterval(runtime.SettlementInterval)
		}
	}

	app.Proxy = proxy.New(stores.Routes, stores.VMs, stores.Nodes, cfg.redis, log)

	// Registration order is start order; Stop unwinds in reverse so the
	// ingress-facing pieces go down before the engines they call into.
	for _, svc := range []system.Service{
		app.Bus,
		app.Attestation,
		app.Lifecycle,
		app.Reconciler,
		app.Billing,
	} {
		if err := app.manager.Register(svc); err != nil {
			return nil, err
		}
	}
	if app.Deposits != nil {
		if err := app.manager.Register(app.Deposits); err != nil {
			return nil, err
		}
	}
	if app.Settlement != nil {
		if err := app.manager.Register(app.Settlement); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// RegisterService adds an externally built service (the HTTP API) to the
// managed lifecycle. Must be called before Start.
func (a *Application) RegisterService(svc system.Service) error {
	return a.manager.Register(svc)
}

// DescriptorProviders exposes every registered descriptor provider for the
// introspection endpoint.
func (a *Application) DescriptorProviders() []system.DescriptorProvider {
	return a.manager.DescriptorProviders()
}

// Start brings every registered service up in order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop tears services down in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.Escrow != nil {
		a.Escrow.Close()
	}
	return err
}

func resolveRuntime(cfg builderConfig) RuntimeConfig {
	if cfg.runtime != nil {
		return normalizeRuntime(*cfg.runtime)
	}
	env := cfg.environment
	rt := RuntimeConfig{
		EscrowRPCURL:          env.Lookup("DECLOUD_ESCROW_RPC_URL"),
		EscrowContractAddress: env.Lookup("DECLOUD_ESCROW_CONTRACT"),
		EscrowSignerKeyHex:    env.Lookup("DECLOUD_ESCROW_SIGNER_KEY"),
	}
	if v := env.Lookup("DECLOUD_REQUIRED_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rt.RequiredConfirmations = n
		}
	}
	if v := env.Lookup("DECLOUD_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rt.ChainID = n
		}
	}
	if v := env.Lookup("DECLOUD_BATCH_SETTLEMENT"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			rt.BatchSettlement = true
		}
	}
	return normalizeRuntime(rt)
}

func normalizeRuntime(rt RuntimeConfig) RuntimeConfig {
	if rt.RequiredConfirmations <= 0 {
		rt.RequiredConfirmations = 20
	}
	if rt.MinSettlementAmount <= 0 {
		rt.MinSettlementAmount = settlementsvc.DefaultMinSettlementAmount
	}
	return rt
}

func parseSignerKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("escrow signer key required when escrow RPC is configured")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse escrow signer key: %w", err)
	}
	return key, nil
}
