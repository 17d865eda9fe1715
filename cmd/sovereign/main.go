// The sovereign daemon runs the full trading control plane: webhook ingress,
// the HITL approval gateway, the risk governor, the Guardian hard stop, and
// the operator API, all coordinated by the orchestrator.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/api"
	"github.com/ajitpratap0/sovereign/internal/audit"
	"github.com/ajitpratap0/sovereign/internal/breaker"
	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/exchange"
	"github.com/ajitpratap0/sovereign/internal/guardian"
	"github.com/ajitpratap0/sovereign/internal/hitl"
	"github.com/ajitpratap0/sovereign/internal/ingress"
	"github.com/ajitpratap0/sovereign/internal/market"
	"github.com/ajitpratap0/sovereign/internal/metrics"
	"github.com/ajitpratap0/sovereign/internal/notify"
	"github.com/ajitpratap0/sovereign/internal/orchestrator"
	"github.com/ajitpratap0/sovereign/internal/orders"
	"github.com/ajitpratap0/sovereign/internal/policy"
	"github.com/ajitpratap0/sovereign/internal/rgi"
	"github.com/ajitpratap0/sovereign/internal/risk"
)

const shutdownGrace = 15 * time.Second

// Mock venue parameters. The live exchange adapter ships separately; until it
// is wired in, the daemon refuses to start without MOCK_MODE.
var (
	mockStartEquity = decimal.RequireFromString("100000.00")
	mockBookSymbol  = "XBTZAR"
	mockBookBid     = decimal.RequireFromString("499000")
	mockBookAsk     = decimal.RequireFromString("501000")
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// SEC-040: a missing or invalid key never degrades to a default.
		log.Fatal().Err(err).Msg("Configuration rejected; refusing to start")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Daemon exited with error")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		return err
	}
	defer database.Close()
	pool := database.Pool()

	bus := events.NewBus(log.Logger)
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectBase, log.Logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		bus.Mirror(pub)
	}

	auditLog := audit.NewLogger(pool)

	guard := guardian.New(cfg.Guardian, bus, auditLog, log.Logger)
	if err := guard.Rehydrate(); err != nil {
		return err
	}

	client, quotes, err := buildVenue(cfg)
	if err != nil {
		return err
	}

	signalStore := db.NewSignalStore(pool)
	approvalStore := db.NewApprovalStore(pool)
	tradeStore := db.NewTradeStore(pool)
	trustStore := db.NewTrustStore(pool)

	gateway := hitl.New(cfg.HITL, approvalStore, guard, quotes, bus, auditLog, log.Logger)

	// The trade-history breaker anchors daily PnL on the Guardian's
	// start-of-day equity; before the first vitals check it falls back to a
	// live equity read.
	brk := breaker.New(tradeStore, func(ctx context.Context) (decimal.Decimal, error) {
		if eq, ok := guard.StartOfDayEquity(); ok {
			return eq, nil
		}
		return client.Equity(ctx)
	}, log.Logger)

	ing := ingress.New(cfg.Webhook, signalStore, log.Logger)
	pol := policy.New(auditLog, log.Logger)
	synth := rgi.New(trustStore, log.Logger)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Bus:      bus,
		Audit:    auditLog,
		Guardian: guard,
		Breaker:  brk,
		Governor: risk.NewGovernor(cfg.Risk, log.Logger),
		Policy:   pol,
		RGI:      synth,
		Trainer:  rgi.NewTrainer(tradeStore, trustStore, log.Logger),
		Gateway:  gateway,
		Orders:   orders.NewManager(client, bus, auditLog, cfg.Exchange.MockMode, log.Logger),
		Client:   client,
		Trades:   tradeStore,
		Signals:  ing.Queue(),
		Health:   dbHealth(database),
	}, log.Logger)

	if err := wireAlerts(cfg, bus); err != nil {
		return err
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, log.Logger)
		if err := metricsServer.Start(); err != nil {
			return err
		}
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	apiServer := api.NewServer(cfg.API, api.Deps{
		Ingress:  ing,
		Gateway:  gateway,
		Guardian: guard,
		Policy:   pol,
		RGI:      synth,
		Bus:      bus,
	}, log.Logger)

	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start() }()

	log.Info().Str("app", cfg.App.Name).Msg("Control plane running")

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API shutdown failed")
	}
	orch.Stop()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// buildVenue constructs the execution client and quote provider. Only the
// mock venue is available in this build; both are wrapped in the resilience
// layers the live adapter will use.
func buildVenue(cfg *config.Config) (exchange.Client, market.Provider, error) {
	if !cfg.Exchange.MockMode {
		return nil, nil, fmt.Errorf("no live exchange adapter is built in; set MOCK_MODE=true")
	}

	mock := exchange.NewMockClient(mockStartEquity)
	mock.AutoFill(1, decimal.NewFromInt(1), decimal.Zero)

	book := market.NewMockProvider()
	book.Set(mockBookSymbol, mockBookBid, mockBookAsk)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	io := breaker.NewIOManager()
	return exchange.NewResilient(mock, io), market.NewCachedProvider(book, redisClient, 0), nil
}

// dbHealth probes database liveness for the policy health gate. A failed
// ping degrades health, which holds signals NEUTRAL without latching HALT.
func dbHealth(database *db.DB) orchestrator.HealthFunc {
	return func(ctx context.Context) string {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := database.Health(pctx); err != nil {
			return "DEGRADED"
		}
		return policy.HealthGreen
	}
}

// wireAlerts attaches the configured alert channels to the event bus.
func wireAlerts(cfg *config.Config, bus *events.Bus) error {
	var alerters []notify.Alerter
	if cfg.Notify.DiscordWebhookURL != "" {
		discord, err := notify.NewDiscordAlerter(cfg.Notify.DiscordWebhookURL)
		if err != nil {
			return err
		}
		alerters = append(alerters, discord)
	}
	if len(alerters) == 0 {
		log.Info().Msg("No alert channels configured; operator alerts are log-only")
	}
	notify.NewManager(alerters...).SubscribeBus(bus)
	return nil
}
