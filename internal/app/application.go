package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/events"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/access"
	custodysvc "github.com/jsegovia1984/KipuBankV2/internal/app/services/custody"
	pricefeedsvc "github.com/jsegovia1984/KipuBankV2/internal/app/services/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/transfer"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/valuation"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage/memory"
	"github.com/jsegovia1984/KipuBankV2/internal/app/system"
	"github.com/jsegovia1984/KipuBankV2/internal/config"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger     storage.LedgerStore
	Roles      storage.RoleStore
	PriceFeeds storage.PriceFeedStore
}

// Transfers overrides the asset movement collaborators. When unset and the
// local vault is enabled, an in-memory Vault serves both directions.
type Transfers struct {
	Inbound  transfer.Inbound
	Outbound transfer.Outbound
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Custody    *custodysvc.Service
	Access     *access.Controller
	PriceFeeds *pricefeedsvc.Service
	Oracle     *pricefeedsvc.Oracle
	Refresher  *pricefeedsvc.Refresher
	Events     *events.Hub
	// Vault is nil unless the local vault is in use.
	Vault *transfer.Vault
}

// New builds a fully initialised application: the ledger is seeded, the
// deployer holds ADMIN and MANAGER, and the reference price feed exists.
func New(ctx context.Context, cfg config.Config, stores Stores, transfers *Transfers, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Roles == nil {
		stores.Roles = mem
	}
	if stores.PriceFeeds == nil {
		stores.PriceFeeds = mem
	}

	manager := system.NewManager(log.Named("system"))

	accessCtl := access.New(stores.Roles, log.Named("access"))
	if err := accessCtl.Bootstrap(ctx, cfg.Bank.Deployer); err != nil {
		return nil, fmt.Errorf("bootstrap roles: %w", err)
	}

	priceService := pricefeedsvc.New(stores.PriceFeeds, log.Named("pricefeed"))
	feed, err := priceService.EnsureFeed(ctx, pricefeedsvc.FeedSpec{
		BaseAsset:  cfg.Oracle.BaseAsset,
		QuoteAsset: cfg.Oracle.QuoteAsset,
		Schedule:   cfg.Oracle.Schedule,
		SourceURL:  cfg.Oracle.SourceURL,
		PricePath:  cfg.Oracle.PricePath,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure reference feed: %w", err)
	}
	oracle := priceService.Oracle(feed.ID)

	engine := valuation.New(oracle, cfg.Bank.NativePrecision, valuation.WithHeartbeat(cfg.Oracle.Heartbeat))

	hub := events.NewHub(log.Named("events"))
	publishers := events.Multi{hub}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := events.NewRedisClient(addr, cfg.Redis.Password, cfg.Redis.DB)
		publishers = append(publishers, events.NewRedisPublisher(client, cfg.Redis.Channel))
		log.WithField("addr", addr).Info("publishing records to redis")
	}

	opts := []custodysvc.Option{custodysvc.WithPublisher(publishers)}
	var vault *transfer.Vault
	switch {
	case transfers != nil:
		opts = append(opts, custodysvc.WithTransfers(transfers.Inbound, transfers.Outbound))
	case cfg.Bank.LocalVault:
		vault = transfer.NewVault(log.Named("vault"))
		opts = append(opts, custodysvc.WithTransfers(vault, vault))
		log.Warn("BANK_LOCAL_VAULT enabled; assets are held in memory")
	default:
		log.Warn("no transfer collaborators configured; deposits and withdrawals will fail")
	}

	custodyService := custodysvc.New(stores.Ledger, accessCtl, engine, log.Named("custody"), opts...)
	initialCap, err := cfg.Bank.Cap()
	if err != nil {
		return nil, err
	}
	if err := custodyService.Initialize(ctx, initialCap); err != nil {
		return nil, fmt.Errorf("initialize custody: %w", err)
	}

	refresher := pricefeedsvc.NewRefresher(priceService, log.Named("pricefeed"))
	if endpoint := strings.TrimSpace(cfg.Oracle.SourceURL); endpoint != "" {
		httpClient := &http.Client{Timeout: 10 * time.Second}
		fetcher, err := pricefeedsvc.NewHTTPFetcher(httpClient, endpoint, cfg.Oracle.Token, log.Named("pricefeed"))
		if err != nil {
			log.WithError(err).Warn("configure price feed fetcher")
		} else {
			refresher.WithFetcher(fetcher)
		}
	} else {
		log.Warn("PRICEFEED_FETCH_URL not set; prices must be posted to /v1/oracle/prices")
	}

	for _, svc := range []system.Service{refresher, hubService{hub}} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Custody:    custodyService,
		Access:     accessCtl,
		PriceFeeds: priceService,
		Oracle:     oracle,
		Refresher:  refresher,
		Events:     hub,
		Vault:      vault,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Services lists the registered lifecycle services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// hubService closes websocket subscribers on shutdown.
type hubService struct{ hub *events.Hub }

func (hubService) Name() string { return "event-hub" }

func (hubService) Start(context.Context) error { return nil }

func (h hubService) Stop(context.Context) error {
	h.hub.Close()
	return nil
}
