// Package app wires the marketplace services, their stores, and the chain
// collaborators into one application.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/nebulaforge/fleetmarket/internal/app/chain"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/services/cleanup"
	"github.com/nebulaforge/fleetmarket/internal/app/services/market"
	"github.com/nebulaforge/fleetmarket/internal/app/services/payments"
	rentalsvc "github.com/nebulaforge/fleetmarket/internal/app/services/rentals"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
	"github.com/nebulaforge/fleetmarket/internal/app/storage/memory"
	"github.com/nebulaforge/fleetmarket/internal/app/system"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// DefaultCustody is the marketplace custody account used when none is
// configured.
const DefaultCustody = "fleetmarket:custody"

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Listings storage.ListingStore
	Rentals  storage.RentalStore
	Stats    storage.StatsStore
}

// Collaborators are the external chain-side contracts the engine consumes.
// Nil fields default to one shared in-memory implementation, which is what
// local server mode and the tests run against.
type Collaborators struct {
	Assets  chain.AssetRegistry
	Ledger  chain.Ledger
	Revenue chain.RevenueSink
	Staking chain.StakingPool
}

// Config carries the application's operating parameters.
type Config struct {
	// Custody is the account holding escrowed funds, escrowed ships, and
	// accrued fees.
	Custody string
	// Admins may withdraw fees, set rental configs, appoint the cleaner, and
	// force emergency returns.
	Admins []string
	// Resolver is the game-resolution account allowed to consume rental games.
	Resolver string
	// AcceptedAssets are the payment assets listings may be priced in.
	AcceptedAssets []payment.Asset
	// RentAsset is the payment asset the rental subsystem charges in.
	RentAsset payment.Asset
	// FleetDiscount is the full-fleet rental discount percentage.
	FleetDiscount int64
	// Cleaner is the designated cleanup account, if any.
	Cleaner string
	// SweepSchedule is the cron expression for the background cleanup
	// sweeper; empty disables it.
	SweepSchedule string
	// AuditBuffer is the in-memory audit ring size.
	AuditBuffer int
}

// Application ties the marketplace services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Payments *payments.Service
	Market   *market.Service
	Rentals  *rentalsvc.Service
	Cleanup  *cleanup.Service

	Recorder *events.Recorder
	Audit    *events.MemorySink
}

// New builds a fully initialised application.
func New(stores Stores, collab Collaborators, cfg Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg.Custody == "" {
		cfg.Custody = DefaultCustody
	}
	if cfg.RentAsset == "" {
		cfg.RentAsset = payment.Native
	}
	if len(cfg.AcceptedAssets) == 0 {
		cfg.AcceptedAssets = []payment.Asset{payment.Native}
	}

	mem := memory.New()
	if stores.Listings == nil {
		stores.Listings = mem
	}
	if stores.Rentals == nil {
		stores.Rentals = mem
	}
	if stores.Stats == nil {
		stores.Stats = mem
	}

	chainMem := chain.NewMemory()
	if collab.Assets == nil {
		collab.Assets = chainMem
	}
	if collab.Ledger == nil {
		collab.Ledger = chainMem
	}
	if collab.Revenue == nil {
		collab.Revenue = chainMem
	}
	if collab.Staking == nil {
		collab.Staking = chainMem
	}

	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = true
	}
	isAdmin := func(addr string) bool { return addr != "" && admins[addr] }

	audit := events.NewMemorySink(cfg.AuditBuffer)
	recorder := events.NewRecorder(log.WithField("component", "events"), audit, events.NewLogSink(log.WithField("component", "audit")))

	// One non-reentrant guard serializes every mutating entry point across the
	// services, so a transfer triggered mid-operation can never re-enter the
	// marketplace state before the operation finishes.
	gate := &sync.Mutex{}

	paySvc := payments.New(collab.Ledger, collab.Revenue, stores.Stats, recorder,
		cfg.Custody, cfg.AcceptedAssets, isAdmin, gate, log.WithField("component", "payments"))
	marketSvc := market.New(stores.Listings, stores.Rentals, stores.Stats,
		collab.Assets, paySvc, recorder, gate, log.WithField("component", "market"))
	rentalSvc := rentalsvc.New(stores.Rentals, stores.Listings, stores.Stats,
		collab.Assets, paySvc, collab.Staking, recorder, gate, rentalsvc.Config{
			RentAsset:     cfg.RentAsset,
			FleetDiscount: cfg.FleetDiscount,
			Resolver:      cfg.Resolver,
			IsAdmin:       isAdmin,
		}, log.WithField("component", "rentals"))
	cleanupSvc := cleanup.New(rentalSvc, stores.Rentals, paySvc, recorder, gate,
		cfg.RentAsset, cfg.Cleaner, isAdmin, log.WithField("component", "cleanup"))

	manager := system.NewManager()
	if cfg.SweepSchedule != "" {
		sweeper := cleanup.NewSweeper(cleanupSvc, cfg.Cleaner, cfg.SweepSchedule,
			log.WithField("component", "sweeper"))
		if err := manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register sweeper: %w", err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Payments: paySvc,
		Market:   marketSvc,
		Rentals:  rentalSvc,
		Cleanup:  cleanupSvc,
		Recorder: recorder,
		Audit:    audit,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all background services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
