// Package rentals runs the rental subsystem: protocol-issued rental ships,
// peer-to-peer rental listings with escrow, per-ship rental state, and forced
// returns. Each ship is Idle or Rented; nothing else.
package rentals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nebulaforge/fleetmarket/internal/app/chain"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/metrics"
	"github.com/nebulaforge/fleetmarket/internal/app/services/payments"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// Errors
var (
	ErrUnknownClass     = errors.New("unknown ship class")
	ErrClassInactive    = errors.New("class is not available for rent")
	ErrInvalidHours     = errors.New("rental hours out of bounds")
	ErrInvalidPrice     = errors.New("price must be positive")
	ErrInvalidGames     = errors.New("game count out of bounds")
	ErrNotOwner         = errors.New("caller does not own the asset")
	ErrAssetBusy        = errors.New("asset already listed or rented")
	ErrRentalNotFound   = errors.New("no active rental for asset")
	ErrListingNotFound  = errors.New("rental listing not found")
	ErrListingInactive  = errors.New("rental listing is not active")
	ErrListingReserved  = errors.New("rental listing has a ship out on rent")
	ErrNoGamesRemaining = errors.New("rental has no games remaining")
	ErrUnauthorized     = errors.New("caller is not authorized")
)

// Service is the rental engine.
type Service struct {
	store    storage.RentalStore
	listings storage.ListingStore
	stats    storage.StatsStore
	assets   chain.AssetRegistry
	pay      *payments.Service
	staking  chain.StakingPool
	recorder *events.Recorder
	gate     *sync.Mutex
	log      *logger.Logger
	now      func() time.Time

	rentAsset     payment.Asset
	fleetDiscount int64
	resolver      string
	isAdmin       func(addr string) bool
}

// Config carries the rental engine's operating parameters.
type Config struct {
	// RentAsset is the payment asset rentals are priced in.
	RentAsset payment.Asset
	// FleetDiscount is the percentage discount applied to a full-fleet
	// rental's summed price.
	FleetDiscount int64
	// Resolver is the game-resolution account allowed to consume games.
	Resolver string
	// IsAdmin authorizes privileged calls.
	IsAdmin func(addr string) bool
}

// New constructs the rental engine.
func New(store storage.RentalStore, listings storage.ListingStore, stats storage.StatsStore,
	assets chain.AssetRegistry, pay *payments.Service, staking chain.StakingPool,
	recorder *events.Recorder, gate *sync.Mutex, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rentals")
	}
	if gate == nil {
		gate = &sync.Mutex{}
	}
	if cfg.RentAsset == "" {
		cfg.RentAsset = payment.Native
	}
	if cfg.IsAdmin == nil {
		cfg.IsAdmin = func(string) bool { return false }
	}
	return &Service{
		store:         store,
		listings:      listings,
		stats:         stats,
		assets:        assets,
		pay:           pay,
		staking:       staking,
		recorder:      recorder,
		gate:          gate,
		log:           log,
		now:           time.Now,
		rentAsset:     cfg.RentAsset,
		fleetDiscount: cfg.FleetDiscount,
		resolver:      cfg.Resolver,
		isAdmin:       cfg.IsAdmin,
	}
}

// RentProtocolShip mints a protocol-owned rental ship of the class to the
// renter for one game within the chosen time window.
func (s *Service) RentProtocolShip(ctx context.Context, renter string, class rental.ShipClass, maxHours int) (rental.Active, error) {
	if !class.Known() {
		return rental.Active{}, ErrUnknownClass
	}
	if maxHours < rental.MinHours || maxHours > rental.MaxHours {
		return rental.Active{}, ErrInvalidHours
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	cfg, err := s.store.GetProtocolConfig(ctx, class)
	if err != nil {
		return rental.Active{}, fmt.Errorf("protocol config: %w", err)
	}
	if !cfg.Active {
		return rental.Active{}, ErrClassInactive
	}
	price := cfg.Price()

	if err := s.pay.Escrow(ctx, s.rentAsset, renter, price); err != nil {
		return rental.Active{}, err
	}
	assetID, err := s.assets.MintRental(ctx, renter, class)
	if err != nil {
		return rental.Active{}, fmt.Errorf("mint rental ship: %w", err)
	}

	r, err := s.store.CreateRental(ctx, rental.Active{
		AssetID:        assetID,
		Renter:         renter,
		GamesRemaining: rental.DefaultGames,
		MaxHours:       maxHours,
		StartTime:      s.now(),
		TotalPaid:      price,
		PricePerGame:   price,
		ProtocolOwned:  true,
	})
	if err != nil {
		return rental.Active{}, fmt.Errorf("create rental: %w", err)
	}

	s.log.WithField("asset_id", assetID).
		WithField("renter", renter).
		WithField("class", string(class)).
		WithField("price", price).
		Info("protocol ship rented")
	metrics.RentalsStarted.WithLabelValues("protocol").Inc()
	s.recorder.Emit(ctx, events.Record{
		Type:    events.TypeShipRented,
		Actor:   renter,
		AssetID: assetID,
		Payment: s.rentAsset,
		Amount:  price,
		Metadata: map[string]string{
			"mode":  "protocol",
			"class": string(class),
		},
	})
	return r, nil
}

// RentFullFleet rents one ship of every class in a single payment, with the
// fleet discount applied to the summed price.
func (s *Service) RentFullFleet(ctx context.Context, renter string, maxHours int) ([]rental.Active, error) {
	if maxHours < rental.MinHours || maxHours > rental.MaxHours {
		return nil, ErrInvalidHours
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	var total int64
	prices := make([]int64, len(rental.FleetClasses))
	for i, class := range rental.FleetClasses {
		cfg, err := s.store.GetProtocolConfig(ctx, class)
		if err != nil {
			return nil, fmt.Errorf("protocol config %s: %w", class, err)
		}
		if !cfg.Active {
			return nil, fmt.Errorf("%w: %s", ErrClassInactive, class)
		}
		prices[i] = cfg.Price()
		total += prices[i]
	}
	cost := total * (100 - s.fleetDiscount) / 100

	if err := s.pay.Escrow(ctx, s.rentAsset, renter, cost); err != nil {
		return nil, err
	}

	now := s.now()
	fleet := make([]rental.Active, 0, len(rental.FleetClasses))
	var allocated int64
	for i, class := range rental.FleetClasses {
		assetID, err := s.assets.MintRental(ctx, renter, class)
		if err != nil {
			return nil, fmt.Errorf("mint %s: %w", class, err)
		}

		// Each rental carries its discounted share; the last one absorbs the
		// rounding remainder so the shares sum to the charged cost.
		paid := prices[i] * (100 - s.fleetDiscount) / 100
		if i == len(rental.FleetClasses)-1 {
			paid = cost - allocated
		}
		allocated += paid

		r, err := s.store.CreateRental(ctx, rental.Active{
			AssetID:        assetID,
			Renter:         renter,
			GamesRemaining: rental.DefaultGames,
			MaxHours:       maxHours,
			StartTime:      now,
			TotalPaid:      paid,
			PricePerGame:   paid,
			ProtocolOwned:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("create rental: %w", err)
		}
		fleet = append(fleet, r)
	}

	s.log.WithField("renter", renter).
		WithField("cost", cost).
		WithField("ships", len(fleet)).
		Info("full fleet rented")
	metrics.RentalsStarted.WithLabelValues("fleet").Inc()
	s.recorder.Emit(ctx, events.Record{
		Type:    events.TypeShipRented,
		Actor:   renter,
		Payment: s.rentAsset,
		Amount:  cost,
		Metadata: map[string]string{
			"mode":  "fleet",
			"ships": fmt.Sprintf("%d", len(fleet)),
		},
	})
	return fleet, nil
}

// ListShipForRent escrows an owned ship and opens a peer-to-peer rental
// listing for it.
func (s *Service) ListShipForRent(ctx context.Context, owner string, assetID uint64, pricePerGame int64, maxGames int) (rental.P2PListing, error) {
	if pricePerGame <= 0 {
		return rental.P2PListing{}, ErrInvalidPrice
	}
	if maxGames <= 0 || maxGames > rental.MaxP2PGames {
		return rental.P2PListing{}, ErrInvalidGames
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	holder, err := s.assets.OwnerOf(ctx, assetID)
	if err != nil {
		return rental.P2PListing{}, fmt.Errorf("resolve owner: %w", err)
	}
	if holder != owner {
		return rental.P2PListing{}, ErrNotOwner
	}
	if err := s.requireAssetFree(ctx, assetID); err != nil {
		return rental.P2PListing{}, err
	}

	custody := s.pay.Custody()
	if err := s.assets.TransferFrom(ctx, custody, owner, custody, assetID); err != nil {
		return rental.P2PListing{}, fmt.Errorf("escrow ship: %w", err)
	}

	p, err := s.store.CreateP2PListing(ctx, rental.P2PListing{
		AssetID:      assetID,
		Owner:        owner,
		PricePerGame: pricePerGame,
		MaxGames:     maxGames,
		Active:       true,
		ListedAt:     s.now(),
	})
	if err != nil {
		return rental.P2PListing{}, fmt.Errorf("create rental listing: %w", err)
	}

	s.log.WithField("listing_id", p.ID).
		WithField("asset_id", assetID).
		WithField("price_per_game", pricePerGame).
		Info("ship listed for rent")
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeP2PListed,
		Actor:     owner,
		ListingID: p.ID,
		AssetID:   assetID,
		Payment:   s.rentAsset,
		Amount:    pricePerGame,
	})
	return p, nil
}

// CancelRentListing withdraws an idle peer-to-peer listing and returns the
// escrowed ship to its owner.
func (s *Service) CancelRentListing(ctx context.Context, caller string, listingID uint64) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	p, err := s.p2pListing(ctx, listingID)
	if err != nil {
		return err
	}
	if p.Owner != caller {
		return ErrNotOwner
	}
	if !p.Active {
		return ErrListingReserved
	}

	custody := s.pay.Custody()
	if err := s.assets.TransferFrom(ctx, custody, custody, p.Owner, p.AssetID); err != nil {
		return fmt.Errorf("release escrowed ship: %w", err)
	}
	if err := s.store.DeleteP2PListing(ctx, listingID); err != nil {
		return fmt.Errorf("remove rental listing: %w", err)
	}

	s.log.WithField("listing_id", listingID).Info("rental listing withdrawn")
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeP2PUnlisted,
		Actor:     caller,
		ListingID: listingID,
		AssetID:   p.AssetID,
	})
	return nil
}

// RentPlayerShip rents an escrowed ship from a peer-to-peer listing for the
// chosen number of games.
func (s *Service) RentPlayerShip(ctx context.Context, renter string, listingID uint64, gameCount, maxHours int) (rental.Active, error) {
	if maxHours < rental.MinHours || maxHours > rental.MaxHours {
		return rental.Active{}, ErrInvalidHours
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	p, err := s.p2pListing(ctx, listingID)
	if err != nil {
		return rental.Active{}, err
	}
	if !p.Active {
		return rental.Active{}, ErrListingInactive
	}
	if gameCount <= 0 || gameCount > p.MaxGames {
		return rental.Active{}, ErrInvalidGames
	}

	total := p.PricePerGame * int64(gameCount)
	if err := s.pay.Escrow(ctx, s.rentAsset, renter, total); err != nil {
		return rental.Active{}, err
	}

	custody := s.pay.Custody()
	if err := s.assets.TransferFrom(ctx, custody, custody, renter, p.AssetID); err != nil {
		return rental.Active{}, fmt.Errorf("hand over ship: %w", err)
	}

	r, err := s.store.CreateRental(ctx, rental.Active{
		AssetID:        p.AssetID,
		Renter:         renter,
		Owner:          p.Owner,
		GamesRemaining: gameCount,
		MaxHours:       maxHours,
		StartTime:      s.now(),
		TotalPaid:      total,
		PricePerGame:   p.PricePerGame,
		ListingID:      p.ID,
	})
	if err != nil {
		return rental.Active{}, fmt.Errorf("create rental: %w", err)
	}

	p.Active = false
	if _, err := s.store.UpdateP2PListing(ctx, p); err != nil {
		return rental.Active{}, fmt.Errorf("reserve rental listing: %w", err)
	}

	s.log.WithField("listing_id", listingID).
		WithField("asset_id", p.AssetID).
		WithField("renter", renter).
		WithField("games", gameCount).
		Info("player ship rented")
	metrics.RentalsStarted.WithLabelValues("p2p").Inc()
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeShipRented,
		Actor:     renter,
		ListingID: p.ID,
		AssetID:   p.AssetID,
		Payment:   s.rentAsset,
		Amount:    total,
		Metadata: map[string]string{
			"mode":  "p2p",
			"owner": p.Owner,
		},
	})
	return r, nil
}

// DecrementRentalUse consumes one game from a rental. Only the game resolver
// may call it. When the consumed game leaves the rental expired, the ship is
// returned immediately and the recovered value routed to the staking pool.
func (s *Service) DecrementRentalUse(ctx context.Context, caller string, assetID uint64) (rental.Active, error) {
	if caller != s.resolver || s.resolver == "" {
		return rental.Active{}, ErrUnauthorized
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	r, err := s.rentalByAsset(ctx, assetID)
	if err != nil {
		return rental.Active{}, err
	}
	if r.GamesRemaining <= 0 {
		return rental.Active{}, ErrNoGamesRemaining
	}

	now := s.now()
	r.GamesRemaining--
	r.LastGameTime = now
	updated, err := s.store.UpdateRental(ctx, r)
	if err != nil {
		return rental.Active{}, fmt.Errorf("update rental: %w", err)
	}

	s.recorder.Emit(ctx, events.Record{
		Type:    events.TypeGameConsumed,
		Actor:   caller,
		AssetID: assetID,
		Metadata: map[string]string{
			"games_remaining": fmt.Sprintf("%d", updated.GamesRemaining),
		},
	})

	if updated.Expired(now) {
		contribution, err := s.forceReturn(ctx, updated)
		if err != nil {
			return rental.Active{}, err
		}
		if err := s.routeToStaking(ctx, contribution); err != nil {
			return rental.Active{}, err
		}
	}
	return updated, nil
}

// IsRentalExpired evaluates the expiry predicate for a rented ship.
func (s *Service) IsRentalExpired(ctx context.Context, assetID uint64) (bool, error) {
	r, err := s.rentalByAsset(ctx, assetID)
	if err != nil {
		return false, err
	}
	return r.Expired(s.now()), nil
}

// ForceReturn settles and removes a rental regardless of expiry state and
// returns the recovered value owed to the staking pool. The caller decides how
// that value is split and routed.
func (s *Service) ForceReturn(ctx context.Context, assetID uint64) (int64, error) {
	r, err := s.rentalByAsset(ctx, assetID)
	if err != nil {
		return 0, err
	}
	return s.forceReturn(ctx, r)
}

// RouteToStaking books recovered rental value and notifies the staking pool.
func (s *Service) RouteToStaking(ctx context.Context, amount int64) error {
	return s.routeToStaking(ctx, amount)
}

// SetProtocolConfig installs pricing for a protocol ship class. Admin only.
func (s *Service) SetProtocolConfig(ctx context.Context, caller string, cfg rental.ProtocolConfig) error {
	if !s.isAdmin(caller) {
		return ErrUnauthorized
	}
	if !cfg.Class.Known() {
		return ErrUnknownClass
	}
	if cfg.BasePrice <= 0 || cfg.PromoMultiplier <= 0 {
		return ErrInvalidPrice
	}
	// The promo division floors; a config whose effective price rounds to
	// zero would make every rental of the class fail at payment.
	if cfg.Price() <= 0 {
		return ErrInvalidPrice
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.store.UpsertProtocolConfig(ctx, cfg); err != nil {
		return fmt.Errorf("store protocol config: %w", err)
	}

	s.log.WithField("class", string(cfg.Class)).
		WithField("base_price", cfg.BasePrice).
		WithField("promo", cfg.PromoMultiplier).
		Info("protocol rental config updated")
	s.recorder.Emit(ctx, events.Record{
		Type:   events.TypeConfigUpdated,
		Actor:  caller,
		Amount: cfg.BasePrice,
		Metadata: map[string]string{
			"class":  string(cfg.Class),
			"active": fmt.Sprintf("%t", cfg.Active),
			"promo":  fmt.Sprintf("%d", cfg.PromoMultiplier),
		},
	})
	return nil
}

// RentalByAsset returns the active rental for a ship.
func (s *Service) RentalByAsset(ctx context.Context, assetID uint64) (rental.Active, error) {
	return s.rentalByAsset(ctx, assetID)
}

// RentalsByRenter returns every ship a renter currently has out.
func (s *Service) RentalsByRenter(ctx context.Context, renter string) ([]rental.Active, error) {
	return s.store.ListRentalsByRenter(ctx, renter)
}

// P2PListing returns a peer-to-peer rental listing by id.
func (s *Service) P2PListing(ctx context.Context, id uint64) (rental.P2PListing, error) {
	return s.p2pListing(ctx, id)
}

// ActiveP2PListings returns the listings currently open for rent.
func (s *Service) ActiveP2PListings(ctx context.Context) ([]rental.P2PListing, error) {
	return s.store.ListP2PListings(ctx, true)
}

// forceReturn ends a rental. Protocol ships are burned and their full payment
// becomes staking value; peer ships go back to their owner, who is paid the
// rental earnings minus the marketplace cut, which becomes the staking value.
// The rental record is removed from every index.
func (s *Service) forceReturn(ctx context.Context, r rental.Active) (int64, error) {
	var contribution int64
	custody := s.pay.Custody()

	if r.ProtocolOwned {
		if err := s.assets.Burn(ctx, r.AssetID); err != nil {
			return 0, fmt.Errorf("burn rental ship: %w", err)
		}
		contribution = r.TotalPaid
	} else {
		fee := payment.Share(r.TotalPaid, rental.FeeBps)
		ownerAmount := r.TotalPaid - fee
		if err := s.assets.TransferFrom(ctx, custody, r.Renter, r.Owner, r.AssetID); err != nil {
			return 0, fmt.Errorf("return ship to owner: %w", err)
		}
		if ownerAmount > 0 {
			if err := s.pay.Payout(ctx, s.rentAsset, r.Owner, ownerAmount); err != nil {
				return 0, fmt.Errorf("pay rental owner: %w", err)
			}
		}
		contribution = fee

		p, err := s.store.GetP2PListing(ctx, r.ListingID)
		if err != nil {
			return 0, fmt.Errorf("reactivate rental listing: %w", err)
		}
		p.Active = true
		p.TotalEarned += ownerAmount
		if _, err := s.store.UpdateP2PListing(ctx, p); err != nil {
			return 0, fmt.Errorf("reactivate rental listing: %w", err)
		}
	}

	if err := s.store.DeleteRental(ctx, r.AssetID); err != nil {
		return 0, fmt.Errorf("remove rental: %w", err)
	}

	s.log.WithField("asset_id", r.AssetID).
		WithField("renter", r.Renter).
		WithField("protocol_owned", r.ProtocolOwned).
		WithField("staking_value", contribution).
		Info("rental returned")
	metrics.RentalsReturned.Inc()
	s.recorder.Emit(ctx, events.Record{
		Type:    events.TypeShipReturned,
		Actor:   r.Renter,
		AssetID: r.AssetID,
		Payment: s.rentAsset,
		Amount:  contribution,
		Metadata: map[string]string{
			"protocol_owned": fmt.Sprintf("%t", r.ProtocolOwned),
		},
	})
	return contribution, nil
}

func (s *Service) routeToStaking(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := s.stats.AddStakingFees(ctx, amount); err != nil {
		return fmt.Errorf("book staking fees: %w", err)
	}
	if err := s.staking.NotifyRewardAmount(ctx, amount); err != nil {
		return fmt.Errorf("notify staking pool: %w", err)
	}
	return nil
}

func (s *Service) rentalByAsset(ctx context.Context, assetID uint64) (rental.Active, error) {
	r, err := s.store.GetRentalByAsset(ctx, assetID)
	if errors.Is(err, storage.ErrNotFound) {
		return rental.Active{}, ErrRentalNotFound
	}
	if err != nil {
		return rental.Active{}, fmt.Errorf("get rental: %w", err)
	}
	return r, nil
}

func (s *Service) p2pListing(ctx context.Context, id uint64) (rental.P2PListing, error) {
	p, err := s.store.GetP2PListing(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return rental.P2PListing{}, ErrListingNotFound
	}
	if err != nil {
		return rental.P2PListing{}, fmt.Errorf("get rental listing: %w", err)
	}
	return p, nil
}

// requireAssetFree enforces that a ship sits in at most one of the sale book,
// the rental book, or an active rental.
func (s *Service) requireAssetFree(ctx context.Context, assetID uint64) error {
	if _, err := s.listings.ActiveListingByAsset(ctx, assetID); err == nil {
		return ErrAssetBusy
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check sale book: %w", err)
	}
	if _, err := s.store.GetRentalByAsset(ctx, assetID); err == nil {
		return ErrAssetBusy
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check rental book: %w", err)
	}
	if _, err := s.store.GetP2PListingByAsset(ctx, assetID); err == nil {
		return ErrAssetBusy
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check rental listings: %w", err)
	}
	return nil
}
