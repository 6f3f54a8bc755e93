// Package market owns the sale side of the marketplace: fixed-price listings,
// timed English auctions with anti-snipe extension, and their settlement.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nebulaforge/fleetmarket/internal/app/chain"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/listing"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/metrics"
	"github.com/nebulaforge/fleetmarket/internal/app/services/payments"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// Errors
var (
	ErrListingNotFound   = errors.New("listing not found")
	ErrNotSeller         = errors.New("caller is not the seller")
	ErrNotOwner          = errors.New("caller does not own the asset")
	ErrNotApproved       = errors.New("marketplace is not approved to move the asset")
	ErrAssetBusy         = errors.New("asset already listed or rented")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrInvalidDuration   = errors.New("duration out of bounds")
	ErrAssetNotAccepted  = errors.New("payment asset not accepted")
	ErrNotActive         = errors.New("listing is not active")
	ErrNotAuction        = errors.New("listing is not an auction")
	ErrNotFixedPrice     = errors.New("listing is not fixed price")
	ErrListingExpired    = errors.New("listing has expired")
	ErrAuctionNotEnded   = errors.New("auction has not ended")
	ErrSelfTrade         = errors.New("seller cannot trade with themselves")
	ErrBidTooLow         = errors.New("bid below minimum")
	ErrHasBids           = errors.New("auction already has bids")
)

// Service is the listing registry and auction engine.
type Service struct {
	listings storage.ListingStore
	rentals  storage.RentalStore
	stats    storage.StatsStore
	assets   chain.AssetRegistry
	pay      *payments.Service
	recorder *events.Recorder
	gate     *sync.Mutex
	log      *logger.Logger
	now      func() time.Time
}

// New constructs the market service. The gate serializes every mutating entry
// point with the other services sharing it.
func New(listings storage.ListingStore, rentals storage.RentalStore, stats storage.StatsStore,
	assets chain.AssetRegistry, pay *payments.Service, recorder *events.Recorder,
	gate *sync.Mutex, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("market")
	}
	if gate == nil {
		gate = &sync.Mutex{}
	}
	return &Service{
		listings: listings,
		rentals:  rentals,
		stats:    stats,
		assets:   assets,
		pay:      pay,
		recorder: recorder,
		gate:     gate,
		log:      log,
		now:      time.Now,
	}
}

// CreateFixedPriceListing lists a ship for sale at a fixed price.
func (s *Service) CreateFixedPriceListing(ctx context.Context, seller string, assetID uint64, asset payment.Asset, price int64, duration time.Duration) (listing.Listing, error) {
	if duration <= 0 || duration > listing.MaxListingDuration {
		return listing.Listing{}, ErrInvalidDuration
	}
	return s.createListing(ctx, seller, assetID, asset, price, duration, listing.KindFixed)
}

// CreateAuctionListing lists a ship for auction with the given starting bid.
func (s *Service) CreateAuctionListing(ctx context.Context, seller string, assetID uint64, asset payment.Asset, startingBid int64, duration time.Duration) (listing.Listing, error) {
	if duration < listing.MinAuctionDuration || duration > listing.MaxListingDuration {
		return listing.Listing{}, ErrInvalidDuration
	}
	return s.createListing(ctx, seller, assetID, asset, startingBid, duration, listing.KindAuction)
}

func (s *Service) createListing(ctx context.Context, seller string, assetID uint64, asset payment.Asset, price int64, duration time.Duration, kind listing.Kind) (listing.Listing, error) {
	if price <= 0 {
		return listing.Listing{}, ErrInvalidPrice
	}
	if !s.pay.Accepts(asset) {
		return listing.Listing{}, ErrAssetNotAccepted
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.requireOwnedAndApproved(ctx, seller, assetID); err != nil {
		return listing.Listing{}, err
	}
	if err := s.requireAssetFree(ctx, assetID); err != nil {
		return listing.Listing{}, err
	}

	now := s.now()
	created, err := s.listings.CreateListing(ctx, listing.Listing{
		AssetID:      assetID,
		Seller:       seller,
		PaymentAsset: asset,
		Price:        price,
		Kind:         kind,
		Status:       listing.StatusActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
	})
	if err != nil {
		return listing.Listing{}, fmt.Errorf("create listing: %w", err)
	}

	s.log.WithField("listing_id", created.ID).
		WithField("asset_id", assetID).
		WithField("kind", string(kind)).
		WithField("price", price).
		Info("listing created")
	metrics.ListingsCreated.WithLabelValues(string(kind)).Inc()
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeListingCreated,
		Actor:     seller,
		ListingID: created.ID,
		AssetID:   assetID,
		Payment:   asset,
		Amount:    price,
		Metadata:  map[string]string{"kind": string(kind)},
	})
	return created, nil
}

// UpdateListing changes the price and/or deadline of an active listing. A
// zero price or duration leaves that field unchanged. Auctions that already
// received a bid cannot be updated.
func (s *Service) UpdateListing(ctx context.Context, caller string, id uint64, newPrice int64, newDuration time.Duration) (listing.Listing, error) {
	if newPrice < 0 || newDuration < 0 {
		return listing.Listing{}, ErrInvalidPrice
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	l, err := s.activeListing(ctx, id)
	if err != nil {
		return listing.Listing{}, err
	}
	if l.Seller != caller {
		return listing.Listing{}, ErrNotSeller
	}
	if l.Kind == listing.KindAuction && l.BidCount > 0 {
		return listing.Listing{}, ErrHasBids
	}

	if newPrice > 0 {
		l.Price = newPrice
	}
	if newDuration > 0 {
		if newDuration > listing.MaxListingDuration ||
			(l.Kind == listing.KindAuction && newDuration < listing.MinAuctionDuration) {
			return listing.Listing{}, ErrInvalidDuration
		}
		l.ExpiresAt = s.now().Add(newDuration)
	}

	updated, err := s.listings.UpdateListing(ctx, l)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("update listing: %w", err)
	}

	s.log.WithField("listing_id", id).Info("listing updated")
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeListingUpdated,
		Actor:     caller,
		ListingID: id,
		AssetID:   l.AssetID,
		Amount:    l.Price,
	})
	return updated, nil
}

// CancelListing withdraws an active listing. A standing auction bid is
// refunded before the listing leaves the books.
func (s *Service) CancelListing(ctx context.Context, caller string, id uint64) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	l, err := s.activeListing(ctx, id)
	if err != nil {
		return err
	}
	if l.Seller != caller {
		return ErrNotSeller
	}

	if l.HighestBidder != "" {
		if err := s.pay.Payout(ctx, l.PaymentAsset, l.HighestBidder, l.HighestBid); err != nil {
			return fmt.Errorf("refund standing bid: %w", err)
		}
	}

	l.Status = listing.StatusCancelled
	if _, err := s.listings.UpdateListing(ctx, l); err != nil {
		return fmt.Errorf("cancel listing: %w", err)
	}

	s.log.WithField("listing_id", id).Info("listing cancelled")
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeListingCancelled,
		Actor:     caller,
		ListingID: id,
		AssetID:   l.AssetID,
	})
	return nil
}

// BuyListing purchases a fixed-price listing outright.
func (s *Service) BuyListing(ctx context.Context, buyer string, id uint64) (listing.Listing, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	l, err := s.activeListing(ctx, id)
	if err != nil {
		return listing.Listing{}, err
	}
	if l.Kind != listing.KindFixed {
		return listing.Listing{}, ErrNotFixedPrice
	}
	if l.Expired(s.now()) {
		return listing.Listing{}, ErrListingExpired
	}
	if buyer == l.Seller {
		return listing.Listing{}, ErrSelfTrade
	}
	// The seller may have moved the ship or revoked approval since listing.
	// Verified before any funds move so a rejected purchase costs nothing.
	if err := s.requireOwnedAndApproved(ctx, l.Seller, l.AssetID); err != nil {
		return listing.Listing{}, err
	}

	fee := listing.Fee(l.Price)
	if err := s.pay.ProcessPayment(ctx, l.PaymentAsset, buyer, l.Price, l.Seller, l.Price-fee, fee); err != nil {
		return listing.Listing{}, err
	}
	if err := s.assets.TransferFrom(ctx, s.pay.Custody(), l.Seller, buyer, l.AssetID); err != nil {
		return listing.Listing{}, fmt.Errorf("transfer asset: %w", err)
	}

	l.Status = listing.StatusSold
	sold, err := s.listings.UpdateListing(ctx, l)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("mark sold: %w", err)
	}
	if err := s.stats.AddSale(ctx, l.PaymentAsset, buyer, l.Price); err != nil {
		return listing.Listing{}, fmt.Errorf("record sale: %w", err)
	}

	s.log.WithField("listing_id", id).
		WithField("buyer", buyer).
		WithField("price", l.Price).
		WithField("fee", fee).
		Info("listing sold")
	metrics.Sales.WithLabelValues(string(listing.KindFixed)).Inc()
	metrics.SaleVolume.WithLabelValues(string(l.PaymentAsset)).Add(float64(l.Price))
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeItemSold,
		Actor:     buyer,
		ListingID: id,
		AssetID:   l.AssetID,
		Payment:   l.PaymentAsset,
		Amount:    l.Price,
		Metadata:  map[string]string{"seller": l.Seller},
	})
	return sold, nil
}

// PlaceBid places an auction bid. The outbid participant is made whole before
// the new bid takes their place, and a bid inside the anti-snipe window pushes
// the deadline out to now plus the window.
func (s *Service) PlaceBid(ctx context.Context, bidder string, id uint64, amount int64) (listing.Listing, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	l, err := s.activeListing(ctx, id)
	if err != nil {
		return listing.Listing{}, err
	}
	if l.Kind != listing.KindAuction {
		return listing.Listing{}, ErrNotAuction
	}
	now := s.now()
	if l.Expired(now) {
		return listing.Listing{}, ErrListingExpired
	}
	if bidder == l.Seller {
		return listing.Listing{}, ErrSelfTrade
	}
	if amount < l.MinimumBid() {
		return listing.Listing{}, fmt.Errorf("%w: minimum %d", ErrBidTooLow, l.MinimumBid())
	}

	if err := s.pay.Escrow(ctx, l.PaymentAsset, bidder, amount); err != nil {
		return listing.Listing{}, err
	}
	if l.HighestBidder != "" {
		if err := s.pay.Payout(ctx, l.PaymentAsset, l.HighestBidder, l.HighestBid); err != nil {
			return listing.Listing{}, fmt.Errorf("refund outbid participant: %w", err)
		}
	}

	l.HighestBid = amount
	l.HighestBidder = bidder
	l.BidCount++

	extended := false
	if l.ExpiresAt.Sub(now) <= listing.AntiSnipeWindow {
		l.ExpiresAt = now.Add(listing.AntiSnipeWindow)
		extended = true
	}

	updated, err := s.listings.UpdateListing(ctx, l)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("record bid: %w", err)
	}
	if err := s.listings.AppendBid(ctx, id, listing.Bid{Bidder: bidder, Amount: amount, At: now}); err != nil {
		return listing.Listing{}, fmt.Errorf("append bid trail: %w", err)
	}

	s.log.WithField("listing_id", id).
		WithField("bidder", bidder).
		WithField("amount", amount).
		WithField("extended", extended).
		Info("bid placed")
	metrics.BidsPlaced.Inc()
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeBidPlaced,
		Actor:     bidder,
		ListingID: id,
		AssetID:   l.AssetID,
		Payment:   l.PaymentAsset,
		Amount:    amount,
	})
	if extended {
		metrics.AuctionsExtended.Inc()
		s.recorder.Emit(ctx, events.Record{
			Type:      events.TypeAuctionExtended,
			ListingID: id,
			AssetID:   l.AssetID,
			Metadata:  map[string]string{"expires_at": updated.ExpiresAt.UTC().Format(time.RFC3339)},
		})
	}
	return updated, nil
}

// CanSettleAuction reports whether the auction has ended and awaits
// settlement.
func (s *Service) CanSettleAuction(ctx context.Context, id uint64) (bool, error) {
	l, err := s.getListing(ctx, id)
	if err != nil {
		return false, err
	}
	return l.Status == listing.StatusActive && l.Kind == listing.KindAuction && l.Expired(s.now()), nil
}

// SettleAuction closes an ended auction. With no bids the listing merely
// expires; otherwise the escrowed winning bid is split between the seller and
// the fee accumulator and the ship changes hands.
func (s *Service) SettleAuction(ctx context.Context, caller string, id uint64) (listing.Listing, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	l, err := s.activeListing(ctx, id)
	if err != nil {
		return listing.Listing{}, err
	}
	if l.Kind != listing.KindAuction {
		return listing.Listing{}, ErrNotAuction
	}
	if !l.Expired(s.now()) {
		return listing.Listing{}, ErrAuctionNotEnded
	}

	if l.HighestBidder == "" {
		l.Status = listing.StatusExpired
		expired, err := s.listings.UpdateListing(ctx, l)
		if err != nil {
			return listing.Listing{}, fmt.Errorf("expire auction: %w", err)
		}
		s.log.WithField("listing_id", id).Info("auction expired without bids")
		s.recorder.Emit(ctx, events.Record{
			Type:      events.TypeAuctionExpired,
			Actor:     caller,
			ListingID: id,
			AssetID:   l.AssetID,
		})
		return expired, nil
	}

	price := l.HighestBid
	fee := listing.Fee(price)
	// Re-check the seller can still deliver before the escrowed bid is split:
	// paying out first would let a failed settle drain custody on every retry.
	if err := s.requireOwnedAndApproved(ctx, l.Seller, l.AssetID); err != nil {
		return listing.Listing{}, err
	}
	if err := s.pay.Payout(ctx, l.PaymentAsset, l.Seller, price-fee); err != nil {
		return listing.Listing{}, fmt.Errorf("pay seller: %w", err)
	}
	if err := s.pay.BookFee(ctx, l.PaymentAsset, fee); err != nil {
		return listing.Listing{}, err
	}
	if err := s.assets.TransferFrom(ctx, s.pay.Custody(), l.Seller, l.HighestBidder, l.AssetID); err != nil {
		return listing.Listing{}, fmt.Errorf("transfer asset: %w", err)
	}

	l.Status = listing.StatusSold
	sold, err := s.listings.UpdateListing(ctx, l)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("mark sold: %w", err)
	}
	if err := s.stats.AddSale(ctx, l.PaymentAsset, l.HighestBidder, price); err != nil {
		return listing.Listing{}, fmt.Errorf("record sale: %w", err)
	}

	s.log.WithField("listing_id", id).
		WithField("winner", l.HighestBidder).
		WithField("price", price).
		WithField("fee", fee).
		Info("auction settled")
	metrics.Sales.WithLabelValues(string(listing.KindAuction)).Inc()
	metrics.SaleVolume.WithLabelValues(string(l.PaymentAsset)).Add(float64(price))
	s.recorder.Emit(ctx, events.Record{
		Type:      events.TypeAuctionSettled,
		Actor:     caller,
		ListingID: id,
		AssetID:   l.AssetID,
		Payment:   l.PaymentAsset,
		Amount:    price,
		Metadata: map[string]string{
			"winner": l.HighestBidder,
			"seller": l.Seller,
		},
	})
	return sold, nil
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id uint64) (listing.Listing, error) {
	return s.getListing(ctx, id)
}

// ListingByAsset returns the active sale listing for an asset.
func (s *Service) ListingByAsset(ctx context.Context, assetID uint64) (listing.Listing, error) {
	l, err := s.listings.ActiveListingByAsset(ctx, assetID)
	if errors.Is(err, storage.ErrNotFound) {
		return listing.Listing{}, ErrListingNotFound
	}
	return l, err
}

// ListingsBySeller returns every listing a seller has created.
func (s *Service) ListingsBySeller(ctx context.Context, seller string) ([]listing.Listing, error) {
	return s.listings.ListingsBySeller(ctx, seller)
}

// BidHistory returns a listing's bid trail in placement order.
func (s *Service) BidHistory(ctx context.Context, id uint64) ([]listing.Bid, error) {
	if _, err := s.getListing(ctx, id); err != nil {
		return nil, err
	}
	return s.listings.Bids(ctx, id)
}

// Stats returns the global marketplace accumulators.
func (s *Service) Stats(ctx context.Context) (storage.Stats, error) {
	return s.stats.GetStats(ctx)
}

func (s *Service) getListing(ctx context.Context, id uint64) (listing.Listing, error) {
	l, err := s.listings.GetListing(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return listing.Listing{}, ErrListingNotFound
	}
	if err != nil {
		return listing.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (s *Service) activeListing(ctx context.Context, id uint64) (listing.Listing, error) {
	l, err := s.getListing(ctx, id)
	if err != nil {
		return listing.Listing{}, err
	}
	if l.Status != listing.StatusActive {
		return listing.Listing{}, ErrNotActive
	}
	return l, nil
}

func (s *Service) requireOwnedAndApproved(ctx context.Context, seller string, assetID uint64) error {
	owner, err := s.assets.OwnerOf(ctx, assetID)
	if err != nil {
		return fmt.Errorf("resolve owner: %w", err)
	}
	if owner != seller {
		return ErrNotOwner
	}

	custody := s.pay.Custody()
	approved, err := s.assets.GetApproved(ctx, assetID)
	if err != nil {
		return fmt.Errorf("check approval: %w", err)
	}
	if approved == custody {
		return nil
	}
	all, err := s.assets.IsApprovedForAll(ctx, seller, custody)
	if err != nil {
		return fmt.Errorf("check operator approval: %w", err)
	}
	if !all {
		return ErrNotApproved
	}
	return nil
}

// requireAssetFree enforces that an asset sits in at most one of the sale
// book, the rental book, or an active rental.
func (s *Service) requireAssetFree(ctx context.Context, assetID uint64) error {
	if _, err := s.listings.ActiveListingByAsset(ctx, assetID); err == nil {
		return ErrAssetBusy
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check sale book: %w", err)
	}
	if _, err := s.rentals.GetRentalByAsset(ctx, assetID); err == nil {
		return ErrAssetBusy
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check rental book: %w", err)
	}
	if _, err := s.rentals.GetP2PListingByAsset(ctx, assetID); err == nil {
		return ErrAssetBusy
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check rental listings: %w", err)
	}
	return nil
}
