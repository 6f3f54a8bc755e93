// Package storage defines the persistence interfaces for the marketplace and
// rental tables, with in-memory and Postgres implementations in subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/listing"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
)

// ErrNotFound is returned when a record does not exist. Implementations wrap
// it with detail.
var ErrNotFound = errors.New("record not found")

// ListingStore persists sale listings and their bid trails.
type ListingStore interface {
	// CreateListing stores a new listing, assigning its id, and records the
	// asset index entry while the listing is active.
	CreateListing(ctx context.Context, l listing.Listing) (listing.Listing, error)

	// UpdateListing replaces a listing. Leaving Active status clears the
	// asset index entry.
	UpdateListing(ctx context.Context, l listing.Listing) (listing.Listing, error)

	// GetListing returns a listing by id.
	GetListing(ctx context.Context, id uint64) (listing.Listing, error)

	// ActiveListingByAsset returns the active sale listing for an asset, or
	// ErrNotFound when none exists.
	ActiveListingByAsset(ctx context.Context, assetID uint64) (listing.Listing, error)

	// ListingsBySeller returns all listings a seller has created.
	ListingsBySeller(ctx context.Context, seller string) ([]listing.Listing, error)

	// AppendBid adds a bid to a listing's append-only trail.
	AppendBid(ctx context.Context, listingID uint64, bid listing.Bid) error

	// Bids returns a listing's bid trail in append order.
	Bids(ctx context.Context, listingID uint64) ([]listing.Bid, error)
}

// RentalStore persists active rentals, P2P rental listings, and protocol
// rental configuration.
type RentalStore interface {
	CreateRental(ctx context.Context, r rental.Active) (rental.Active, error)
	UpdateRental(ctx context.Context, r rental.Active) (rental.Active, error)
	GetRentalByAsset(ctx context.Context, assetID uint64) (rental.Active, error)
	// DeleteRental removes the rental from every index.
	DeleteRental(ctx context.Context, assetID uint64) error
	ListActiveRentals(ctx context.Context) ([]rental.Active, error)
	ListRentalsByRenter(ctx context.Context, renter string) ([]rental.Active, error)

	CreateP2PListing(ctx context.Context, p rental.P2PListing) (rental.P2PListing, error)
	UpdateP2PListing(ctx context.Context, p rental.P2PListing) (rental.P2PListing, error)
	GetP2PListing(ctx context.Context, id uint64) (rental.P2PListing, error)
	GetP2PListingByAsset(ctx context.Context, assetID uint64) (rental.P2PListing, error)
	DeleteP2PListing(ctx context.Context, id uint64) error
	ListP2PListings(ctx context.Context, activeOnly bool) ([]rental.P2PListing, error)

	UpsertProtocolConfig(ctx context.Context, c rental.ProtocolConfig) error
	GetProtocolConfig(ctx context.Context, class rental.ShipClass) (rental.ProtocolConfig, error)
}

// Stats is a snapshot of the global accumulators. Lifetime totals only ever
// grow; PendingFees shrinks when the treasury withdraws.
type Stats struct {
	Sales           int64
	Volume          int64
	VolumeByAsset   map[payment.Asset]int64
	FeesByAsset     map[payment.Asset]int64
	PendingFees     map[payment.Asset]int64
	StakingFees     int64
	PurchasesByUser map[string]int64
}

// StatsStore persists the global accumulators.
type StatsStore interface {
	// AddSale bumps the sale counter and volume accumulators.
	AddSale(ctx context.Context, asset payment.Asset, buyer string, volume int64) error

	// AddFees books collected marketplace fees for an asset, both lifetime
	// and pending-withdrawal.
	AddFees(ctx context.Context, asset payment.Asset, amount int64) error

	// TakePendingFees zeroes and returns the withdrawable fee balance.
	TakePendingFees(ctx context.Context, asset payment.Asset) (int64, error)

	// AddStakingFees books recovered rental value routed to the staking sink.
	AddStakingFees(ctx context.Context, amount int64) error

	// GetStats returns a snapshot of every accumulator.
	GetStats(ctx context.Context) (Stats, error)
}
