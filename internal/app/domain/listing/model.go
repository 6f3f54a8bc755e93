// Package listing defines fixed-price and auction listing records and the
// pricing rules that govern them.
package listing

import (
	"time"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
)

// Kind distinguishes fixed-price sales from timed English auctions.
type Kind string

const (
	KindFixed   Kind = "fixed"
	KindAuction Kind = "auction"
)

// Status is the listing lifecycle state. A listing is mutable only while
// Active; every other status is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Pricing and timing rules.
const (
	// MarketplaceFeeBps is the 2.5% fee taken from every sale.
	MarketplaceFeeBps = 250
	// MinBidIncrementBps is the 5% minimum step over the standing bid.
	MinBidIncrementBps = 500
	// AntiSnipeWindow is both the trigger window and the extension granted to
	// late auction bids.
	AntiSnipeWindow = 10 * time.Minute
	// MaxListingDuration bounds both listing kinds.
	MaxListingDuration = 30 * 24 * time.Hour
	// MinAuctionDuration is the shortest auction the registry accepts.
	MinAuctionDuration = time.Hour
)

// Listing is a standing offer to sell or auction one ship.
type Listing struct {
	ID            uint64
	AssetID       uint64
	Seller        string
	PaymentAsset  payment.Asset
	Price         int64 // fixed price, or starting bid for auctions
	Kind          Kind
	Status        Status
	CreatedAt     time.Time
	ExpiresAt     time.Time
	HighestBid    int64
	HighestBidder string
	BidCount      int
}

// Bid is one entry in a listing's append-only bid trail.
type Bid struct {
	Bidder string
	Amount int64
	At     time.Time
}

// Expired reports whether the listing deadline has passed.
func (l Listing) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// MinimumBid is the smallest acceptable next bid: the starting price while no
// bid stands, otherwise the standing bid plus the 5% increment (floor).
func (l Listing) MinimumBid() int64 {
	if l.HighestBid == 0 {
		return l.Price
	}
	return l.HighestBid + payment.Share(l.HighestBid, MinBidIncrementBps)
}

// Fee returns the marketplace cut of a sale price.
func Fee(price int64) int64 {
	return payment.Share(price, MarketplaceFeeBps)
}
