// Package rental defines the rental subsystem's records: protocol-issued
// rentals, peer-to-peer rental listings, and their expiry rules.
package rental

import "time"

// ShipClass identifies one of the fixed protocol ship classes.
type ShipClass string

const (
	ClassScout       ShipClass = "scout"
	ClassInterceptor ShipClass = "interceptor"
	ClassCorvette    ShipClass = "corvette"
	ClassFrigate     ShipClass = "frigate"
	ClassCarrier     ShipClass = "carrier"
)

// FleetClasses enumerates the classes a full-fleet rental mints, one of each.
var FleetClasses = [5]ShipClass{
	ClassScout,
	ClassInterceptor,
	ClassCorvette,
	ClassFrigate,
	ClassCarrier,
}

// Known reports whether the class is one of the protocol classes.
func (c ShipClass) Known() bool {
	for _, fc := range FleetClasses {
		if c == fc {
			return true
		}
	}
	return false
}

// Rental limits and fee rules.
const (
	// DefaultGames is the number of games a protocol rental grants.
	DefaultGames = 1
	// MinHours and MaxHours bound the renter-chosen time window.
	MinHours = 1
	MaxHours = 168
	// MaxP2PGames caps how many games a peer-to-peer listing may sell at once.
	MaxP2PGames = 50
	// GracePeriod is added to the time window before a rental counts as
	// expired.
	GracePeriod = time.Hour
	// FeeBps is the 2.5% marketplace cut of a peer-to-peer rental's earnings,
	// taken on return.
	FeeBps = 250
	// CleanupRewardBps is the 10% share of recovered value paid to a
	// permissionless cleanup caller.
	CleanupRewardBps = 1000
)

// Active is a ship currently out on rent. Owner is empty for protocol-owned
// rentals; ListingID is zero unless the rental came from a P2P listing.
type Active struct {
	AssetID        uint64
	Renter         string
	Owner          string
	GamesRemaining int
	MaxHours       int
	StartTime      time.Time
	LastGameTime   time.Time
	TotalPaid      int64
	PricePerGame   int64
	ListingID      uint64
	ProtocolOwned  bool
}

// Expired reports whether the rental is reclaimable: all games consumed, or
// the time window plus grace has elapsed.
func (r Active) Expired(now time.Time) bool {
	if r.GamesRemaining == 0 {
		return true
	}
	window := time.Duration(r.MaxHours)*time.Hour + GracePeriod
	return now.Sub(r.StartTime) >= window
}

// P2PListing is an owner's standing offer to rent out a ship. The record is
// flipped inactive while the ship is out and reactivated on return; it is
// destroyed only when the owner withdraws it.
type P2PListing struct {
	ID           uint64
	AssetID      uint64
	Owner        string
	PricePerGame int64
	MaxGames     int
	Active       bool
	TotalEarned  int64
	ListedAt     time.Time
}

// ProtocolConfig is the admin-set pricing for one protocol ship class.
// PromoMultiplier is a percentage: 100 means list price, 50 a half-price
// promotion.
type ProtocolConfig struct {
	Class           ShipClass
	BasePrice       int64
	Active          bool
	PromoMultiplier int64
}

// Price returns the effective protocol rental price under the current promo.
func (c ProtocolConfig) Price() int64 {
	return c.BasePrice * c.PromoMultiplier / 100
}
