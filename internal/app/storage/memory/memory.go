// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It backs tests and the local server mode and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/listing"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
)

// Store is the in-memory persistence layer.
type Store struct {
	mu sync.RWMutex

	nextListingID uint64
	nextP2PID     uint64

	listings       map[uint64]listing.Listing
	bids           map[uint64][]listing.Bid
	assetToListing map[uint64]uint64 // asset id -> active sale listing id

	rentals     map[uint64]rental.Active // keyed by asset id
	byRenter    map[string]map[uint64]bool
	p2pListings map[uint64]rental.P2PListing
	assetToP2P  map[uint64]uint64
	configs     map[rental.ShipClass]rental.ProtocolConfig

	stats storage.Stats
}

var (
	_ storage.ListingStore = (*Store)(nil)
	_ storage.RentalStore  = (*Store)(nil)
	_ storage.StatsStore   = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextListingID:  1,
		nextP2PID:      1,
		listings:       make(map[uint64]listing.Listing),
		bids:           make(map[uint64][]listing.Bid),
		assetToListing: make(map[uint64]uint64),
		rentals:        make(map[uint64]rental.Active),
		byRenter:       make(map[string]map[uint64]bool),
		p2pListings:    make(map[uint64]rental.P2PListing),
		assetToP2P:     make(map[uint64]uint64),
		configs:        make(map[rental.ShipClass]rental.ProtocolConfig),
		stats: storage.Stats{
			VolumeByAsset:   make(map[payment.Asset]int64),
			FeesByAsset:     make(map[payment.Asset]int64),
			PendingFees:     make(map[payment.Asset]int64),
			PurchasesByUser: make(map[string]int64),
		},
	}
}

// ListingStore implementation -------------------------------------------------

func (s *Store) CreateListing(_ context.Context, l listing.Listing) (listing.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.assetToListing[l.AssetID]; ok {
		return listing.Listing{}, fmt.Errorf("asset %d already listed under %d", l.AssetID, existing)
	}

	l.ID = s.nextListingID
	s.nextListingID++

	s.listings[l.ID] = l
	if l.Status == listing.StatusActive {
		s.assetToListing[l.AssetID] = l.ID
	}
	return l, nil
}

func (s *Store) UpdateListing(_ context.Context, l listing.Listing) (listing.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; !ok {
		return listing.Listing{}, fmt.Errorf("listing %d: %w", l.ID, storage.ErrNotFound)
	}

	s.listings[l.ID] = l
	if l.Status == listing.StatusActive {
		s.assetToListing[l.AssetID] = l.ID
	} else if s.assetToListing[l.AssetID] == l.ID {
		delete(s.assetToListing, l.AssetID)
	}
	return l, nil
}

func (s *Store) GetListing(_ context.Context, id uint64) (listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return listing.Listing{}, fmt.Errorf("listing %d: %w", id, storage.ErrNotFound)
	}
	return l, nil
}

func (s *Store) ActiveListingByAsset(_ context.Context, assetID uint64) (listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.assetToListing[assetID]
	if !ok {
		return listing.Listing{}, fmt.Errorf("asset %d: %w", assetID, storage.ErrNotFound)
	}
	return s.listings[id], nil
}

func (s *Store) ListingsBySeller(_ context.Context, seller string) ([]listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]listing.Listing, 0)
	for _, l := range s.listings {
		if l.Seller == seller {
			result = append(result, l)
		}
	}
	return result, nil
}

func (s *Store) AppendBid(_ context.Context, listingID uint64, bid listing.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[listingID]; !ok {
		return fmt.Errorf("listing %d: %w", listingID, storage.ErrNotFound)
	}
	s.bids[listingID] = append(s.bids[listingID], bid)
	return nil
}

func (s *Store) Bids(_ context.Context, listingID uint64) ([]listing.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trail := s.bids[listingID]
	out := make([]listing.Bid, len(trail))
	copy(out, trail)
	return out, nil
}

// RentalStore implementation --------------------------------------------------

func (s *Store) CreateRental(_ context.Context, r rental.Active) (rental.Active, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rentals[r.AssetID]; ok {
		return rental.Active{}, fmt.Errorf("asset %d already rented", r.AssetID)
	}

	s.rentals[r.AssetID] = r
	if s.byRenter[r.Renter] == nil {
		s.byRenter[r.Renter] = make(map[uint64]bool)
	}
	s.byRenter[r.Renter][r.AssetID] = true
	return r, nil
}

func (s *Store) UpdateRental(_ context.Context, r rental.Active) (rental.Active, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rentals[r.AssetID]; !ok {
		return rental.Active{}, fmt.Errorf("rental for asset %d: %w", r.AssetID, storage.ErrNotFound)
	}
	s.rentals[r.AssetID] = r
	return r, nil
}

func (s *Store) GetRentalByAsset(_ context.Context, assetID uint64) (rental.Active, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rentals[assetID]
	if !ok {
		return rental.Active{}, fmt.Errorf("rental for asset %d: %w", assetID, storage.ErrNotFound)
	}
	return r, nil
}

func (s *Store) DeleteRental(_ context.Context, assetID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rentals[assetID]
	if !ok {
		return fmt.Errorf("rental for asset %d: %w", assetID, storage.ErrNotFound)
	}
	delete(s.rentals, assetID)
	if renters := s.byRenter[r.Renter]; renters != nil {
		delete(renters, assetID)
		if len(renters) == 0 {
			delete(s.byRenter, r.Renter)
		}
	}
	return nil
}

func (s *Store) ListActiveRentals(_ context.Context) ([]rental.Active, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]rental.Active, 0, len(s.rentals))
	for _, r := range s.rentals {
		result = append(result, r)
	}
	return result, nil
}

func (s *Store) ListRentalsByRenter(_ context.Context, renter string) ([]rental.Active, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]rental.Active, 0)
	for assetID := range s.byRenter[renter] {
		result = append(result, s.rentals[assetID])
	}
	return result, nil
}

func (s *Store) CreateP2PListing(_ context.Context, p rental.P2PListing) (rental.P2PListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.assetToP2P[p.AssetID]; ok {
		return rental.P2PListing{}, fmt.Errorf("asset %d already listed for rent under %d", p.AssetID, existing)
	}

	p.ID = s.nextP2PID
	s.nextP2PID++

	s.p2pListings[p.ID] = p
	s.assetToP2P[p.AssetID] = p.ID
	return p, nil
}

func (s *Store) UpdateP2PListing(_ context.Context, p rental.P2PListing) (rental.P2PListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.p2pListings[p.ID]; !ok {
		return rental.P2PListing{}, fmt.Errorf("p2p listing %d: %w", p.ID, storage.ErrNotFound)
	}
	s.p2pListings[p.ID] = p
	return p, nil
}

func (s *Store) GetP2PListing(_ context.Context, id uint64) (rental.P2PListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.p2pListings[id]
	if !ok {
		return rental.P2PListing{}, fmt.Errorf("p2p listing %d: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) GetP2PListingByAsset(_ context.Context, assetID uint64) (rental.P2PListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.assetToP2P[assetID]
	if !ok {
		return rental.P2PListing{}, fmt.Errorf("asset %d: %w", assetID, storage.ErrNotFound)
	}
	return s.p2pListings[id], nil
}

func (s *Store) DeleteP2PListing(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.p2pListings[id]
	if !ok {
		return fmt.Errorf("p2p listing %d: %w", id, storage.ErrNotFound)
	}
	delete(s.p2pListings, id)
	if s.assetToP2P[p.AssetID] == id {
		delete(s.assetToP2P, p.AssetID)
	}
	return nil
}

func (s *Store) ListP2PListings(_ context.Context, activeOnly bool) ([]rental.P2PListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]rental.P2PListing, 0)
	for _, p := range s.p2pListings {
		if !activeOnly || p.Active {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *Store) UpsertProtocolConfig(_ context.Context, c rental.ProtocolConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.Class] = c
	return nil
}

func (s *Store) GetProtocolConfig(_ context.Context, class rental.ShipClass) (rental.ProtocolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.configs[class]
	if !ok {
		return rental.ProtocolConfig{}, fmt.Errorf("protocol config for %s: %w", class, storage.ErrNotFound)
	}
	return c, nil
}

// StatsStore implementation ---------------------------------------------------

func (s *Store) AddSale(_ context.Context, asset payment.Asset, buyer string, volume int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Sales++
	s.stats.Volume += volume
	s.stats.VolumeByAsset[asset] += volume
	s.stats.PurchasesByUser[buyer]++
	return nil
}

func (s *Store) AddFees(_ context.Context, asset payment.Asset, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.FeesByAsset[asset] += amount
	s.stats.PendingFees[asset] += amount
	return nil
}

func (s *Store) TakePendingFees(_ context.Context, asset payment.Asset) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.stats.PendingFees[asset]
	s.stats.PendingFees[asset] = 0
	return pending, nil
}

func (s *Store) AddStakingFees(_ context.Context, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.StakingFees += amount
	return nil
}

func (s *Store) GetStats(_ context.Context) (storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := storage.Stats{
		Sales:           s.stats.Sales,
		Volume:          s.stats.Volume,
		StakingFees:     s.stats.StakingFees,
		VolumeByAsset:   copyTotals(s.stats.VolumeByAsset),
		FeesByAsset:     copyTotals(s.stats.FeesByAsset),
		PendingFees:     copyTotals(s.stats.PendingFees),
		PurchasesByUser: copyCounts(s.stats.PurchasesByUser),
	}
	return out, nil
}

// Helpers ---------------------------------------------------------------------

func copyTotals(src map[payment.Asset]int64) map[payment.Asset]int64 {
	dst := make(map[payment.Asset]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
