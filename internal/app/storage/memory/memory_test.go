package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/listing"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
)

func TestListingAssetIndex(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	l, err := s.CreateListing(ctx, listing.Listing{
		AssetID: 7, Seller: "alice", PaymentAsset: "credits", Price: 100,
		Kind: listing.KindFixed, Status: listing.StatusActive,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotZero(t, l.ID)

	// The index holds exactly while the listing is active.
	got, err := s.ActiveListingByAsset(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	_, err = s.CreateListing(ctx, listing.Listing{AssetID: 7, Status: listing.StatusActive})
	assert.Error(t, err)

	l.Status = listing.StatusSold
	_, err = s.UpdateListing(ctx, l)
	require.NoError(t, err)
	_, err = s.ActiveListingByAsset(ctx, 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A terminal listing stays retrievable by id.
	got, err = s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusSold, got.Status)

	// And the asset slot is free again.
	_, err = s.CreateListing(ctx, listing.Listing{AssetID: 7, Status: listing.StatusActive})
	assert.NoError(t, err)
}

func TestBidTrailAppendOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	l, err := s.CreateListing(ctx, listing.Listing{AssetID: 1, Status: listing.StatusActive})
	require.NoError(t, err)

	assert.ErrorIs(t, s.AppendBid(ctx, 999, listing.Bid{}), storage.ErrNotFound)

	require.NoError(t, s.AppendBid(ctx, l.ID, listing.Bid{Bidder: "x", Amount: 100}))
	require.NoError(t, s.AppendBid(ctx, l.ID, listing.Bid{Bidder: "y", Amount: 110}))

	trail, err := s.Bids(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "x", trail[0].Bidder)
	assert.Equal(t, "y", trail[1].Bidder)
}

func TestRentalIndexes(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateRental(ctx, rental.Active{AssetID: 1, Renter: "bob"})
	require.NoError(t, err)
	_, err = s.CreateRental(ctx, rental.Active{AssetID: 2, Renter: "bob"})
	require.NoError(t, err)

	_, err = s.CreateRental(ctx, rental.Active{AssetID: 1, Renter: "eve"})
	assert.Error(t, err)

	mine, err := s.ListRentalsByRenter(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	require.NoError(t, s.DeleteRental(ctx, 1))
	assert.ErrorIs(t, s.DeleteRental(ctx, 1), storage.ErrNotFound)

	mine, err = s.ListRentalsByRenter(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	assert.Equal(t, uint64(2), mine[0].AssetID)

	all, err := s.ListActiveRentals(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestP2PListingAssetIndex(t *testing.T) {
	s := New()
	ctx := context.Background()

	p, err := s.CreateP2PListing(ctx, rental.P2PListing{AssetID: 9, Owner: "alice", Active: true})
	require.NoError(t, err)

	_, err = s.CreateP2PListing(ctx, rental.P2PListing{AssetID: 9})
	assert.Error(t, err)

	byAsset, err := s.GetP2PListingByAsset(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byAsset.ID)

	p.Active = false
	_, err = s.UpdateP2PListing(ctx, p)
	require.NoError(t, err)

	active, err := s.ListP2PListings(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := s.ListP2PListings(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteP2PListing(ctx, p.ID))
	_, err = s.GetP2PListingByAsset(ctx, 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProtocolConfigRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetProtocolConfig(ctx, rental.ClassScout)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cfg := rental.ProtocolConfig{Class: rental.ClassScout, BasePrice: 100, Active: true, PromoMultiplier: 100}
	require.NoError(t, s.UpsertProtocolConfig(ctx, cfg))

	got, err := s.GetProtocolConfig(ctx, rental.ClassScout)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestStatsAccumulators(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddSale(ctx, "credits", "buyer", 100))
	require.NoError(t, s.AddSale(ctx, "credits", "buyer", 50))
	require.NoError(t, s.AddFees(ctx, "credits", 3))
	require.NoError(t, s.AddStakingFees(ctx, 10))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Sales)
	assert.Equal(t, int64(150), stats.Volume)
	assert.Equal(t, int64(150), stats.VolumeByAsset["credits"])
	assert.Equal(t, int64(3), stats.FeesByAsset["credits"])
	assert.Equal(t, int64(3), stats.PendingFees["credits"])
	assert.Equal(t, int64(10), stats.StakingFees)
	assert.Equal(t, int64(2), stats.PurchasesByUser["buyer"])

	taken, err := s.TakePendingFees(ctx, "credits")
	require.NoError(t, err)
	assert.Equal(t, int64(3), taken)

	stats, err = s.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingFees["credits"])
	assert.Equal(t, int64(3), stats.FeesByAsset["credits"])

	// Snapshots are copies, not views.
	stats.VolumeByAsset["credits"] = 0
	fresh, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(150), fresh.VolumeByAsset["credits"])
}
