package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/listing"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

func TestCreateListingReturnsID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO market_listings`).
		WithArgs(uint64(7), "alice", "credits", int64(100), "fixed", "active",
			now, now.Add(time.Hour), int64(0), "", 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	l, err := s.CreateListing(context.Background(), listing.Listing{
		AssetID: 7, Seller: "alice", PaymentAsset: "credits", Price: 100,
		Kind: listing.KindFixed, Status: listing.StatusActive,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), l.ID)
}

func TestGetListingNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM market_listings WHERE id`).
		WithArgs(uint64(99)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "asset_id", "seller", "payment_asset", "price", "kind", "status",
			"created_at", "expires_at", "highest_bid", "highest_bidder", "bid_count",
		}))

	_, err := s.GetListing(context.Background(), 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetListingScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "asset_id", "seller", "payment_asset", "price", "kind", "status",
		"created_at", "expires_at", "highest_bid", "highest_bidder", "bid_count",
	}).AddRow(5, 7, "alice", "credits", 100, "auction", "active", now, now.Add(time.Hour), 110, "bob", 2)
	mock.ExpectQuery(`SELECT (.+) FROM market_listings WHERE id`).
		WithArgs(uint64(5)).
		WillReturnRows(rows)

	l, err := s.GetListing(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, listing.KindAuction, l.Kind)
	assert.Equal(t, listing.StatusActive, l.Status)
	assert.Equal(t, "bob", l.HighestBidder)
	assert.Equal(t, int64(110), l.HighestBid)
	assert.Equal(t, 2, l.BidCount)
}

func TestUpdateListingMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE market_listings`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.UpdateListing(context.Background(), listing.Listing{ID: 3})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRentalLastGameTimeNullable(t *testing.T) {
	s, mock := newMockStore(t)
	start := time.Now()

	// A fresh rental carries no last game time and is stored as NULL.
	mock.ExpectExec(`INSERT INTO active_rentals`).
		WithArgs(uint64(9), "bob", "", 10, 24, start, sqlmock.AnyArg(),
			int64(100), int64(10), uint64(0), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.CreateRental(context.Background(), rental.Active{
		AssetID: 9, Renter: "bob", GamesRemaining: 10, MaxHours: 24,
		StartTime: start, TotalPaid: 100, PricePerGame: 10, ProtocolOwned: true,
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"asset_id", "renter", "owner", "games_remaining", "max_hours",
		"start_time", "last_game_time", "total_paid", "price_per_game", "listing_id", "protocol_owned",
	}).AddRow(9, "bob", "", 10, 24, start, nil, 100, 10, 0, true)
	mock.ExpectQuery(`SELECT (.+) FROM active_rentals WHERE asset_id`).
		WithArgs(uint64(9)).
		WillReturnRows(rows)

	r, err := s.GetRentalByAsset(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, r.LastGameTime.IsZero())
	assert.True(t, r.ProtocolOwned)
}

func TestDeleteRentalNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM active_rentals`).
		WithArgs(uint64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteRental(context.Background(), 9), storage.ErrNotFound)
}

func TestTakePendingFeesZeroesInTx(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT value FROM stat_asset_totals`).
		WithArgs("credits").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(25))
	mock.ExpectExec(`UPDATE stat_asset_totals SET value = 0`).
		WithArgs("credits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	taken, err := s.TakePendingFees(context.Background(), "credits")
	require.NoError(t, err)
	assert.Equal(t, int64(25), taken)
}

func TestTakePendingFeesNothingAccrued(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT value FROM stat_asset_totals`).
		WithArgs("credits").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectRollback()

	taken, err := s.TakePendingFees(context.Background(), "credits")
	require.NoError(t, err)
	assert.Zero(t, taken)
}

func TestGetStatsAssemblesMaps(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT name, value FROM stat_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "value"}).
			AddRow("sales", 3).AddRow("volume", 450).AddRow("staking_fees", 12))
	mock.ExpectQuery(`SELECT kind, asset, value FROM stat_asset_totals`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "asset", "value"}).
			AddRow("volume", "credits", 450).
			AddRow("fees", "credits", 11).
			AddRow("pending_fees", "credits", 4))
	mock.ExpectQuery(`SELECT buyer, purchases FROM stat_purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"buyer", "purchases"}).AddRow("bob", 3))

	stats, err := s.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Sales)
	assert.Equal(t, int64(450), stats.Volume)
	assert.Equal(t, int64(12), stats.StakingFees)
	assert.Equal(t, int64(450), stats.VolumeByAsset["credits"])
	assert.Equal(t, int64(11), stats.FeesByAsset["credits"])
	assert.Equal(t, int64(4), stats.PendingFees["credits"])
	assert.Equal(t, int64(3), stats.PurchasesByUser["bob"])
}

func TestUpsertProtocolConfig(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO protocol_configs`).
		WithArgs("scout", int64(100), true, int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertProtocolConfig(context.Background(), rental.ProtocolConfig{
		Class: rental.ClassScout, BasePrice: 100, Active: true, PromoMultiplier: 100,
	})
	assert.NoError(t, err)
}
