package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulaforge/fleetmarket/internal/app/chain"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/services/payments"
	"github.com/nebulaforge/fleetmarket/internal/app/services/rentals"
	"github.com/nebulaforge/fleetmarket/internal/app/storage/memory"
)

const (
	custody = "custody"
	admin   = "admin"
)

type fixture struct {
	svc     *Service
	rentals *rentals.Service
	chain   *chain.Memory
	store   *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		chain: chain.NewMemory(),
		store: memory.New(),
	}
	recorder := events.NewRecorder(nil, events.NewMemorySink(100))
	gate := &sync.Mutex{}
	isAdmin := func(addr string) bool { return addr == admin }
	pay := payments.New(f.chain, f.chain, f.store, recorder, custody,
		[]payment.Asset{payment.Native}, isAdmin, gate, nil)
	f.rentals = rentals.New(f.store, f.store, f.store, f.chain, pay, f.chain, recorder,
		gate, rentals.Config{IsAdmin: isAdmin}, nil)
	f.svc = New(f.rentals, f.store, pay, recorder, gate, payment.Native, "", isAdmin, nil)
	return f
}

// seedProtocolRental places a protocol rental directly in the book, with the
// paid amount sitting in custody the way a real rental leaves it.
func (f *fixture) seedProtocolRental(t *testing.T, renter string, paid int64, expired bool) uint64 {
	t.Helper()

	id := f.chain.MintShip(renter, rental.ClassScout)
	start := time.Now()
	if expired {
		start = start.Add(-3 * time.Hour)
	}
	_, err := f.store.CreateRental(context.Background(), rental.Active{
		AssetID:        id,
		Renter:         renter,
		GamesRemaining: 1,
		MaxHours:       1,
		StartTime:      start,
		TotalPaid:      paid,
		PricePerGame:   paid,
		ProtocolOwned:  true,
	})
	require.NoError(t, err)
	f.chain.Credit(payment.Native, custody, paid)
	return id
}

func (f *fixture) balance(t *testing.T, addr string) int64 {
	t.Helper()
	bal, err := f.chain.BalanceOf(context.Background(), payment.Native, addr)
	require.NoError(t, err)
	return bal
}

func TestCleanupBatchBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CleanupExpiredRentals(ctx, "caller", nil)
	assert.ErrorIs(t, err, ErrBatchSize)

	ids := make([]uint64, MaxBatch+1)
	_, err = f.svc.CleanupExpiredRentals(ctx, "caller", ids)
	assert.ErrorIs(t, err, ErrBatchSize)
}

func TestCleanupAllUnexpiredRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live := f.seedProtocolRental(t, "renter", 100, false)

	_, err := f.svc.CleanupExpiredRentals(ctx, "caller", []uint64{live, 999})
	assert.ErrorIs(t, err, ErrNothingExpired)

	// The live rental was left alone.
	_, err = f.rentals.RentalByAsset(ctx, live)
	assert.NoError(t, err)
}

func TestCleanupRewardSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedProtocolRental(t, "r1", 100, true)
	b := f.seedProtocolRental(t, "r2", 150, true)
	live := f.seedProtocolRental(t, "r3", 500, false)

	res, err := f.svc.CleanupExpiredRentals(ctx, "caller", []uint64{a, b, live})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Cleaned)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(250), res.Total)
	// reward = floor(250*1000/10000) = 25, the rest goes to the staking pool.
	assert.Equal(t, int64(25), res.Reward)
	assert.Equal(t, int64(225), res.Staked)

	assert.Equal(t, int64(25), f.balance(t, "caller"))
	assert.Equal(t, int64(225), f.chain.StakingNotified())

	stats, err := f.store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(225), stats.StakingFees)

	// Reclaimed rentals are gone and their ships burned.
	_, err = f.rentals.RentalByAsset(ctx, a)
	assert.ErrorIs(t, err, rentals.ErrRentalNotFound)
	_, err = f.chain.OwnerOf(ctx, a)
	assert.ErrorIs(t, err, chain.ErrUnknownAsset)
	_, err = f.rentals.RentalByAsset(ctx, live)
	assert.NoError(t, err)
}

func TestCleanupAdminEarnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedProtocolRental(t, "r1", 200, true)

	res, err := f.svc.CleanupExpiredRentals(ctx, admin, []uint64{a})
	require.NoError(t, err)
	assert.Zero(t, res.Reward)
	assert.Equal(t, int64(200), res.Staked)
	assert.Equal(t, int64(0), f.balance(t, admin))
	assert.Equal(t, int64(200), f.chain.StakingNotified())
}

func TestDesignatedCleanerEarnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.SetDesignatedCleaner(ctx, "mallory", "janitor")
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.svc.SetDesignatedCleaner(ctx, admin, "janitor"))
	assert.Equal(t, "janitor", f.svc.DesignatedCleaner())

	a := f.seedProtocolRental(t, "r1", 300, true)
	res, err := f.svc.CleanupExpiredRentals(ctx, "janitor", []uint64{a})
	require.NoError(t, err)
	assert.Zero(t, res.Reward)
	assert.Equal(t, int64(300), res.Staked)
	assert.Equal(t, int64(0), f.balance(t, "janitor"))
}

func TestEmergencyReturnRental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live := f.seedProtocolRental(t, "renter", 400, false)

	err := f.svc.EmergencyReturnRental(ctx, "mallory", live)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Admin may force a return regardless of expiry; everything staked.
	require.NoError(t, f.svc.EmergencyReturnRental(ctx, admin, live))
	assert.Equal(t, int64(400), f.chain.StakingNotified())
	_, err = f.rentals.RentalByAsset(ctx, live)
	assert.ErrorIs(t, err, rentals.ErrRentalNotFound)
}

func TestExpiredRentalIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedProtocolRental(t, "r1", 100, true)
	f.seedProtocolRental(t, "r2", 100, false)

	ids, err := f.svc.ExpiredRentalIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{a}, ids)
}

func TestSweeperSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetDesignatedCleaner(ctx, admin, "janitor"))
	f.seedProtocolRental(t, "r1", 100, true)
	f.seedProtocolRental(t, "r2", 150, true)

	sweeper := NewSweeper(f.svc, "janitor", "", nil)
	cleaned := sweeper.Sweep(ctx)
	assert.Equal(t, 2, cleaned)

	// The designated cleaner works for free; all value staked.
	assert.Equal(t, int64(0), f.balance(t, "janitor"))
	assert.Equal(t, int64(250), f.chain.StakingNotified())

	assert.Zero(t, sweeper.Sweep(ctx))
}

func TestCleanupSkipsUnreturnableRental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A peer rental whose renter never granted the custody account operator
	// rights cannot be returned; it must not sink the rest of the batch.
	stuck := f.chain.MintShip("hoarder", rental.ClassScout)
	_, err := f.store.CreateRental(ctx, rental.Active{
		AssetID:        stuck,
		Renter:         "hoarder",
		Owner:          "owner",
		GamesRemaining: 1,
		MaxHours:       1,
		StartTime:      time.Now().Add(-3 * time.Hour),
		TotalPaid:      200,
		PricePerGame:   200,
		ListingID:      1,
	})
	require.NoError(t, err)

	good := f.seedProtocolRental(t, "r1", 100, true)

	res, err := f.svc.CleanupExpiredRentals(ctx, "caller", []uint64{stuck, good})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleaned)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(100), res.Total)
	assert.Equal(t, int64(10), res.Reward)
	assert.Equal(t, int64(90), res.Staked)

	// The reclaimed contribution still reached the caller and the pool.
	assert.Equal(t, int64(10), f.balance(t, "caller"))
	assert.Equal(t, int64(90), f.chain.StakingNotified())

	// The unreturnable rental is untouched: still booked, ship unmoved.
	_, err = f.rentals.RentalByAsset(ctx, stuck)
	assert.NoError(t, err)
	owner, err := f.chain.OwnerOf(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, "hoarder", owner)
}
