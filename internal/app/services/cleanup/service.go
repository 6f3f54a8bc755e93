// Package cleanup reclaims expired rentals. Anyone may trigger a batch and
// earn a share of the recovered value; governance may designate a cleaner who
// works for free and force returns outside the expiry rules.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/metrics"
	"github.com/nebulaforge/fleetmarket/internal/app/services/payments"
	"github.com/nebulaforge/fleetmarket/internal/app/services/rentals"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// Batch size bounds for one cleanup call.
const (
	MinBatch = 1
	MaxBatch = 20
)

// Errors
var (
	ErrBatchSize      = errors.New("batch size out of bounds")
	ErrNothingExpired = errors.New("no entry in the batch was expired")
	ErrUnauthorized   = errors.New("caller is not authorized")
)

// Result summarizes one cleanup batch.
type Result struct {
	Cleaned int
	Skipped int
	Total   int64
	Reward  int64
	Staked  int64
}

// Service is the cleanup scheduler.
type Service struct {
	rentals   *rentals.Service
	store     storage.RentalStore
	pay       *payments.Service
	recorder  *events.Recorder
	gate      *sync.Mutex
	log       *logger.Logger
	now       func() time.Time
	rentAsset payment.Asset
	isAdmin   func(addr string) bool

	mu      sync.RWMutex
	cleaner string
}

// New constructs the cleanup scheduler. rentAsset must match the rental
// engine's payment asset since rewards are paid from the same custody pool;
// cleaner seeds the designated cleaner appointment and may be empty.
func New(rentalSvc *rentals.Service, store storage.RentalStore, pay *payments.Service,
	recorder *events.Recorder, gate *sync.Mutex, rentAsset payment.Asset, cleaner string,
	isAdmin func(string) bool, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("cleanup")
	}
	if gate == nil {
		gate = &sync.Mutex{}
	}
	if rentAsset == "" {
		rentAsset = payment.Native
	}
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Service{
		rentals:   rentalSvc,
		store:     store,
		pay:       pay,
		recorder:  recorder,
		gate:      gate,
		log:       log,
		now:       time.Now,
		rentAsset: rentAsset,
		cleaner:   cleaner,
		isAdmin:   isAdmin,
	}
}

// ExpiredRentalIDs scans the active rental book and returns every ship whose
// rental is reclaimable.
func (s *Service) ExpiredRentalIDs(ctx context.Context) ([]uint64, error) {
	active, err := s.store.ListActiveRentals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rentals: %w", err)
	}
	now := s.now()
	var ids []uint64
	for _, r := range active {
		if r.Expired(now) {
			ids = append(ids, r.AssetID)
		}
	}
	return ids, nil
}

// CleanupExpiredRentals force-returns every expired rental in the batch.
// Entries that are not expired, or already reclaimed, are skipped; the call
// fails only when nothing in the batch was reclaimable. A non-admin,
// non-designated caller earns a share of the recovered value; the rest goes to
// the staking pool.
func (s *Service) CleanupExpiredRentals(ctx context.Context, caller string, ids []uint64) (Result, error) {
	if len(ids) < MinBatch || len(ids) > MaxBatch {
		return Result{}, ErrBatchSize
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	now := s.now()
	var res Result
	for _, id := range ids {
		r, err := s.store.GetRentalByAsset(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("get rental %d: %w", id, err)
		}
		if !r.Expired(now) {
			res.Skipped++
			continue
		}

		contribution, err := s.rentals.ForceReturn(ctx, id)
		if err != nil {
			// An unreturnable entry must not forfeit the contributions already
			// reclaimed in this batch.
			s.log.WithError(err).WithField("asset_id", id).Warn("force return failed")
			res.Skipped++
			continue
		}
		res.Cleaned++
		res.Total += contribution
	}

	if res.Cleaned == 0 {
		return Result{}, ErrNothingExpired
	}

	if !s.privileged(caller) {
		res.Reward = payment.Share(res.Total, rental.CleanupRewardBps)
	}
	res.Staked = res.Total - res.Reward

	if res.Reward > 0 {
		if err := s.pay.Payout(ctx, s.rentAsset, caller, res.Reward); err != nil {
			return Result{}, fmt.Errorf("pay cleanup reward: %w", err)
		}
	}
	if err := s.rentals.RouteToStaking(ctx, res.Staked); err != nil {
		return Result{}, err
	}

	s.log.WithField("caller", caller).
		WithField("cleaned", res.Cleaned).
		WithField("skipped", res.Skipped).
		WithField("reward", res.Reward).
		WithField("staked", res.Staked).
		Info("expired rentals cleaned")
	metrics.RentalsCleaned.Add(float64(res.Cleaned))
	s.recorder.Emit(ctx, events.Record{
		Type:    events.TypeRentalCleaned,
		Actor:   caller,
		Payment: s.rentAsset,
		Amount:  res.Total,
		Metadata: map[string]string{
			"cleaned": fmt.Sprintf("%d", res.Cleaned),
			"skipped": fmt.Sprintf("%d", res.Skipped),
			"reward":  fmt.Sprintf("%d", res.Reward),
		},
	})
	return res, nil
}

// EmergencyReturnRental force-returns one rental regardless of expiry state.
// Admin only; the full recovered value goes to the staking pool.
func (s *Service) EmergencyReturnRental(ctx context.Context, caller string, assetID uint64) error {
	if !s.isAdmin(caller) {
		return ErrUnauthorized
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	contribution, err := s.rentals.ForceReturn(ctx, assetID)
	if err != nil {
		return err
	}
	if err := s.rentals.RouteToStaking(ctx, contribution); err != nil {
		return err
	}

	s.log.WithField("asset_id", assetID).
		WithField("staked", contribution).
		Warn("emergency rental return")
	s.recorder.Emit(ctx, events.Record{
		Type:    events.TypeRentalCleaned,
		Actor:   caller,
		AssetID: assetID,
		Payment: s.rentAsset,
		Amount:  contribution,
		Metadata: map[string]string{
			"emergency": "true",
		},
	})
	return nil
}

// SetDesignatedCleaner appoints the account whose cleanup calls earn no
// reward. Admin only; an empty address clears the appointment.
func (s *Service) SetDesignatedCleaner(ctx context.Context, caller, cleaner string) error {
	if !s.isAdmin(caller) {
		return ErrUnauthorized
	}

	s.mu.Lock()
	s.cleaner = cleaner
	s.mu.Unlock()

	s.log.WithField("cleaner", cleaner).Info("designated cleaner changed")
	s.recorder.Emit(ctx, events.Record{
		Type:     events.TypeCleanerChanged,
		Actor:    caller,
		Metadata: map[string]string{"cleaner": cleaner},
	})
	return nil
}

// DesignatedCleaner returns the appointed cleaner, if any.
func (s *Service) DesignatedCleaner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleaner
}

// privileged reports whether the caller performs cleanup as a duty rather
// than for the permissionless reward.
func (s *Service) privileged(caller string) bool {
	if s.isAdmin(caller) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleaner != "" && s.cleaner == caller
}
