// Package payments moves value between marketplace parties and books the
// marketplace's fee revenue. All transfers flow through the custody account so
// escrowed funds are always held by the marketplace until released.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nebulaforge/fleetmarket/internal/app/chain"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// Errors
var (
	ErrAssetNotAccepted = errors.New("payment asset not accepted")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrSplitMismatch    = errors.New("seller amount plus fee must equal total")
	ErrUnauthorized     = errors.New("caller is not authorized")
)

// Service is the payment processor. It pulls funds into custody, pays out
// settlements and refunds, and accrues marketplace fees until the treasury
// withdraws them.
type Service struct {
	ledger   chain.Ledger
	revenue  chain.RevenueSink
	stats    storage.StatsStore
	recorder *events.Recorder
	custody  string
	accepted map[payment.Asset]bool
	isAdmin  func(addr string) bool
	gate     *sync.Mutex
	log      *logger.Logger
}

// New constructs a payment processor. The custody account holds every escrowed
// balance and all accrued fees; accepted lists the payment assets listings may
// price in.
func New(ledger chain.Ledger, revenue chain.RevenueSink, stats storage.StatsStore,
	recorder *events.Recorder, custody string, accepted []payment.Asset,
	isAdmin func(string) bool, gate *sync.Mutex, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	if gate == nil {
		gate = &sync.Mutex{}
	}
	set := make(map[payment.Asset]bool, len(accepted))
	for _, a := range accepted {
		set[a] = true
	}
	return &Service{
		ledger:   ledger,
		revenue:  revenue,
		stats:    stats,
		recorder: recorder,
		custody:  custody,
		accepted: set,
		isAdmin:  isAdmin,
		gate:     gate,
		log:      log,
	}
}

// Custody returns the marketplace custody account.
func (s *Service) Custody() string { return s.custody }

// Accepts reports whether listings may be priced in the asset.
func (s *Service) Accepts(asset payment.Asset) bool {
	return asset.Valid() && s.accepted[asset]
}

// Escrow pulls amount from the payer into custody.
func (s *Service) Escrow(ctx context.Context, asset payment.Asset, from string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.ledger.Transfer(ctx, asset, from, s.custody, amount); err != nil {
		return fmt.Errorf("escrow %d %s from %s: %w", amount, asset, from, err)
	}
	return nil
}

// Payout releases amount from custody to the recipient. Used for settlement
// payouts, bid refunds, and cleanup rewards.
func (s *Service) Payout(ctx context.Context, asset payment.Asset, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.ledger.Transfer(ctx, asset, s.custody, to, amount); err != nil {
		return fmt.Errorf("payout %d %s to %s: %w", amount, asset, to, err)
	}
	return nil
}

// BookFee accrues a collected marketplace fee. The funds stay in custody until
// WithdrawFees; the revenue sink is notified as the fee is booked.
func (s *Service) BookFee(ctx context.Context, asset payment.Asset, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := s.stats.AddFees(ctx, asset, amount); err != nil {
		return fmt.Errorf("book fee: %w", err)
	}
	if err := s.revenue.RecordRevenue(ctx, asset, amount); err != nil {
		return fmt.Errorf("record revenue: %w", err)
	}
	return nil
}

// ProcessPayment settles a sale in one movement: pulls total from the buyer,
// forwards sellerAmount to the seller, and books the fee. The split must be
// exact.
func (s *Service) ProcessPayment(ctx context.Context, asset payment.Asset, buyer string, total int64, seller string, sellerAmount, fee int64) error {
	if !s.Accepts(asset) {
		return ErrAssetNotAccepted
	}
	if total <= 0 || sellerAmount < 0 || fee < 0 {
		return ErrInvalidAmount
	}
	if sellerAmount+fee != total {
		return ErrSplitMismatch
	}

	if err := s.Escrow(ctx, asset, buyer, total); err != nil {
		return err
	}
	if err := s.Payout(ctx, asset, seller, sellerAmount); err != nil {
		return err
	}
	return s.BookFee(ctx, asset, fee)
}

// AccruedFees returns the withdrawable fee balance for an asset.
func (s *Service) AccruedFees(ctx context.Context, asset payment.Asset) (int64, error) {
	stats, err := s.stats.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.PendingFees[asset], nil
}

// WithdrawFees moves the accrued fee balance for an asset out of custody to
// the treasury recipient. Admin only; returns the amount withdrawn.
func (s *Service) WithdrawFees(ctx context.Context, caller string, asset payment.Asset, to string) (int64, error) {
	if !s.isAdmin(caller) {
		return 0, ErrUnauthorized
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	amount, err := s.stats.TakePendingFees(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("take pending fees: %w", err)
	}
	if amount == 0 {
		return 0, nil
	}
	if err := s.ledger.Transfer(ctx, asset, s.custody, to, amount); err != nil {
		return 0, fmt.Errorf("withdraw fees: %w", err)
	}

	s.log.WithField("asset", string(asset)).
		WithField("amount", amount).
		WithField("to", to).
		Info("fees withdrawn")
	s.recorder.Emit(ctx, events.Record{
		Type:    events.TypeFeesWithdrawn,
		Actor:   caller,
		Payment: asset,
		Amount:  amount,
		Metadata: map[string]string{
			"recipient": to,
		},
	})
	return amount, nil
}
