// Package chain defines the external collaborators the marketplace consumes:
// the ship registry, the fungible payment ledger, and the revenue and staking
// sinks. The engine never owns these concerns; it moves ships and value
// through these interfaces and keeps its own bookkeeping elsewhere.
package chain

import (
	"context"
	"errors"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
)

// Errors shared by collaborator implementations.
var (
	ErrUnknownAsset      = errors.New("unknown asset")
	ErrUnknownPayment    = errors.New("unknown payment asset")
	ErrNotOwner          = errors.New("caller does not own asset")
	ErrNotApproved       = errors.New("transfer not approved")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// AssetRegistry owns ship identity, ownership, approvals and mint/burn.
type AssetRegistry interface {
	// OwnerOf returns the current owner of a ship.
	OwnerOf(ctx context.Context, assetID uint64) (string, error)

	// TransferFrom moves a ship between accounts on behalf of the operator.
	// The operator must be the owner, the per-token approvee, or an
	// operator approved for all of the owner's ships.
	TransferFrom(ctx context.Context, operator, from, to string, assetID uint64) error

	// GetApproved returns the single account approved for a ship, if any.
	GetApproved(ctx context.Context, assetID uint64) (string, error)

	// IsApprovedForAll reports whether operator may move all of owner's ships.
	IsApprovedForAll(ctx context.Context, owner, operator string) (bool, error)

	// MintRental mints a protocol-owned rental ship of the given class to the
	// recipient and returns its id.
	MintRental(ctx context.Context, to string, class rental.ShipClass) (uint64, error)

	// Burn destroys a ship.
	Burn(ctx context.Context, assetID uint64) error

	// TokenClass returns the class a ship was minted as.
	TokenClass(ctx context.Context, assetID uint64) (rental.ShipClass, error)
}

// Ledger moves fungible value between accounts, one balance book per payment
// asset. The native asset rides the same interface under payment.Native, so
// the engine has a single payment path instead of a dual native/token send.
type Ledger interface {
	// Transfer moves amount of asset from one account to another.
	Transfer(ctx context.Context, asset payment.Asset, from, to string, amount int64) error

	// BalanceOf returns the balance an account holds in asset.
	BalanceOf(ctx context.Context, asset payment.Asset, addr string) (int64, error)
}

// RevenueSink records marketplace fee revenue as it is booked.
type RevenueSink interface {
	RecordRevenue(ctx context.Context, asset payment.Asset, amount int64) error
}

// StakingPool is notified when recovered rental value is routed to stakers.
type StakingPool interface {
	NotifyRewardAmount(ctx context.Context, amount int64) error
}
