package chain

import (
	"context"
	"sync"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
)

// Memory is a thread-safe in-memory implementation of every collaborator
// interface in this package. It backs the local server mode and the test
// suites; production deployments substitute real chain adapters.
type Memory struct {
	mu sync.RWMutex

	nextAsset uint64
	owners    map[uint64]string
	classes   map[uint64]rental.ShipClass
	approved  map[uint64]string
	operators map[string]map[string]bool

	balances map[payment.Asset]map[string]int64
	assets   map[payment.Asset]bool

	revenue     map[payment.Asset]int64
	stakingPaid int64
}

var (
	_ AssetRegistry = (*Memory)(nil)
	_ Ledger        = (*Memory)(nil)
	_ RevenueSink   = (*Memory)(nil)
	_ StakingPool   = (*Memory)(nil)
)

// NewMemory creates an empty in-memory chain with the given payment assets
// registered. The native asset is always registered.
func NewMemory(assets ...payment.Asset) *Memory {
	m := &Memory{
		nextAsset: 1,
		owners:    make(map[uint64]string),
		classes:   make(map[uint64]rental.ShipClass),
		approved:  make(map[uint64]string),
		operators: make(map[string]map[string]bool),
		balances:  make(map[payment.Asset]map[string]int64),
		assets:    map[payment.Asset]bool{payment.Native: true},
		revenue:   make(map[payment.Asset]int64),
	}
	for _, a := range assets {
		m.assets[a] = true
	}
	return m
}

// MintShip mints a player-owned ship and returns its id. Used by seeding and
// tests; protocol rentals go through MintRental.
func (m *Memory) MintShip(owner string, class rental.ShipClass) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextAsset
	m.nextAsset++
	m.owners[id] = owner
	m.classes[id] = class
	return id
}

// Credit adds funds to an account. Test and seeding helper.
func (m *Memory) Credit(asset payment.Asset, addr string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[asset] == nil {
		m.balances[asset] = make(map[string]int64)
	}
	m.balances[asset][addr] += amount
}

// Approve grants a single-token approval.
func (m *Memory) Approve(assetID uint64, operator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approved[assetID] = operator
}

// SetApprovalForAll grants or revokes a blanket operator approval.
func (m *Memory) SetApprovalForAll(owner, operator string, approved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.operators[owner] == nil {
		m.operators[owner] = make(map[string]bool)
	}
	m.operators[owner][operator] = approved
}

// RevenueRecorded returns the total revenue booked for an asset.
func (m *Memory) RevenueRecorded(asset payment.Asset) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revenue[asset]
}

// StakingNotified returns the total reward amount the staking pool was told
// about.
func (m *Memory) StakingNotified() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stakingPaid
}

// AssetRegistry --------------------------------------------------------------

func (m *Memory) OwnerOf(_ context.Context, assetID uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[assetID]
	if !ok {
		return "", ErrUnknownAsset
	}
	return owner, nil
}

func (m *Memory) TransferFrom(_ context.Context, operator, from, to string, assetID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[assetID]
	if !ok {
		return ErrUnknownAsset
	}
	if owner != from {
		return ErrNotOwner
	}
	if operator != owner && m.approved[assetID] != operator && !m.operators[owner][operator] {
		return ErrNotApproved
	}

	m.owners[assetID] = to
	delete(m.approved, assetID)
	return nil
}

func (m *Memory) GetApproved(_ context.Context, assetID uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.owners[assetID]; !ok {
		return "", ErrUnknownAsset
	}
	return m.approved[assetID], nil
}

func (m *Memory) IsApprovedForAll(_ context.Context, owner, operator string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.operators[owner][operator], nil
}

func (m *Memory) MintRental(_ context.Context, to string, class rental.ShipClass) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextAsset
	m.nextAsset++
	m.owners[id] = to
	m.classes[id] = class
	return id, nil
}

func (m *Memory) Burn(_ context.Context, assetID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[assetID]; !ok {
		return ErrUnknownAsset
	}
	delete(m.owners, assetID)
	delete(m.classes, assetID)
	delete(m.approved, assetID)
	return nil
}

func (m *Memory) TokenClass(_ context.Context, assetID uint64) (rental.ShipClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	class, ok := m.classes[assetID]
	if !ok {
		return "", ErrUnknownAsset
	}
	return class, nil
}

// Ledger ---------------------------------------------------------------------

func (m *Memory) Transfer(_ context.Context, asset payment.Asset, from, to string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.assets[asset] {
		return ErrUnknownPayment
	}
	book := m.balances[asset]
	if book == nil {
		book = make(map[string]int64)
		m.balances[asset] = book
	}
	if book[from] < amount {
		return ErrInsufficientFunds
	}
	book[from] -= amount
	book[to] += amount
	return nil
}

func (m *Memory) BalanceOf(_ context.Context, asset payment.Asset, addr string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.assets[asset] {
		return 0, ErrUnknownPayment
	}
	return m.balances[asset][addr], nil
}

// Sinks ----------------------------------------------------------------------

func (m *Memory) RecordRevenue(_ context.Context, asset payment.Asset, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revenue[asset] += amount
	return nil
}

func (m *Memory) NotifyRewardAmount(_ context.Context, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stakingPaid += amount
	return nil
}
