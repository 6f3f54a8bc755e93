// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/listing"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ storage.ListingStore = (*Store)(nil)
	_ storage.RentalStore  = (*Store)(nil)
	_ storage.StatsStore   = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the marketplace tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS market_listings (
			id BIGSERIAL PRIMARY KEY,
			asset_id BIGINT NOT NULL,
			seller TEXT NOT NULL,
			payment_asset TEXT NOT NULL,
			price BIGINT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			highest_bid BIGINT NOT NULL DEFAULT 0,
			highest_bidder TEXT NOT NULL DEFAULT '',
			bid_count INT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS market_listings_active_asset
			ON market_listings (asset_id) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS market_bids (
			id BIGSERIAL PRIMARY KEY,
			listing_id BIGINT NOT NULL,
			bidder TEXT NOT NULL,
			amount BIGINT NOT NULL,
			placed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_rentals (
			asset_id BIGINT PRIMARY KEY,
			renter TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			games_remaining INT NOT NULL,
			max_hours INT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			last_game_time TIMESTAMPTZ,
			total_paid BIGINT NOT NULL,
			price_per_game BIGINT NOT NULL,
			listing_id BIGINT NOT NULL DEFAULT 0,
			protocol_owned BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS p2p_listings (
			id BIGSERIAL PRIMARY KEY,
			asset_id BIGINT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			price_per_game BIGINT NOT NULL,
			max_games INT NOT NULL,
			active BOOLEAN NOT NULL,
			total_earned BIGINT NOT NULL DEFAULT 0,
			listed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS protocol_configs (
			class TEXT PRIMARY KEY,
			base_price BIGINT NOT NULL,
			active BOOLEAN NOT NULL,
			promo_multiplier BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stat_counters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stat_asset_totals (
			kind TEXT NOT NULL,
			asset TEXT NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (kind, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS stat_purchases (
			buyer TEXT PRIMARY KEY,
			purchases BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- ListingStore -----------------------------------------------------------

const listingColumns = `id, asset_id, seller, payment_asset, price, kind, status,
	created_at, expires_at, highest_bid, highest_bidder, bid_count`

func (s *Store) CreateListing(ctx context.Context, l listing.Listing) (listing.Listing, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO market_listings (asset_id, seller, payment_asset, price, kind, status,
			created_at, expires_at, highest_bid, highest_bidder, bid_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, l.AssetID, l.Seller, string(l.PaymentAsset), l.Price, string(l.Kind), string(l.Status),
		l.CreatedAt, l.ExpiresAt, l.HighestBid, l.HighestBidder, l.BidCount).Scan(&l.ID)
	if err != nil {
		return listing.Listing{}, err
	}
	return l, nil
}

func (s *Store) UpdateListing(ctx context.Context, l listing.Listing) (listing.Listing, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE market_listings
		SET price = $2, status = $3, expires_at = $4, highest_bid = $5,
			highest_bidder = $6, bid_count = $7
		WHERE id = $1
	`, l.ID, l.Price, string(l.Status), l.ExpiresAt, l.HighestBid, l.HighestBidder, l.BidCount)
	if err != nil {
		return listing.Listing{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return listing.Listing{}, fmt.Errorf("listing %d: %w", l.ID, storage.ErrNotFound)
	}
	return l, nil
}

func (s *Store) GetListing(ctx context.Context, id uint64) (listing.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM market_listings WHERE id = $1
	`, id)
	return scanListing(row)
}

func (s *Store) ActiveListingByAsset(ctx context.Context, assetID uint64) (listing.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM market_listings
		WHERE asset_id = $1 AND status = 'active'
	`, assetID)
	return scanListing(row)
}

func (s *Store) ListingsBySeller(ctx context.Context, seller string) ([]listing.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM market_listings
		WHERE seller = $1 ORDER BY id
	`, seller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []listing.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (s *Store) AppendBid(ctx context.Context, listingID uint64, bid listing.Bid) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_bids (listing_id, bidder, amount, placed_at)
		VALUES ($1, $2, $3, $4)
	`, listingID, bid.Bidder, bid.Amount, bid.At)
	return err
}

func (s *Store) Bids(ctx context.Context, listingID uint64) ([]listing.Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bidder, amount, placed_at FROM market_bids
		WHERE listing_id = $1 ORDER BY id
	`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []listing.Bid
	for rows.Next() {
		var b listing.Bid
		if err := rows.Scan(&b.Bidder, &b.Amount, &b.At); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (listing.Listing, error) {
	var l listing.Listing
	var paymentAsset, kind, status string
	err := row.Scan(&l.ID, &l.AssetID, &l.Seller, &paymentAsset, &l.Price, &kind, &status,
		&l.CreatedAt, &l.ExpiresAt, &l.HighestBid, &l.HighestBidder, &l.BidCount)
	if errors.Is(err, sql.ErrNoRows) {
		return listing.Listing{}, storage.ErrNotFound
	}
	if err != nil {
		return listing.Listing{}, err
	}
	l.PaymentAsset = payment.Asset(paymentAsset)
	l.Kind = listing.Kind(kind)
	l.Status = listing.Status(status)
	return l, nil
}

// --- RentalStore ------------------------------------------------------------

const rentalColumns = `asset_id, renter, owner, games_remaining, max_hours,
	start_time, last_game_time, total_paid, price_per_game, listing_id, protocol_owned`

func (s *Store) CreateRental(ctx context.Context, r rental.Active) (rental.Active, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_rentals (asset_id, renter, owner, games_remaining, max_hours,
			start_time, last_game_time, total_paid, price_per_game, listing_id, protocol_owned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.AssetID, r.Renter, r.Owner, r.GamesRemaining, r.MaxHours,
		r.StartTime, nullTime(r.LastGameTime), r.TotalPaid, r.PricePerGame, r.ListingID, r.ProtocolOwned)
	if err != nil {
		return rental.Active{}, err
	}
	return r, nil
}

func (s *Store) UpdateRental(ctx context.Context, r rental.Active) (rental.Active, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE active_rentals
		SET games_remaining = $2, last_game_time = $3
		WHERE asset_id = $1
	`, r.AssetID, r.GamesRemaining, nullTime(r.LastGameTime))
	if err != nil {
		return rental.Active{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return rental.Active{}, fmt.Errorf("rental for asset %d: %w", r.AssetID, storage.ErrNotFound)
	}
	return r, nil
}

func (s *Store) GetRentalByAsset(ctx context.Context, assetID uint64) (rental.Active, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rentalColumns+` FROM active_rentals WHERE asset_id = $1
	`, assetID)
	return scanRental(row)
}

func (s *Store) DeleteRental(ctx context.Context, assetID uint64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM active_rentals WHERE asset_id = $1`, assetID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("rental for asset %d: %w", assetID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListActiveRentals(ctx context.Context) ([]rental.Active, error) {
	return s.queryRentals(ctx, `SELECT `+rentalColumns+` FROM active_rentals ORDER BY asset_id`)
}

func (s *Store) ListRentalsByRenter(ctx context.Context, renter string) ([]rental.Active, error) {
	return s.queryRentals(ctx, `
		SELECT `+rentalColumns+` FROM active_rentals WHERE renter = $1 ORDER BY asset_id
	`, renter)
}

func (s *Store) queryRentals(ctx context.Context, query string, args ...any) ([]rental.Active, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rental.Active
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRental(row rowScanner) (rental.Active, error) {
	var r rental.Active
	var lastGame sql.NullTime
	err := row.Scan(&r.AssetID, &r.Renter, &r.Owner, &r.GamesRemaining, &r.MaxHours,
		&r.StartTime, &lastGame, &r.TotalPaid, &r.PricePerGame, &r.ListingID, &r.ProtocolOwned)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.Active{}, storage.ErrNotFound
	}
	if err != nil {
		return rental.Active{}, err
	}
	if lastGame.Valid {
		r.LastGameTime = lastGame.Time
	}
	return r, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// --- P2P listings -----------------------------------------------------------

const p2pColumns = `id, asset_id, owner, price_per_game, max_games, active, total_earned, listed_at`

func (s *Store) CreateP2PListing(ctx context.Context, p rental.P2PListing) (rental.P2PListing, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO p2p_listings (asset_id, owner, price_per_game, max_games, active, total_earned, listed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, p.AssetID, p.Owner, p.PricePerGame, p.MaxGames, p.Active, p.TotalEarned, p.ListedAt).Scan(&p.ID)
	if err != nil {
		return rental.P2PListing{}, err
	}
	return p, nil
}

func (s *Store) UpdateP2PListing(ctx context.Context, p rental.P2PListing) (rental.P2PListing, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE p2p_listings
		SET price_per_game = $2, max_games = $3, active = $4, total_earned = $5
		WHERE id = $1
	`, p.ID, p.PricePerGame, p.MaxGames, p.Active, p.TotalEarned)
	if err != nil {
		return rental.P2PListing{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return rental.P2PListing{}, fmt.Errorf("p2p listing %d: %w", p.ID, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) GetP2PListing(ctx context.Context, id uint64) (rental.P2PListing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+p2pColumns+` FROM p2p_listings WHERE id = $1`, id)
	return scanP2P(row)
}

func (s *Store) GetP2PListingByAsset(ctx context.Context, assetID uint64) (rental.P2PListing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+p2pColumns+` FROM p2p_listings WHERE asset_id = $1`, assetID)
	return scanP2P(row)
}

func (s *Store) DeleteP2PListing(ctx context.Context, id uint64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM p2p_listings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("p2p listing %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListP2PListings(ctx context.Context, activeOnly bool) ([]rental.P2PListing, error) {
	query := `SELECT ` + p2pColumns + ` FROM p2p_listings ORDER BY id`
	if activeOnly {
		query = `SELECT ` + p2pColumns + ` FROM p2p_listings WHERE active ORDER BY id`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rental.P2PListing
	for rows.Next() {
		p, err := scanP2P(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanP2P(row rowScanner) (rental.P2PListing, error) {
	var p rental.P2PListing
	err := row.Scan(&p.ID, &p.AssetID, &p.Owner, &p.PricePerGame, &p.MaxGames,
		&p.Active, &p.TotalEarned, &p.ListedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.P2PListing{}, storage.ErrNotFound
	}
	if err != nil {
		return rental.P2PListing{}, err
	}
	return p, nil
}

// --- Protocol config --------------------------------------------------------

func (s *Store) UpsertProtocolConfig(ctx context.Context, c rental.ProtocolConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protocol_configs (class, base_price, active, promo_multiplier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (class) DO UPDATE
		SET base_price = EXCLUDED.base_price,
			active = EXCLUDED.active,
			promo_multiplier = EXCLUDED.promo_multiplier
	`, string(c.Class), c.BasePrice, c.Active, c.PromoMultiplier)
	return err
}

func (s *Store) GetProtocolConfig(ctx context.Context, class rental.ShipClass) (rental.ProtocolConfig, error) {
	var c rental.ProtocolConfig
	var cls string
	err := s.db.QueryRowContext(ctx, `
		SELECT class, base_price, active, promo_multiplier FROM protocol_configs WHERE class = $1
	`, string(class)).Scan(&cls, &c.BasePrice, &c.Active, &c.PromoMultiplier)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.ProtocolConfig{}, fmt.Errorf("protocol config for %s: %w", class, storage.ErrNotFound)
	}
	if err != nil {
		return rental.ProtocolConfig{}, err
	}
	c.Class = rental.ShipClass(cls)
	return c, nil
}

// --- StatsStore -------------------------------------------------------------

func (s *Store) AddSale(ctx context.Context, asset payment.Asset, buyer string, volume int64) error {
	if err := s.bumpCounter(ctx, "sales", 1); err != nil {
		return err
	}
	if err := s.bumpCounter(ctx, "volume", volume); err != nil {
		return err
	}
	if err := s.bumpAssetTotal(ctx, "volume", asset, volume); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stat_purchases (buyer, purchases) VALUES ($1, 1)
		ON CONFLICT (buyer) DO UPDATE SET purchases = stat_purchases.purchases + 1
	`, buyer)
	return err
}

func (s *Store) AddFees(ctx context.Context, asset payment.Asset, amount int64) error {
	if err := s.bumpAssetTotal(ctx, "fees", asset, amount); err != nil {
		return err
	}
	return s.bumpAssetTotal(ctx, "pending_fees", asset, amount)
}

func (s *Store) TakePendingFees(ctx context.Context, asset payment.Asset) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var pending int64
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM stat_asset_totals
		WHERE kind = 'pending_fees' AND asset = $1 FOR UPDATE
	`, string(asset)).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if pending != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stat_asset_totals SET value = 0
			WHERE kind = 'pending_fees' AND asset = $1
		`, string(asset)); err != nil {
			return 0, err
		}
	}
	return pending, tx.Commit()
}

func (s *Store) AddStakingFees(ctx context.Context, amount int64) error {
	return s.bumpCounter(ctx, "staking_fees", amount)
}

func (s *Store) GetStats(ctx context.Context) (storage.Stats, error) {
	stats := storage.Stats{
		VolumeByAsset:   make(map[payment.Asset]int64),
		FeesByAsset:     make(map[payment.Asset]int64),
		PendingFees:     make(map[payment.Asset]int64),
		PurchasesByUser: make(map[string]int64),
	}

	counters, err := s.db.QueryContext(ctx, `SELECT name, value FROM stat_counters`)
	if err != nil {
		return storage.Stats{}, err
	}
	defer counters.Close()
	for counters.Next() {
		var name string
		var value int64
		if err := counters.Scan(&name, &value); err != nil {
			return storage.Stats{}, err
		}
		switch name {
		case "sales":
			stats.Sales = value
		case "volume":
			stats.Volume = value
		case "staking_fees":
			stats.StakingFees = value
		}
	}
	if err := counters.Err(); err != nil {
		return storage.Stats{}, err
	}

	totals, err := s.db.QueryContext(ctx, `SELECT kind, asset, value FROM stat_asset_totals`)
	if err != nil {
		return storage.Stats{}, err
	}
	defer totals.Close()
	for totals.Next() {
		var kind, asset string
		var value int64
		if err := totals.Scan(&kind, &asset, &value); err != nil {
			return storage.Stats{}, err
		}
		switch kind {
		case "volume":
			stats.VolumeByAsset[payment.Asset(asset)] = value
		case "fees":
			stats.FeesByAsset[payment.Asset(asset)] = value
		case "pending_fees":
			stats.PendingFees[payment.Asset(asset)] = value
		}
	}
	if err := totals.Err(); err != nil {
		return storage.Stats{}, err
	}

	purchases, err := s.db.QueryContext(ctx, `SELECT buyer, purchases FROM stat_purchases`)
	if err != nil {
		return storage.Stats{}, err
	}
	defer purchases.Close()
	for purchases.Next() {
		var buyer string
		var count int64
		if err := purchases.Scan(&buyer, &count); err != nil {
			return storage.Stats{}, err
		}
		stats.PurchasesByUser[buyer] = count
	}
	return stats, purchases.Err()
}

func (s *Store) bumpCounter(ctx context.Context, name string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stat_counters (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = stat_counters.value + EXCLUDED.value
	`, name, delta)
	return err
}

func (s *Store) bumpAssetTotal(ctx context.Context, kind string, asset payment.Asset, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stat_asset_totals (kind, asset, value) VALUES ($1, $2, $3)
		ON CONFLICT (kind, asset) DO UPDATE SET value = stat_asset_totals.value + EXCLUDED.value
	`, kind, string(asset), delta)
	return err
}
