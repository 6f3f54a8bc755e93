// Package events provides the append-only audit trail for marketplace and
// rental operations. Every successful mutating operation emits one Record;
// sinks receive records out of the critical path and never influence control
// flow.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// Type classifies an audit record.
type Type string

const (
	// Listing lifecycle
	TypeListingCreated   Type = "listing.created"
	TypeListingUpdated   Type = "listing.updated"
	TypeListingCancelled Type = "listing.cancelled"
	TypeItemSold         Type = "listing.sold"

	// Auctions
	TypeBidPlaced       Type = "auction.bid"
	TypeAuctionExtended Type = "auction.extended"
	TypeAuctionSettled  Type = "auction.settled"
	TypeAuctionExpired  Type = "auction.expired"

	// Rentals
	TypeShipRented       Type = "rental.started"
	TypeShipReturned     Type = "rental.returned"
	TypeP2PListed        Type = "rental.p2p.listed"
	TypeP2PUnlisted      Type = "rental.p2p.unlisted"
	TypeRentalCleaned    Type = "rental.cleaned"
	TypeGameConsumed     Type = "rental.game_consumed"

	// Administration
	TypeConfigUpdated  Type = "admin.config_updated"
	TypeFeesWithdrawn  Type = "admin.fees_withdrawn"
	TypeCleanerChanged Type = "admin.cleaner_changed"
)

// Record is one audit trail entry.
type Record struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Actor     string            `json:"actor,omitempty"`
	ListingID uint64            `json:"listing_id,omitempty"`
	AssetID   uint64            `json:"asset_id,omitempty"`
	Payment   payment.Asset     `json:"payment_asset,omitempty"`
	Amount    int64             `json:"amount,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}

// String returns the record as JSON.
func (r Record) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// Sink receives audit records.
type Sink interface {
	Write(ctx context.Context, rec Record)
}

// Recorder stamps records and fans them out to its sinks. Sink failures are
// the sink's problem; Emit never returns an error.
type Recorder struct {
	mu    sync.RWMutex
	sinks []Sink
	log   *logger.Logger
}

// NewRecorder creates a recorder writing to the given sinks.
func NewRecorder(log *logger.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Recorder{sinks: sinks, log: log}
}

// AddSink registers an additional sink.
func (r *Recorder) AddSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Emit stamps and dispatches a record.
func (r *Recorder) Emit(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()

	for _, sink := range sinks {
		sink.Write(ctx, rec)
	}
}

// MemorySink keeps the most recent records in a circular buffer.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
	size    int
	head    int
	count   int
}

// NewMemorySink creates a sink retaining up to size records.
func NewMemorySink(size int) *MemorySink {
	if size <= 0 {
		size = 1000
	}
	return &MemorySink{records: make([]Record, size), size: size}
}

// Write stores the record, evicting the oldest when full.
func (s *MemorySink) Write(_ context.Context, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.head] = rec
	s.head = (s.head + 1) % s.size
	if s.count < s.size {
		s.count++
	}
}

// Recent returns up to n records, newest first.
func (s *MemorySink) Recent(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.head - 1 - i + s.size) % s.size
		out = append(out, s.records[idx])
	}
	return out
}

// RecentByType returns up to n records of one type, newest first.
func (s *MemorySink) RecentByType(t Type, n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, n)
	for i := 0; i < s.count && len(out) < n; i++ {
		idx := (s.head - 1 - i + s.size) % s.size
		if s.records[idx].Type == t {
			out = append(out, s.records[idx])
		}
	}
	return out
}

// LogSink writes records to the structured log.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &LogSink{log: log}
}

// Write logs the record.
func (s *LogSink) Write(_ context.Context, rec Record) {
	entry := s.log.
		WithField("audit_id", rec.ID).
		WithField("type", string(rec.Type)).
		WithField("actor", rec.Actor)
	if rec.ListingID != 0 {
		entry = entry.WithField("listing_id", rec.ListingID)
	}
	if rec.AssetID != 0 {
		entry = entry.WithField("asset_id", rec.AssetID)
	}
	if rec.Amount != 0 {
		entry = entry.WithField("amount", rec.Amount)
	}
	entry.Info("audit record")
}
