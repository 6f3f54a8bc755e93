package cleanup

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nebulaforge/fleetmarket/internal/app/system"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// DefaultSweepSchedule runs the sweeper every ten minutes.
const DefaultSweepSchedule = "*/10 * * * *"

// Sweeper periodically scans for expired rentals and reclaims them in batches
// as the designated cleaner, so upkeep happens even when nobody chases the
// permissionless reward.
type Sweeper struct {
	service  *Service
	cleaner  string
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates a sweeper dispatching cleanup as the cleaner account on
// the given cron schedule.
func NewSweeper(service *Service, cleaner, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("cleanup-sweeper")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		service:  service,
		cleaner:  cleaner,
		schedule: schedule,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "cleanup-sweeper" }

// Start schedules the sweep. The passed context bounds each individual run.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.running = true

	s.log.WithField("schedule", s.schedule).Info("cleanup sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one full pass: scan, then reclaim in maximum-size batches.
// Returns the number of rentals reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ids, err := s.service.ExpiredRentalIDs(ctx)
	if err != nil {
		s.log.WithError(err).Warn("scan for expired rentals failed")
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	cleaned := 0
	for start := 0; start < len(ids); start += MaxBatch {
		end := start + MaxBatch
		if end > len(ids) {
			end = len(ids)
		}
		res, err := s.service.CleanupExpiredRentals(ctx, s.cleaner, ids[start:end])
		if err != nil {
			// Another caller may have reclaimed the whole batch first.
			if errors.Is(err, ErrNothingExpired) {
				continue
			}
			s.log.WithError(err).Warn("cleanup batch failed")
			continue
		}
		cleaned += res.Cleaned
	}

	if cleaned > 0 {
		s.log.WithField("cleaned", cleaned).Info("sweep reclaimed expired rentals")
	}
	return cleaned
}
