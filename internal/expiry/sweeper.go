package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/verba-ai/verba/internal/clock"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/store"
)

const sweepSchedule = "@every 10m"

// Sweeper deactivates sessions whose last activity is older than the TTL.
// Deactivated sessions disappear from listings but their transcripts stay
// queryable and exportable.
type Sweeper struct {
	queries store.Querier
	clock   clock.Clock
	ttl     time.Duration
	cron    *cron.Cron
	logger  *logger.Logger
}

func NewSweeper(q store.Querier, c clock.Clock, ttl time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		queries: q,
		clock:   c,
		ttl:     ttl,
		logger:  log.WithComponent("expiry"),
	}
}

// Start schedules the periodic sweep and runs one immediately so restarts
// do not postpone expiry.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(sweepSchedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	go s.sweep()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("session expiry sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("expired idle sessions", slog.Int64("count", n))
	}
}

// SweepOnce deactivates idle sessions and reports how many were touched.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.ttl)
	return s.queries.DeactivateIdleSessions(ctx, cutoff)
}
