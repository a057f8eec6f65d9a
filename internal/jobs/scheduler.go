package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sqlsession/internal/config"
)

const defaultPruneSchedule = "0 30 3 * * *"

// IPRecordPruner deletes session address records last used before a
// cutoff.
type IPRecordPruner interface {
	PruneStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type Scheduler struct {
	cron   *cron.Cron
	pruner IPRecordPruner
	cfg    config.IPTrackingConfig
	log    zerolog.Logger
	now    func() time.Time
}

func NewScheduler(pruner IPRecordPruner, cfg config.IPTrackingConfig, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:   c,
		pruner: pruner,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Start schedules pruning. A zero retention keeps address records
// forever and schedules nothing.
func (s *Scheduler) Start() error {
	if s.pruner == nil || s.cfg.Retention <= 0 {
		return nil
	}

	schedule := s.cfg.PruneSchedule
	if schedule == "" {
		schedule = defaultPruneSchedule
	}
	if _, err := s.cron.AddFunc(schedule, s.pruneIPRecords); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling; the returned context is done once a running
// prune has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) pruneIPRecords() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.Prune(ctx); err != nil {
		s.log.Error().Err(err).Msg("prune session ip records failed")
	}
}

// Prune deletes address records older than the configured retention.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed, err := s.pruner.PruneStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Int64("removed", removed).
		Time("cutoff", cutoff).
		Msg("pruned session ip records")
	return removed, nil
}
