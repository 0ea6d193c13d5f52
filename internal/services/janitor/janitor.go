// Package janitor runs the recurring housekeeping jobs: rate ledger
// compaction, scheduled campaign starts and message log pruning.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "herald/pkg/logx"
)

type Config struct {
	// LogRetention bounds how long message log rows are kept. Zero
	// disables pruning.
	LogRetention time.Duration
}

// Compactor is the rate limiter's housekeeping hook.
type Compactor interface {
	Compact()
}

// Starter sweeps draft campaigns whose scheduled time arrived.
type Starter interface {
	StartDue(ctx context.Context) int
}

// Pruner removes message log rows older than the cutoff.
type Pruner interface {
	PruneLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

type Service struct {
	cfg     Config
	log     logx.Logger
	compact Compactor
	starter Starter
	pruner  Pruner

	c *cron.Cron
}

func New(cfg Config, compact Compactor, starter Starter, pruner Pruner, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "janitor")),
		compact: compact,
		starter: starter,
		pruner:  pruner,
	}
}

func (s *Service) Start(ctx context.Context) error {
	if s.c != nil {
		return nil
	}
	s.c = cron.New()

	if _, err := s.c.AddFunc("@every 1m", func() { s.minutely(ctx) }); err != nil {
		return err
	}
	if s.cfg.LogRetention > 0 && s.pruner != nil {
		if _, err := s.c.AddFunc("@hourly", func() { s.pruneLogs(ctx) }); err != nil {
			return err
		}
	}

	s.c.Start()
	s.log.Info("housekeeping scheduled", logx.Duration("log_retention", s.cfg.LogRetention))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	// Wait for in-flight jobs so shutdown never races a prune.
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("housekeeping stopped")
}

func (s *Service) minutely(ctx context.Context) {
	if s.compact != nil {
		s.compact.Compact()
	}
	if s.starter != nil {
		if n := s.starter.StartDue(ctx); n > 0 {
			s.log.Info("scheduled campaigns started", logx.Int("count", n))
		}
	}
}

func (s *Service) pruneLogs(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.LogRetention)
	removed, err := s.pruner.PruneLogs(ctx, cutoff)
	if err != nil {
		s.log.Warn("log prune failed", logx.Err(err))
		return
	}
	if removed > 0 {
		s.log.Info("message logs pruned", logx.Int64("removed", removed), logx.Time("cutoff", cutoff))
	}
}
