// Package maintenance runs background sweeps: evicting idle limiter
// keys and pruning old sent messages from the offline queue.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"chatrelay/internal/limiter"
	"chatrelay/internal/queue"
	logx "chatrelay/pkg/logx"
)

type Config struct {
	Enabled bool

	// Cron expressions, standard 5-field form.
	LimiterSweep string
	QueueSweep   string

	// SentRetention is how long sent messages are kept before pruning.
	// Failed messages are never pruned.
	SentRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.LimiterSweep == "" {
		c.LimiterSweep = "*/5 * * * *"
	}
	if c.QueueSweep == "" {
		c.QueueSweep = "0 * * * *"
	}
	if c.SentRetention <= 0 {
		c.SentRetention = 7 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg Config
	lim *limiter.Limiter
	q   *queue.Queue // nil when storage is disabled
	log logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, lim *limiter.Limiter, q *queue.Queue, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		lim:    lim,
		q:      q,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.c = cron.New(cron.WithParser(s.parser))

	if s.lim != nil {
		if _, err := s.c.AddFunc(s.cfg.LimiterSweep, s.sweepLimiter); err != nil {
			return fmt.Errorf("limiter sweep schedule: %w", err)
		}
	}
	if s.q != nil {
		if _, err := s.c.AddFunc(s.cfg.QueueSweep, s.sweepQueue); err != nil {
			return fmt.Errorf("queue sweep schedule: %w", err)
		}
	}

	s.c.Start()
	s.log.Info("maintenance started",
		logx.String("limiter_sweep", s.cfg.LimiterSweep),
		logx.String("queue_sweep", s.cfg.QueueSweep),
		logx.Duration("sent_retention", s.cfg.SentRetention),
	)
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	ctx := s.c.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("maintenance stop timed out waiting for running sweep")
	}
	s.c = nil
}

func (s *Service) sweepLimiter() {
	evicted := s.lim.Cleanup()
	if evicted > 0 {
		s.log.Debug("limiter sweep", logx.Int("evicted", evicted))
	}
}

func (s *Service) sweepQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.SentRetention)
	pruned, err := s.q.PruneSent(ctx, cutoff)
	if err != nil {
		s.log.Warn("queue sweep failed", logx.Any("err", err))
		return
	}
	if pruned > 0 {
		s.log.Info("queue sweep", logx.Int("pruned", pruned))
	}
}
