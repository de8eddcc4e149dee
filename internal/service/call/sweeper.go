package call

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"callorchestrator-backend/pkg/logger"
)

// Pruner drops idle per-user state, e.g. the call attempt limiter
type Pruner interface {
	Prune(idle time.Duration) int
}

// Sweeper runs the ring timeout sweep out of band on a cron schedule
type Sweeper struct {
	cron    *cron.Cron
	service *Service
	pruner  Pruner
	timeout time.Duration
}

// NewSweeper schedules SweepMissed on schedule (e.g. "@every 5s"). pruner may be nil.
func NewSweeper(service *Service, schedule string, pruner Pruner) (*Sweeper, error) {
	s := &Sweeper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		service: service,
		pruner:  pruner,
		timeout: 30 * time.Second,
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	if pruner != nil {
		if _, err := s.cron.AddFunc("@every 10m", s.prune); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins scheduling in the background
func (s *Sweeper) Start() {
	s.cron.Start()
	logger.Info("Ring timeout sweeper started", zap.Duration("ring_timeout", s.service.cfg.RingTimeout))
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to expire
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warn("Ring timeout sweeper did not stop in time")
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.service.SweepMissed(ctx); err != nil {
		logger.Error("Ring timeout sweep failed", zap.Error(err))
	}
}

func (s *Sweeper) prune() {
	if removed := s.pruner.Prune(time.Hour); removed > 0 {
		logger.Debug("Pruned idle call attempt limiters", zap.Int("removed", removed))
	}
}
