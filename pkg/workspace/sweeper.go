package workspace

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ciserver/pkg/metrics"
)

// Sweeper runs Manager.Sweep on a cron schedule.
type Sweeper struct {
	manager *Manager
	live    func() []uuid.UUID
	cron    *cron.Cron
	log     *zap.Logger
}

// NewSweeper schedules sweeps with schedule, which accepts standard five-field
// expressions and descriptors such as "@every 10m". live reports the job ids
// whose workspaces must be kept.
func NewSweeper(m *Manager, schedule string, live func() []uuid.UUID, log *zap.Logger) (*Sweeper, error) {
	cl := cronLogger{log: log}
	s := &Sweeper{
		manager: m,
		live:    live,
		log:     log,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }

// RunOnce performs one sweep and returns how many directories were removed.
func (s *Sweeper) RunOnce() int {
	n, err := s.manager.Sweep(s.live())
	if err != nil {
		s.log.Warn("workspace sweep incomplete", zap.Error(err))
	}
	if n > 0 {
		metrics.WorkspacesSwept.Add(float64(n))
		s.log.Info("removed orphaned workspaces", zap.Int("count", n))
	}
	return n
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
