package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "beacon/pkg/logx"
)

// SchedulerConfig controls the cron runner that releases scheduled
// broadcasts.
type SchedulerConfig struct {
	ReleaseSpec string
	Timezone    string
}

// Scheduler periodically releases broadcasts whose scheduled time has
// arrived. Fan-out happens at release time, so members who joined after
// the broadcast was scheduled are included.
type Scheduler struct {
	cfg  SchedulerConfig
	orch *Orchestrator
	log  logx.Logger

	parser cron.Parser
	c      *cron.Cron

	runMu   sync.Mutex
	running bool
}

func NewScheduler(cfg SchedulerConfig, orch *Orchestrator, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReleaseSpec == "" {
		cfg.ReleaseSpec = "@every 30s"
	}
	return &Scheduler{
		cfg:    cfg,
		orch:   orch,
		log:    log.With(logx.String("svc", "scheduler")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			s.log.Warn("bad scheduler timezone; using local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		} else {
			loc = l
		}
	}

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	_, err := s.c.AddFunc(s.cfg.ReleaseSpec, func() {
		released, err := s.orch.ReleaseDue(ctx, time.Now())
		if err != nil {
			s.log.Error("release pass failed", logx.Err(err))
			return
		}
		if released > 0 {
			s.log.Info("release pass done", logx.Int("released", released))
		}
	})
	if err != nil {
		return err
	}

	s.c.Start()
	s.running = true
	s.log.Info("scheduler started", logx.String("spec", s.cfg.ReleaseSpec), logx.String("tz", loc.String()))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	stopped := s.c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}
