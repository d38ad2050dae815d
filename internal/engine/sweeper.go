package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ExpirySweeper runs SweepExpired on a fixed schedule so pending trades past
// their TTL get resolved even when nobody touches them again.
type ExpirySweeper struct {
	engine   TradeEngine
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
}

func NewExpirySweeper(engine TradeEngine, schedule string, timeout time.Duration) *ExpirySweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExpirySweeper{
		engine:   engine,
		schedule: schedule,
		timeout:  timeout,
		cron:     cron.New(),
	}
}

func (s *ExpirySweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		return err
	}
	s.cron.Start()
	logrus.WithField("schedule", s.schedule).Info("Expiry sweeper started")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *ExpirySweeper) Stop() {
	<-s.cron.Stop().Done()
	logrus.Info("Expiry sweeper stopped")
}

func (s *ExpirySweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.engine.SweepExpired(ctx); err != nil {
		logrus.WithError(err).Error("Expiry sweep failed")
	}
}
