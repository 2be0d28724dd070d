package jobs

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper evicts idle state as of now and reports how much went.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Janitor runs the hub sweep on a cron schedule.
type Janitor struct {
	sweeper  Sweeper
	schedule string
	log      *zap.Logger
	now      func() time.Time
	cron     *cron.Cron
}

func NewJanitor(sweeper Sweeper, schedule string, log *zap.Logger) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		log:      log,
		now:      time.Now,
		cron:     cron.New(),
	}
}

// Start schedules the sweep. A bad schedule is reported here, not at run time.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.RunOnce() }); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	j.cron.Start()
	j.log.Info("janitor started", zap.String("schedule", j.schedule))
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("janitor stopped")
}

func (j *Janitor) RunOnce() int {
	n := j.sweeper.Sweep(j.now())
	if n > 0 {
		j.log.Info("evicted idle room passwords", zap.Int("count", n))
	}
	return n
}
