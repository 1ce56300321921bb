package rack

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// maxRacksPerRun bounds how many racks one scheduled run may fill.
const maxRacksPerRun = 50

// Scheduler runs automatic assignment on a cron schedule. A run assigns
// racks only while at least minReady vials are waiting.
type Scheduler struct {
	log      logrus.FieldLogger
	engine   *Engine
	minReady int64
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	running  sync.Mutex
}

// NewScheduler parses schedule, a standard five-field cron expression.
func NewScheduler(
	log logrus.FieldLogger,
	engine *Engine,
	schedule string,
	minReady int,
) (*Scheduler, error) {
	s := &Scheduler{
		log:      log.WithField("component", "rack-scheduler"),
		engine:   engine,
		minReady: int64(max(minReady, 1)),
		cron:     cron.New(),
	}

	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("parsing assign schedule %q: %w", schedule, err)
	}

	return s, nil
}

// Start starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.log.WithField("min_ready", s.minReady).Info("Automatic rack assignment enabled")

	return nil
}

// Stop stops the cron loop and waits for a running assignment.
func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	<-s.cron.Stop().Done()

	return nil
}

func (s *Scheduler) tick() {
	if !s.running.TryLock() {
		return
	}
	defer s.running.Unlock()

	if _, err := s.Run(s.ctx); err != nil {
		s.log.WithError(err).Warn("Scheduled rack assignment failed")
	}
}

// Run assigns racks while at least minReady vials are waiting and returns
// the number of racks filled.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	racks := 0

	for racks < maxRacksPerRun {
		if err := ctx.Err(); err != nil {
			return racks, err
		}

		pending, err := s.engine.Pending(ctx)
		if err != nil {
			return racks, err
		}

		if pending < s.minReady {
			break
		}

		result, err := s.engine.AssignReadyVials(ctx)
		if err != nil {
			return racks, err
		}

		if result.RackID == 0 {
			break
		}

		racks++
	}

	return racks, nil
}
