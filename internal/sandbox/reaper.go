package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/agentrelay/internal/logger"
)

// ParseSchedule validates a reap schedule. Both 5-field cron expressions
// and descriptors such as "@every 1m" are accepted.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Reaper runs Manager.Reap on a cron schedule
type Reaper struct {
	manager *Manager
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReaper creates a reaper for the given schedule
func NewReaper(manager *Manager, schedule string) (*Reaper, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reaper{
		manager: manager,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.cron.Schedule(sched, cron.FuncJob(r.runOnce))
	return r, nil
}

// Start reaps once immediately, then on every tick of the schedule
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runOnce()
	}()
	r.cron.Start()
	logger.Info("Sandbox reaper started")
}

// Stop halts the schedule and waits for a running reap to finish
func (r *Reaper) Stop() {
	logger.Info("Stopping sandbox reaper...")
	r.cancel()
	<-r.cron.Stop().Done()
	r.wg.Wait()
	logger.Info("Sandbox reaper stopped")
}

func (r *Reaper) runOnce() {
	if r.ctx.Err() != nil {
		return
	}
	killed, err := r.manager.Reap(r.ctx)
	if err != nil {
		logger.Error("Sandbox reap failed: %v", err)
	}
	if killed > 0 {
		logger.Info("Reaped %d expired sandbox(es)", killed)
	}
}
