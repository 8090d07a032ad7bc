package session

import (
	cronlib "github.com/robfig/cron/v3"
)

// Scheduler drives Registry.Heartbeat on a cron schedule, following the
// teacher's pkg/cron package in spirit (a schedule string resolved through
// robfig/cron) but using the library's own Cron runner directly rather than
// the teacher's hand-rolled AfterFunc polling loop, since a heartbeat sweep
// has no notion of "next due job id" to recompute between ticks.
type Scheduler struct {
	cron *cronlib.Cron
}

// NewScheduler parses spec (standard cron syntax, or a "@every" / "@hourly"
// style descriptor) and arms it to call registry.Heartbeat(probe) on every
// firing. It does not start running until Start is called.
func NewScheduler(spec string, registry *Registry, probe func(*Session)) (*Scheduler, error) {
	c := cronlib.New()
	if _, err := c.AddFunc(spec, func() { registry.Heartbeat(probe) }); err != nil {
		return nil, err
	}
	return &Scheduler{cron: c}, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
