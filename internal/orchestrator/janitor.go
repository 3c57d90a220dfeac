package orchestrator

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field and seconds-optional 6-field
// cron expressions for the janitor schedule.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Janitor periodically calls ClearFinished on an Orchestrator. It is
// optional: record aging has no required background reaper, but a
// deployment MAY wire one in rather than rely solely on caller-driven
// clear_finished calls.
type Janitor struct {
	cron *cron.Cron
	o    *Orchestrator
}

// NewJanitor starts a cron-scheduled reclamation loop. schedule is any
// expression cronParser accepts, e.g. "@every 5m" or "0 */1 * * *".
func NewJanitor(o *Orchestrator, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator-janitor")
	}

	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(schedule, func() {
		removed := o.ClearFinished()
		if removed > 0 {
			logger.Info("cleared finished tasks", "count", removed)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()

	return &Janitor{cron: c, o: o}, nil
}

// Stop halts the janitor. It does not wait for an in-flight run to finish.
func (j *Janitor) Stop() {
	j.cron.Stop()
}
