package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

const defaultPollInterval = 5 * time.Second

// PollVideoArgs identifies one async unit to poll at the provider.
type PollVideoArgs struct {
	UnitID uuid.UUID `json:"unit_id"`
	Handle string    `json:"handle"`
}

func (PollVideoArgs) Kind() string { return "poll_video" }

// PollVideoWorker polls an async unit until it resolves. The provider webhook
// may resolve the unit first; the poll then observes a terminal unit and
// stops. Snoozing keeps a single durable job per unit instead of a goroutine
// that dies with the process.
type PollVideoWorker struct {
	river.WorkerDefaults[PollVideoArgs]
	service  *Service
	interval time.Duration
}

func NewPollVideoWorker(service *Service, interval time.Duration) *PollVideoWorker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &PollVideoWorker{service: service, interval: interval}
}

func (w *PollVideoWorker) Work(ctx context.Context, job *river.Job[PollVideoArgs]) error {
	done, err := w.service.PollUnit(ctx, job.Args.UnitID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return river.JobSnooze(w.interval)
}
