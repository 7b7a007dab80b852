package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"invoiced/internal/eventbus"
	"invoiced/internal/storage"
	"invoiced/internal/task/scheduler"
	logx "invoiced/pkg/logx"
)

const appendTimeout = 5 * time.Second

// recordRuns persists every finished run. It keeps draining buffered events
// after ctx ends so runs finished during shutdown are not lost.
func (a *App) recordRuns(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.appendRun(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			a.appendRun(e)
		}
	}
}

func (a *App) appendRun(e eventbus.Event) {
	ev, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	err := a.store.AppendRun(ctx, storage.RunRecord{
		ID:        uuid.NewString(),
		JobID:     ev.ID,
		JobName:   ev.Name,
		Trigger:   string(ev.Trigger),
		StartedAt: ev.Started,
		Duration:  ev.Duration,
		Error:     ev.Error,
	})
	if err != nil {
		a.log.Warn("run history append failed", logx.String("job", ev.Name), logx.Err(err))
	}
}
