package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"invoiced/internal/storage"
	"invoiced/internal/task/scheduler"
	logx "invoiced/pkg/logx"
)

// HistoryPrune deletes run-history records older than Keep.
type HistoryPrune struct {
	Store storage.Store
	Keep  time.Duration
	Clock clockwork.Clock
	Log   logx.Logger
}

func (p *HistoryPrune) Run(ctx context.Context, _ scheduler.Args) (any, error) {
	if p.Store == nil {
		return nil, storage.ErrDisabled
	}
	if p.Keep <= 0 {
		return nil, errors.New("history prune: keep must be > 0")
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cutoff := clock.Now().Add(-p.Keep)
	n, err := p.Store.PruneRuns(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		p.Log.Info("run history pruned", logx.Int64("removed", n), logx.Time("before", cutoff))
	}
	return n, nil
}
