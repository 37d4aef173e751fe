package ingest

import (
	"context"
	"time"

	"harvester/internal/eventbus"
	logx "harvester/pkg/logx"
)

// DefaultRetention is how long postings are kept when retention is enabled
// without an explicit age.
const DefaultRetention = 90 * 24 * time.Hour

// Pruner deletes postings created before a cutoff.
type Pruner interface {
	PruneOld(ctx context.Context, before time.Time) (int64, error)
}

// Retention removes postings older than MaxAge.
type Retention struct {
	Store  Pruner
	MaxAge time.Duration
	Bus    eventbus.Bus
	Log    logx.Logger
}

// Run prunes once relative to now and returns the number of deleted postings.
func (r Retention) Run(ctx context.Context, now time.Time) (int64, error) {
	maxAge := r.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	cutoff := now.UTC().Add(-maxAge)
	n, err := r.Store.PruneOld(ctx, cutoff)

	ev := eventbus.Retention{Deleted: n}
	if err != nil {
		ev.Err = err.Error()
		r.Log.Warn("retention failed", logx.Err(err))
	} else if n > 0 {
		r.Log.Info("retention pruned postings", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	}
	if r.Bus != nil {
		r.Bus.Publish(eventbus.Event{Type: eventbus.TypeRetention, Data: ev})
	}
	return n, err
}
