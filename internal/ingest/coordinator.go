// Package ingest runs ingestion passes: for every registered source it
// decides whether the source is due, runs its agent, stores the new postings
// with their tags, and appends a run record that drives future scheduling.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"harvester/internal/agent"
	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/normalize"
	"harvester/internal/report"
	"harvester/internal/schedule"
	"harvester/internal/tagging"
	logx "harvester/pkg/logx"
)

// persistTimeout bounds one source's database work. Persistence runs on a
// context detached from pass cancellation so that an interrupted agent still
// gets its failed run record.
const persistTimeout = 30 * time.Second

type Options struct {
	Backoff schedule.BackoffPolicy
	// Workers > 1 processes sources concurrently. Default 1 (sequential).
	Workers int
}

type Coordinator struct {
	store    Store
	agents   agent.Resolver
	reporter report.Reporter
	bus      eventbus.Bus
	log      logx.Logger
	opts     Options
}

func New(store Store, agents agent.Resolver, reporter report.Reporter, bus eventbus.Bus, log logx.Logger, opts Options) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reporter == nil {
		reporter = report.Nop{}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	opts.Backoff = opts.Backoff.Normalize()
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Coordinator{store: store, agents: agents, reporter: reporter, bus: bus, log: log, opts: opts}
}

// outcome is one source's result; due is false when the source was skipped.
type outcome struct {
	due   bool
	stats domain.RunStats
}

// RunPass processes every registered source once at time now and returns
// stats for the sources that were due, in registry order.
//
// A failing source never aborts the pass. An error is returned only when the
// registry or tag vocabulary cannot be read, or when ctx is canceled, in
// which case the stats gathered so far are returned with it.
func (c *Coordinator) RunPass(ctx context.Context, now time.Time) ([]domain.RunStats, error) {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	passID := uuid.NewString()
	log := c.log.With(logx.String("pass_id", passID))
	started := time.Now()

	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	tags, err := c.store.ListTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	matcher := tagging.NewMatcher(tags)

	c.bus.Publish(eventbus.Event{Type: eventbus.TypePassStarted, Data: passID})
	log.Debug("pass started", logx.Int("sources", len(sources)), logx.Int("tags", matcher.Len()))

	results := make([]outcome, len(sources))
	if c.opts.Workers == 1 {
		for i, src := range sources {
			if ctx.Err() != nil {
				break
			}
			results[i] = c.processSource(ctx, passID, src, matcher, now)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(c.opts.Workers)
		for i, src := range sources {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				results[i] = c.processSource(ctx, passID, src, matcher, now)
				return nil
			})
		}
		_ = g.Wait()
	}

	stats := make([]domain.RunStats, 0, len(sources))
	failed := 0
	for _, r := range results {
		if !r.due {
			continue
		}
		stats = append(stats, r.stats)
		if !r.stats.Success {
			failed++
		}
	}

	took := time.Since(started)
	c.bus.Publish(eventbus.Event{Type: eventbus.TypePassFinished, Data: eventbus.PassFinished{
		PassID:  passID,
		Due:     len(stats),
		Failed:  failed,
		Skipped: len(sources) - len(stats),
		Took:    took,
	}})
	if len(stats) > 0 {
		log.Info("pass finished",
			logx.Int("due", len(stats)),
			logx.Int("failed", failed),
			logx.Int("sources", len(sources)),
			logx.Duration("took", took),
		)
	} else {
		log.Debug("pass finished; nothing due", logx.Int("sources", len(sources)))
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (c *Coordinator) processSource(ctx context.Context, passID string, src domain.Source, matcher *tagging.Matcher, now time.Time) (out outcome) {
	log := c.log.With(
		logx.String("pass_id", passID),
		logx.String("source_id", src.ID),
		logx.String("source", src.Name),
	)

	recent, err := c.store.RecentRuns(ctx, src.ID, c.opts.Backoff.Window)
	if err != nil {
		log.Warn("run history unavailable; skipping source", logx.Err(err))
		if ctx.Err() == nil {
			c.reportFailure(ctx, passID, src, now, fmt.Errorf("load run history: %w", err))
		}
		return outcome{}
	}
	if !schedule.IsDue(src, recent, now, c.opts.Backoff) {
		if next, ok := schedule.NextRun(src, recent, c.opts.Backoff); ok && log.Enabled(logx.LevelTrace) {
			log.Trace("source not due", logx.Time("next_run", next))
		}
		return outcome{}
	}

	started := time.Now()
	out = outcome{due: true, stats: domain.RunStats{SourceID: src.ID, SourceName: src.Name}}
	var runErr error
	defer func() {
		c.publishFinished(passID, src, out.stats, time.Since(started), runErr)
	}()

	items, err := c.fetch(ctx, src, log)
	if err != nil {
		runErr = err
		c.reportFailure(ctx, passID, src, now, err)
	} else {
		out.stats.Received = len(items)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	saved, perr := c.persist(pctx, src, items, err == nil, matcher, now)
	if perr != nil {
		runErr = errors.Join(runErr, perr)
		c.reportFailure(ctx, passID, src, now, perr)
		// The transaction was rolled back; record the attempt on its own so
		// scheduling still sees a failure.
		if _, err := c.store.AppendRun(pctx, domain.RunRecord{
			SourceID:      src.ID,
			At:            now,
			Success:       false,
			ReceivedCount: out.stats.Received,
		}); err != nil {
			log.Error("failed run record not written", logx.Err(err))
		}
		return out
	}

	out.stats.Saved = saved
	out.stats.Success = err == nil
	if out.stats.Success {
		log.Info("source ingested",
			logx.Int("received", out.stats.Received),
			logx.Int("saved", saved),
			logx.Duration("took", time.Since(started)),
		)
	}
	return out
}

// fetch runs the source's agent. A panicking agent is a failed run.
func (c *Coordinator) fetch(ctx context.Context, src domain.Source, log logx.Logger) (items []domain.RawItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("agent panicked", logx.Any("panic", r), logx.Text("stack", string(debug.Stack()), 4000))
			items = nil
			err = &agent.ExecutionError{Source: src.Name, ExitCode: -1, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	a, err := c.agents.Resolve(src)
	if err != nil {
		return nil, &agent.ExecutionError{Source: src.Name, ExitCode: -1, Err: err}
	}
	return a.Fetch(ctx)
}

// persist writes one source's outcome in a single transaction. On success it
// stores new postings and moves the last-run marker; either way it appends
// the run record.
func (c *Coordinator) persist(ctx context.Context, src domain.Source, items []domain.RawItem, success bool, matcher *tagging.Matcher, now time.Time) (saved int, err error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if success {
		for _, raw := range items {
			p, ok := normalize.Item(raw, now)
			if !ok {
				continue
			}
			dup, err := tx.PostingExists(ctx, p)
			if err != nil {
				return 0, err
			}
			if dup {
				continue
			}
			p.SourceID = src.ID
			inserted, err := tx.InsertPosting(ctx, &p)
			if err != nil {
				return 0, err
			}
			if !inserted {
				continue
			}
			if ids := matcher.MatchPosting(p); len(ids) > 0 {
				if err := tx.AttachTags(ctx, p.ID, ids); err != nil {
					return 0, err
				}
			}
			saved++
		}
		if err := tx.MarkLastRun(ctx, src.ID, now); err != nil {
			return 0, err
		}
	}

	if _, err := tx.AppendRun(ctx, domain.RunRecord{
		SourceID:      src.ID,
		At:            now,
		Success:       success,
		ReceivedCount: len(items),
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}

func (c *Coordinator) reportFailure(ctx context.Context, passID string, src domain.Source, now time.Time, err error) {
	c.reporter.Report(ctx, report.Incident{
		PassID:     passID,
		SourceID:   src.ID,
		SourceName: src.Name,
		SourceKind: string(src.Kind),
		At:         now,
		Err:        err,
	})
}

func (c *Coordinator) publishFinished(passID string, src domain.Source, st domain.RunStats, took time.Duration, err error) {
	ev := eventbus.SourceFinished{
		PassID:     passID,
		SourceID:   src.ID,
		SourceName: src.Name,
		SourceKind: string(src.Kind),
		Success:    st.Success,
		Received:   st.Received,
		Saved:      st.Saved,
		Took:       took,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeSourceFinished, Data: ev})
}
