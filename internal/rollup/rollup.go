// Package rollup maintains the hourly and daily metric aggregates. Runs are
// incremental: a cursor over event ids marks what has been folded, and only
// the (agent, hour) buckets touched since then are recomputed. Recomputation
// is a pure function of stored events, so reruns and full rebuilds converge
// to identical rows.
package rollup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/agentmon/internal/logging"
	"github.com/theirongolddev/agentmon/internal/model"
	"github.com/theirongolddev/agentmon/internal/store"
)

// Aggregator drives periodic rollup passes.
type Aggregator struct {
	store   *store.Store
	period  time.Duration
	log     *logrus.Entry
	running atomic.Bool
}

// New creates an aggregator running every period.
func New(s *store.Store, period time.Duration) *Aggregator {
	if period <= 0 {
		period = time.Minute
	}
	return &Aggregator{
		store:  s,
		period: period,
		log:    logging.NewLogger("rollup"),
	}
}

// Run executes rollup passes on the configured period until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunOnce(); err != nil {
				a.log.WithError(err).Warn("rollup pass failed")
			}
		}
	}
}

// RunOnce folds events past the cursor into hourly and daily buckets. At most
// one pass runs at a time; overlapping calls return immediately and the next
// scheduled pass picks up the work.
func (a *Aggregator) RunOnce() error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	defer a.running.Store(false)

	cursor, err := a.store.RollupCursor()
	if err != nil {
		return err
	}
	dirty, maxID, err := a.store.DirtyHourBuckets(cursor)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	days := make(map[model.AgentType]map[time.Time]struct{})
	for _, b := range dirty {
		m, err := a.store.ComputeHourly(b.Agent, b.HourStart)
		if err != nil {
			return err
		}
		if err := a.store.UpsertHourly(m); err != nil {
			return err
		}
		day := model.DayBucket(b.HourStart)
		if days[b.Agent] == nil {
			days[b.Agent] = make(map[time.Time]struct{})
		}
		days[b.Agent][day] = struct{}{}
	}

	for agent, buckets := range days {
		for day := range buckets {
			m, err := a.store.ComputeDaily(agent, day)
			if err != nil {
				return err
			}
			if err := a.store.UpsertDaily(m); err != nil {
				return err
			}
		}
	}

	if err := a.store.SetRollupCursor(maxID); err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"buckets": len(dirty),
		"cursor":  maxID,
	}).Debug("rollup pass complete")
	return nil
}

// Rebuild recomputes every bucket from scratch. Used after manual database
// surgery or when upgrading the fold logic.
func (a *Aggregator) Rebuild() error {
	if err := a.store.ClearRollups(); err != nil {
		return err
	}
	return a.RunOnce()
}
