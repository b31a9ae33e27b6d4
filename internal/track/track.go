// Package track maintains the live session state machine. It folds events
// into per-session counters, drives status transitions (explicit from
// terminate events, inferred from inactivity sweeps), and emits derived
// lifecycle events so transitions show up in stored history like any other
// observation.
package track

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/agentmon/internal/logging"
	"github.com/theirongolddev/agentmon/internal/model"
)

// Config holds the tracker's inactivity thresholds.
type Config struct {
	// StartingGrace is how long a session stays in starting before
	// activity promotes it to active.
	StartingGrace time.Duration
	// IdleThreshold toggles active sessions to idle after this much
	// inactivity, and back on new activity.
	IdleThreshold time.Duration
	// CrashThreshold marks a session crashed after this much inactivity.
	CrashThreshold time.Duration
	// SweepInterval is how often inactivity is re-evaluated.
	SweepInterval time.Duration
}

// DefaultConfig mirrors the shipped config defaults.
func DefaultConfig() Config {
	return Config{
		StartingGrace:  30 * time.Second,
		IdleThreshold:  2 * time.Minute,
		CrashThreshold: 30 * time.Minute,
		SweepInterval:  15 * time.Second,
	}
}

// Tracker owns the in-memory session map. Updates to a single session are
// serialized by a per-session lock; different sessions update concurrently.
type Tracker struct {
	cfg    Config
	emit   func(*model.Event)
	nextID func() int64
	stored func(model.SessionKey) (*model.Session, error)
	clock  func() time.Time
	log    *logrus.Entry

	mu       sync.RWMutex
	sessions map[model.SessionKey]*liveSession
}

type liveSession struct {
	mu sync.Mutex
	s  *model.Session

	// resumeLogged suppresses repeated anomaly logs when events keep
	// arriving for a crashed session.
	resumeLogged bool
}

// New creates a tracker. emit receives the derived lifecycle events the
// tracker produces (wired to the bus by the daemon); nextID allocates their
// ids from the shared event sequence.
func New(cfg Config, nextID func() int64, emit func(*model.Event)) *Tracker {
	if cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:      cfg,
		emit:     emit,
		nextID:   nextID,
		clock:    time.Now,
		log:      logging.NewLogger("track"),
		sessions: make(map[model.SessionKey]*liveSession),
	}
}

// UseStore gives the tracker access to persisted sessions. A late event for
// a key whose session already completed in a previous run then adopts the
// stored row (same id, terminal status) instead of minting a duplicate
// identity that the store's foreign key would reject.
func (t *Tracker) UseStore(lookup func(model.SessionKey) (*model.Session, error)) {
	t.stored = lookup
}

// Restore seeds the tracker with sessions persisted by a previous run.
// Terminal sessions are skipped; they need no live state.
func (t *Tracker) Restore(sessions []*model.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sessions {
		if s.Status.Terminal() {
			continue
		}
		t.sessions[s.Key()] = &liveSession{s: s.Clone()}
	}
}

// Resolve returns the session id for a key, creating the session in the
// starting state on first sight. Implements normalize.SessionResolver.
func (t *Tracker) Resolve(key model.SessionKey, projectPath string, at time.Time) string {
	ls := t.get(key, projectPath, at)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.ProjectPath == "" && projectPath != "" {
		ls.s.ProjectPath = projectPath
	}
	return ls.s.ID
}

func (t *Tracker) get(key model.SessionKey, projectPath string, at time.Time) *liveSession {
	t.mu.RLock()
	ls, ok := t.sessions[key]
	t.mu.RUnlock()
	if ok {
		return ls
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ls, ok := t.sessions[key]; ok {
		return ls
	}
	if t.stored != nil {
		if sess, err := t.stored(key); err == nil && sess != nil {
			ls = &liveSession{s: sess}
			t.sessions[key] = ls
			t.log.WithFields(logrus.Fields{
				"agent":   key.Agent,
				"session": key.ExternalID,
				"status":  sess.Status,
			}).Debug("session adopted from store")
			return ls
		}
	}
	ls = &liveSession{s: model.NewSession(key.Agent, key.ExternalID, projectPath, at)}
	t.sessions[key] = ls
	t.log.WithFields(logrus.Fields{
		"agent":   key.Agent,
		"session": key.ExternalID,
	}).Debug("session created")
	return ls
}

// Apply folds one event into its session. Counter updates are commutative so
// out-of-order delivery converges to the same totals; status transitions for
// terminal sessions never happen, but late events still adjust counters so
// history replay order does not change the end state.
func (t *Tracker) Apply(ev *model.Event) {
	// Derived transition events originate here; re-applying them would
	// double-transition.
	if ev.Type == model.EventLifecycle && ev.Lifecycle != nil && ev.Lifecycle.From != "" {
		return
	}

	ls := t.get(ev.Key, "", ev.Timestamp)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.s

	if ev.Timestamp.Before(s.StartedAt) {
		s.StartedAt = ev.Timestamp
	}

	t.fold(s, ev)

	if s.Status.Terminal() {
		if ev.Type != model.EventLifecycle && !ls.resumeLogged && s.Status == model.StatusCrashed {
			ls.resumeLogged = true
			t.log.WithFields(logrus.Fields{
				"agent":   s.Agent,
				"session": s.ExternalID,
			}).Warn("activity on crashed session, not reopening")
		}
		return
	}

	if ev.Timestamp.After(s.LastActivityAt) {
		s.LastActivityAt = ev.Timestamp
	}

	if ev.Type == model.EventLifecycle && ev.Lifecycle != nil && ev.Lifecycle.To.Terminal() {
		t.transition(s, ev.Lifecycle.To, model.CauseExplicit, ev.Timestamp)
		return
	}

	// Fatal errors end the session even without a terminate record.
	if ev.Type == model.EventError && ev.Error != nil && ev.Error.Kind == "fatal" {
		t.transition(s, model.StatusCrashed, model.CauseExplicit, ev.Timestamp)
		return
	}

	if s.Status == model.StatusIdle {
		t.transition(s, model.StatusActive, model.CauseExplicit, ev.Timestamp)
	}
}

// fold applies the commutative counter updates for an event.
func (t *Tracker) fold(s *model.Session, ev *model.Event) {
	switch ev.Type {
	case model.EventMessage:
		s.MessageCount++
	case model.EventToolCall:
		s.ToolCallCount++
	case model.EventFileOp:
		s.FileOpCount++
	}

	if ev.Tokens != nil {
		if ev.Tokens.Input > 0 {
			s.TokensInput += ev.Tokens.Input
		}
		if ev.Tokens.Output > 0 {
			s.TokensOutput += ev.Tokens.Output
		}
	}
	if ev.Cost > 0 {
		s.EstimatedCost += ev.Cost
	}
	if ev.Task != "" && ev.Task != s.CurrentTask {
		// A new task supersedes the current one.
		if s.CurrentTask != "" {
			s.TasksCompleted++
		}
		s.CurrentTask = ev.Task
		s.TasksTotal++
	}
	if ev.Model != "" && (ev.Tokens != nil || ev.Type == model.EventMessage) {
		if s.ModelUsage == nil {
			s.ModelUsage = make(map[string]*model.ModelUsage)
		}
		u := s.ModelUsage[ev.Model]
		if u == nil {
			u = &model.ModelUsage{}
			s.ModelUsage[ev.Model] = u
		}
		u.Calls++
		if ev.Tokens != nil {
			u.TokensInput += ev.Tokens.Input
			u.TokensOutput += ev.Tokens.Output
		}
		u.EstimatedCost += ev.Cost
	}
}

// transition moves a session to a new status and emits the derived lifecycle
// event. Callers hold the session lock.
func (t *Tracker) transition(s *model.Session, to model.SessionStatus, cause model.TransitionCause, at time.Time) {
	from := s.Status
	if from == to || from.Terminal() {
		return
	}
	s.Status = to
	if to.Terminal() {
		end := at
		s.EndedAt = &end
	}
	if to == model.StatusCompleted && s.CurrentTask != "" {
		s.TasksCompleted++
		s.CurrentTask = ""
	}

	t.log.WithFields(logrus.Fields{
		"agent":   s.Agent,
		"session": s.ExternalID,
		"from":    from,
		"to":      to,
		"cause":   cause,
	}).Info("session transition")

	if t.emit == nil {
		return
	}
	t.emit(&model.Event{
		ID:         t.nextID(),
		SessionID:  s.ID,
		Key:        s.Key(),
		Type:       model.EventLifecycle,
		Timestamp:  at,
		Lifecycle:  &model.LifecyclePayload{From: from, To: to, Cause: cause},
		Confidence: 1,
	})
}

// Sweep re-evaluates inactivity for every live session. Exactly one derived
// event per transition: a session already marked crashed is left alone.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.RLock()
	live := make([]*liveSession, 0, len(t.sessions))
	for _, ls := range t.sessions {
		live = append(live, ls)
	}
	t.mu.RUnlock()

	for _, ls := range live {
		ls.mu.Lock()
		s := ls.s
		if s.Status.Terminal() {
			ls.mu.Unlock()
			continue
		}
		idle := now.Sub(s.LastActivityAt)
		switch {
		case idle >= t.cfg.CrashThreshold:
			// Inferred crash: the session's end is its last activity,
			// not the moment we noticed.
			t.transition(s, model.StatusCrashed, model.CauseTimeout, s.LastActivityAt)
		case s.Status == model.StatusActive && idle >= t.cfg.IdleThreshold:
			t.transition(s, model.StatusIdle, model.CauseTimeout, now)
		case s.Status == model.StatusIdle && idle < t.cfg.IdleThreshold:
			t.transition(s, model.StatusActive, model.CauseExplicit, now)
		case s.Status == model.StatusStarting && now.Sub(s.StartedAt) >= t.cfg.StartingGrace:
			if s.LastActivityAt.After(s.StartedAt) || idle < t.cfg.IdleThreshold {
				t.transition(s, model.StatusActive, model.CauseTimeout, now)
			}
		}
		ls.mu.Unlock()
	}
}

// Run sweeps on the configured interval until ctx is done.
func (t *Tracker) Run(done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.Sweep(t.clock())
		}
	}
}

// Snapshot returns deep copies of all live (non-terminal) sessions.
func (t *Tracker) Snapshot() []*model.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*model.Session, 0, len(t.sessions))
	for _, ls := range t.sessions {
		ls.mu.Lock()
		if !ls.s.Status.Terminal() {
			out = append(out, ls.s.Clone())
		}
		ls.mu.Unlock()
	}
	return out
}

// Lookup returns a copy of one session's live state, terminal or not.
func (t *Tracker) Lookup(key model.SessionKey) (*model.Session, bool) {
	t.mu.RLock()
	ls, ok := t.sessions[key]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.s.Clone(), true
}

// Count returns how many sessions the tracker holds, by terminality.
func (t *Tracker) Count() (live, terminal int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ls := range t.sessions {
		ls.mu.Lock()
		if ls.s.Status.Terminal() {
			terminal++
		} else {
			live++
		}
		ls.mu.Unlock()
	}
	return live, terminal
}
