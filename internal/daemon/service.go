// Package daemon wires the monitoring pipeline together and runs it: adapter
// runners feed the normalizer, normalized events fan out over the bus to the
// session tracker and the store writer, rollups fold stored events into
// metric buckets, and the IPC server answers queries over the unix socket.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/agentmon/internal/adapter"
	"github.com/theirongolddev/agentmon/internal/bus"
	"github.com/theirongolddev/agentmon/internal/config"
	"github.com/theirongolddev/agentmon/internal/ipc"
	"github.com/theirongolddev/agentmon/internal/logging"
	"github.com/theirongolddev/agentmon/internal/model"
	"github.com/theirongolddev/agentmon/internal/normalize"
	"github.com/theirongolddev/agentmon/internal/rollup"
	"github.com/theirongolddev/agentmon/internal/store"
	"github.com/theirongolddev/agentmon/internal/track"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "dev"

// Service is the daemon runtime. It also implements ipc.Backend.
type Service struct {
	cfg *config.Config
	log *logrus.Entry

	startedAt time.Time

	store   *store.Store
	bus     *bus.Bus
	writer  *store.Writer
	tracker *track.Tracker
	norm    *normalize.Normalizer
	agg     *rollup.Aggregator
	runners []*adapter.Runner
}

// New creates a daemon service from loaded configuration.
func New(cfg *config.Config) *Service {
	return &Service{
		cfg:       cfg,
		log:       logging.NewLogger("daemon"),
		startedAt: time.Now(),
	}
}

// Run builds the pipeline and runs it until ctx is canceled. Shutdown is
// ordered: sources stop first, the bus drains, the writer flushes, then the
// store closes, so nothing observed before cancellation is lost.
func (s *Service) Run(ctx context.Context) error {
	st, err := store.Open(s.cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	s.store = st
	defer func() { _ = st.Close() }()

	maxID, err := st.MaxEventID()
	if err != nil {
		return fmt.Errorf("reading event sequence: %w", err)
	}

	s.bus = bus.New(s.cfg.Bus.QueueSize)

	// The tracker allocates derived-event ids from the normalizer's
	// sequence; the normalizer resolves session identity through the
	// tracker. Break the cycle with a late-bound closure.
	s.tracker = track.New(track.Config{
		StartingGrace:  s.cfg.Tracker.StartingGrace.Dur(),
		IdleThreshold:  s.cfg.Tracker.IdleThreshold.Dur(),
		CrashThreshold: s.cfg.Tracker.CrashThreshold.Dur(),
		SweepInterval:  s.cfg.Tracker.SweepInterval.Dur(),
	}, func() int64 { return s.norm.NextID() }, func(ev *model.Event) { s.bus.Publish(ev) })
	s.tracker.UseStore(st.GetSessionByKey)
	s.norm = normalize.New(s.tracker, maxID)

	// Sessions left open by a previous run come back as live state; the
	// sweep promotes the stale ones to crashed.
	open, err := st.OpenSessions()
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	s.tracker.Restore(open)
	if len(open) > 0 {
		s.log.WithField("sessions", len(open)).Info("restored open sessions")
	}

	s.writer = store.NewWriter(st, s.tracker, store.WriterConfig{
		FlushInterval: s.cfg.Store.FlushInterval.Dur(),
		BatchSize:     s.cfg.Store.BatchSize,
		MaxBuffered:   s.cfg.Store.MaxBufferedEvents,
	})
	s.agg = rollup.New(st, s.cfg.Aggregator.Period.Dur())

	var wg sync.WaitGroup
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writer.Run(writerCtx)
	}()

	var subWG sync.WaitGroup
	trackSub := s.bus.Subscribe("tracker")
	subWG.Add(1)
	go func() {
		defer subWG.Done()
		for ev := range trackSub.Events() {
			s.tracker.Apply(ev)
		}
	}()
	storeSub := s.bus.Subscribe("store")
	subWG.Add(1)
	go func() {
		defer subWG.Done()
		for ev := range storeSub.Events() {
			s.writer.Enqueue(ev)
		}
	}()

	srcCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()

	if err := s.startAdapters(srcCtx, &wg); err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tracker.Run(srcCtx.Done())
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.agg.Run(srcCtx)
	}()

	srv := ipc.NewServer(s.cfg.SocketPath(), s)
	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(srcCtx) }()

	s.log.WithFields(logrus.Fields{
		"socket":   s.cfg.SocketPath(),
		"db":       s.cfg.DBPath(),
		"adapters": len(s.runners),
	}).Info("daemon started")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopSources()
			s.drain(&subWG, stopWriter, &wg)
			return fmt.Errorf("ipc server: %w", err)
		}
		<-ctx.Done()
	}

	s.log.Info("shutting down")
	stopSources()
	s.drain(&subWG, stopWriter, &wg)
	s.log.Info("daemon stopped")
	return nil
}

// drain finishes the pipeline in dependency order: close the bus so queued
// events reach the subscribers, wait for them, then stop the writer, which
// performs its final flush.
func (s *Service) drain(subWG *sync.WaitGroup, stopWriter context.CancelFunc, wg *sync.WaitGroup) {
	s.bus.Close()
	subWG.Wait()

	// Persist final live state even for sessions with no pending events.
	for _, sess := range s.tracker.Snapshot() {
		if err := s.store.UpsertSession(sess); err != nil {
			s.log.WithError(err).Warn("persisting session on shutdown")
		}
	}

	stopWriter()
	wg.Wait()
}

// startAdapters loads manifests and spins up one runner per enabled source.
// A broken manifest is logged and skipped; it never stops the daemon.
func (s *Service) startAdapters(ctx context.Context, wg *sync.WaitGroup) error {
	dir := s.cfg.Adapters.ManifestDir
	if dir == "" {
		dir = config.DefaultManifestDir()
	}
	manifests, errs := adapter.LoadManifestDir(dir)
	for _, err := range errs {
		s.log.WithError(err).Warn("skipping manifest")
	}

	sink := func(rec adapter.RawRecord) {
		s.bus.Publish(s.norm.Normalize(rec))
	}

	for _, m := range manifests {
		if !s.cfg.AdapterEnabled(m.Name) {
			s.log.WithField("adapter", m.Name).Debug("adapter disabled")
			continue
		}
		a, err := adapter.FromManifest(m, s.store.Offsets(m.Name))
		if err != nil {
			s.log.WithError(err).WithField("adapter", m.Name).Warn("adapter init failed")
			continue
		}
		r := adapter.NewRunner(a, m, s.cfg.Adapters.PollTimeout.Dur(), sink)
		s.runners = append(s.runners, r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	if len(s.runners) == 0 {
		s.log.Warn("no adapters running; daemon will only serve stored data")
	}
	return nil
}

// Status implements ipc.Backend.
func (s *Service) Status() (*ipc.DaemonStatus, error) {
	live, _ := s.tracker.Count()
	storedSessions, err := s.store.SessionCount()
	if err != nil {
		return nil, err
	}
	storedEvents, err := s.store.EventCount()
	if err != nil {
		return nil, err
	}
	cursor, err := s.store.RollupCursor()
	if err != nil {
		return nil, err
	}

	published, dropped, subscribers := s.bus.Stats()
	written, lost, pending := s.writer.Stats()

	st := &ipc.DaemonStatus{
		PID:            os.Getpid(),
		Version:        Version,
		StartedAt:      s.startedAt,
		LiveSessions:   live,
		StoredSessions: storedSessions,
		StoredEvents:   storedEvents,
		BusPublished:   published,
		BusDropped:     dropped,
		BusSubscribers: subscribers,
		EventsWritten:  written,
		EventsLost:     lost,
		PendingWrites:  pending,
		RollupCursor:   cursor,
	}
	for _, r := range s.runners {
		st.Adapters = append(st.Adapters, r.Status())
	}
	return st, nil
}

// flushForRead gives queries read-your-writes over the batched writer.
func (s *Service) flushForRead() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.writer.Flush(ctx); err != nil {
		s.log.WithError(err).Debug("pre-read flush failed")
	}
}

// ListSessions implements ipc.Backend.
func (s *Service) ListSessions(opts store.ListOptions) ([]*model.Session, error) {
	s.flushForRead()
	return s.store.ListSessions(opts)
}

// GetSession implements ipc.Backend.
func (s *Service) GetSession(id string) (*model.Session, error) {
	s.flushForRead()
	return s.store.GetSession(id)
}

// SessionEvents implements ipc.Backend.
func (s *Service) SessionEvents(id string, limit int) ([]*model.Event, error) {
	s.flushForRead()
	return s.store.SessionEvents(id, limit)
}

// RecentEvents implements ipc.Backend.
func (s *Service) RecentEvents(filter model.EventFilter, limit int) ([]*model.Event, error) {
	s.flushForRead()
	return s.store.RecentEvents(filter, limit)
}

// HourlyMetrics implements ipc.Backend.
func (s *Service) HourlyMetrics(agent model.AgentType, from, to time.Time) ([]*model.HourlyMetrics, error) {
	return s.store.HourlyRange(agent, from, to)
}

// DailyMetrics implements ipc.Backend.
func (s *Service) DailyMetrics(agent model.AgentType, from, to time.Time) ([]*model.DailyMetrics, error) {
	return s.store.DailyRange(agent, from, to)
}

// MetricsStale implements ipc.Backend: true while rollups lag stored events.
func (s *Service) MetricsStale() bool {
	cursor, err := s.store.RollupCursor()
	if err != nil {
		return true
	}
	maxID, err := s.store.MaxEventID()
	if err != nil {
		return true
	}
	return cursor < maxID
}

// SubscribeEvents implements ipc.Backend.
func (s *Service) SubscribeEvents(name string) *bus.Subscription {
	return s.bus.Subscribe(name)
}

// SessionProject implements ipc.Backend.
func (s *Service) SessionProject(id string) string {
	sess, err := s.store.GetSession(id)
	if err != nil || sess == nil {
		return ""
	}
	return sess.ProjectPath
}
