package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/agentmon/internal/logging"
	"github.com/theirongolddev/agentmon/internal/model"
)

// SessionSource provides the live session state a batch of events belongs to,
// so session rows land in the same transaction as their events. Implemented
// by the tracker.
type SessionSource interface {
	Lookup(key model.SessionKey) (*model.Session, bool)
}

// WriterConfig bounds the writer's batching and buffering.
type WriterConfig struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxBuffered   int
}

// Writer batches events into transactions. Enqueue never blocks the caller:
// when the buffer is full the oldest events are dropped and counted, trading
// history completeness for pipeline liveness.
type Writer struct {
	store    *Store
	sessions SessionSource
	cfg      WriterConfig
	log      *logrus.Entry

	mu      sync.Mutex
	buf     []*model.Event
	dropped uint64
	written uint64
	kick    chan struct{}
	flushCh chan chan error
}

// NewWriter creates a writer; call Run to start flushing.
func NewWriter(s *Store, sessions SessionSource, cfg WriterConfig) *Writer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10000
	}
	return &Writer{
		store:    s,
		sessions: sessions,
		cfg:      cfg,
		log:      logging.NewLogger("store.writer"),
		kick:     make(chan struct{}, 1),
		flushCh:  make(chan chan error),
	}
}

// Enqueue adds an event to the pending batch.
func (w *Writer) Enqueue(ev *model.Event) {
	w.mu.Lock()
	if len(w.buf) >= w.cfg.MaxBuffered {
		w.buf = w.buf[1:]
		w.dropped++
		if w.dropped%1000 == 1 {
			w.log.WithField("dropped", w.dropped).Warn("write buffer full, dropping oldest events")
		}
	}
	w.buf = append(w.buf, ev)
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the configured interval until ctx is done, then performs a
// final flush so shutdown loses nothing buffered.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := w.flush(); err != nil {
				w.log.WithError(err).Error("final flush failed")
			}
			return
		case <-ticker.C:
			if err := w.flush(); err != nil {
				w.log.WithError(err).Warn("flush failed, batch requeued")
			}
		case <-w.kick:
			if err := w.flush(); err != nil {
				w.log.WithError(err).Warn("flush failed, batch requeued")
			}
		case done := <-w.flushCh:
			done <- w.flush()
		}
	}
}

// Flush synchronously persists everything buffered. Used by queries that
// need read-your-writes, and by tests.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case w.flushCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the writer's lifetime counters.
func (w *Writer) Stats() (written, dropped uint64, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.dropped, len(w.buf)
}

func (w *Writer) flush() error {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if err := w.writeBatch(batch); err != nil {
		// Put the batch back in front so a transient failure keeps order.
		w.mu.Lock()
		w.buf = append(batch, w.buf...)
		if over := len(w.buf) - w.cfg.MaxBuffered; over > 0 {
			w.buf = w.buf[over:]
			w.dropped += uint64(over)
		}
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.written += uint64(len(batch))
	w.mu.Unlock()
	return nil
}

// writeBatch persists the sessions referenced by a batch, then the events,
// in one transaction. Sessions go first to satisfy the foreign key.
func (w *Writer) writeBatch(batch []*model.Event) error {
	keys := make(map[model.SessionKey]struct{})
	for _, ev := range batch {
		keys[ev.Key] = struct{}{}
	}

	tx, err := w.store.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for key := range keys {
		sess, ok := w.sessions.Lookup(key)
		if !ok {
			// Restart race: event buffered before the tracker dropped
			// the session. Synthesize a minimal row so the event keeps
			// its audit trail.
			sess = model.NewSession(key.Agent, key.ExternalID, "", time.Now())
			sess.Status = model.StatusUnknown
		}
		if err := upsertSessionTx(tx, sess); err != nil {
			return err
		}
	}

	for _, ev := range batch {
		if err := insertEventTx(tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}
