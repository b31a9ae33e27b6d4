package adapter

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/agentmon/internal/logging"
	"github.com/theirongolddev/agentmon/internal/model"
)

// Sink receives the records an adapter produces.
type Sink func(RawRecord)

// maxBackoff caps the retry delay for a failing adapter source.
const maxBackoff = 5 * time.Minute

// Runner drives one adapter on its poll interval. Each runner is an
// independent goroutine: a stalled or failing source backs off and retries on
// its own without affecting other adapters or the bus. File-system notify
// events on the log path wake the poller early so hooks-style sources get
// near-real-time pickup.
type Runner struct {
	adapter     Adapter
	manifest    Manifest
	pollTimeout time.Duration
	sink        Sink
	log         *logrus.Entry

	mu       sync.Mutex
	status   RunnerStatus
	failures int
}

// RunnerStatus is a point-in-time view of one adapter's health.
type RunnerStatus struct {
	Name            string          `json:"name"`
	Agent           model.AgentType `json:"agent_type"`
	LastPollAt      time.Time       `json:"last_poll_at"`
	LastError       string          `json:"last_error,omitempty"`
	RecordsEmitted  int64           `json:"records_emitted"`
	ConsecutiveFail int             `json:"consecutive_failures"`
}

// NewRunner wraps an adapter with its polling loop configuration.
func NewRunner(a Adapter, m Manifest, pollTimeout time.Duration, sink Sink) *Runner {
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	return &Runner{
		adapter:     a,
		manifest:    m,
		pollTimeout: pollTimeout,
		sink:        sink,
		log:         logging.NewLogger("adapter." + a.Name()),
		status: RunnerStatus{
			Name:  a.Name(),
			Agent: a.Agent(),
		},
	}
}

// Status returns the runner's current health snapshot.
func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run polls until ctx is canceled. It always returns nil after cleanup; all
// source failures are contained here.
func (r *Runner) Run(ctx context.Context) {
	defer func() {
		if err := r.adapter.Close(); err != nil {
			r.log.WithError(err).Warn("adapter close failed")
		}
	}()

	wake := r.watchLogPath(ctx)

	// First poll immediately so startup picks up existing history.
	r.pollOnce(ctx)

	for {
		delay := r.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
		r.pollOnce(ctx)
	}
}

// nextDelay is the poll interval, stretched exponentially while the source
// keeps failing.
func (r *Runner) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	delay := r.manifest.PollInterval.Duration
	for i := 0; i < r.failures && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (r *Runner) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	records, err := r.adapter.PollNext(pollCtx)
	now := time.Now()

	r.mu.Lock()
	r.status.LastPollAt = now
	if err != nil && ctx.Err() == nil {
		r.failures++
		r.status.LastError = err.Error()
		r.status.ConsecutiveFail = r.failures
		r.mu.Unlock()
		r.log.WithError(err).WithField("failures", r.failures).Warn("poll failed")
		return
	}
	r.failures = 0
	r.status.LastError = ""
	r.status.ConsecutiveFail = 0
	r.status.RecordsEmitted += int64(len(records))
	r.mu.Unlock()

	for _, rec := range records {
		r.sink(rec)
	}
}

// watchLogPath starts an fsnotify watcher on the manifest's log path and
// returns a channel that fires when the source changes. A missing path or
// watcher failure degrades to interval-only polling.
func (r *Runner) watchLogPath(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.WithError(err).Debug("fsnotify unavailable, falling back to interval polling")
		return wake
	}

	dir := r.manifest.LogPath
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	if err := watcher.Add(dir); err != nil {
		r.log.WithError(err).Debug("watch failed, falling back to interval polling")
		_ = watcher.Close()
		return wake
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default: // a wakeup is already pending
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return wake
}
