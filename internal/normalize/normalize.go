// Package normalize converts adapter raw records into canonical events and
// resolves their session identity. Normalization never fails hard: records
// that cannot be interpreted become low-confidence error events so the stored
// history stays a complete audit of what the sources produced.
package normalize

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/agentmon/internal/adapter"
	"github.com/theirongolddev/agentmon/internal/config"
	"github.com/theirongolddev/agentmon/internal/logging"
	"github.com/theirongolddev/agentmon/internal/model"
)

// malformedConfidence caps the confidence of events built from records the
// adapter flagged as unparseable.
const malformedConfidence = 0.1

// SessionResolver attaches a session identity to an event, creating the
// session when the external id has not been seen before. Implemented by the
// session tracker.
type SessionResolver interface {
	Resolve(key model.SessionKey, projectPath string, at time.Time) (sessionID string)
}

// Normalizer turns RawRecords into Events with monotonically assigned ids.
type Normalizer struct {
	resolver SessionResolver
	seq      atomic.Int64
	now      func() time.Time
	log      *logrus.Entry
}

// New creates a normalizer. seed is the highest event id already persisted,
// so ids stay monotonic across daemon restarts.
func New(resolver SessionResolver, seed int64) *Normalizer {
	n := &Normalizer{
		resolver: resolver,
		now:      time.Now,
		log:      logging.NewLogger("normalize"),
	}
	n.seq.Store(seed)
	return n
}

// NextID hands out the next event id. Also used by the tracker for the
// derived lifecycle events it emits, so all events share one sequence.
func (n *Normalizer) NextID() int64 {
	return n.seq.Add(1)
}

// Normalize produces the canonical event for a raw record. It always returns
// an event; malformed records degrade to error events rather than vanishing.
func (n *Normalizer) Normalize(rec adapter.RawRecord) *model.Event {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}

	externalID := rec.ExternalID
	if externalID == "" {
		// A record we cannot attribute still gets stored, under a
		// per-source catch-all session.
		externalID = rec.Source + "/unattributed"
	}
	key := model.SessionKey{Agent: rec.Agent, ExternalID: externalID}

	ev := &model.Event{
		ID:         n.NextID(),
		Key:        key,
		Timestamp:  ts,
		Raw:        rec.Raw,
		Confidence: rec.Confidence,
		Model:      rec.Model,
		Task:       rec.Task,
	}

	switch rec.Kind {
	case adapter.KindMessage:
		ev.Type = model.EventMessage
	case adapter.KindToolCall:
		ev.Type = model.EventToolCall
		ev.Tool = rec.Tool
	case adapter.KindFileOp:
		ev.Type = model.EventFileOp
		ev.File = rec.File
	case adapter.KindTokenUsage:
		ev.Type = model.EventCostUpdate
	case adapter.KindSubagent:
		ev.Type = model.EventSubagentSpawn
	case adapter.KindTerminate:
		ev.Type = model.EventLifecycle
		to := rec.Terminal
		if !to.Terminal() {
			to = model.StatusCompleted
		}
		ev.Lifecycle = &model.LifecyclePayload{To: to}
	case adapter.KindError:
		ev.Type = model.EventError
		ev.Error = &model.ErrorPayload{Kind: rec.ErrKind, Message: rec.ErrMessage}
	default:
		n.log.WithField("kind", rec.Kind).Debug("unknown record kind")
		ev.Type = model.EventError
		ev.Error = &model.ErrorPayload{Kind: "unknown_kind", Message: string(rec.Kind)}
		ev.Confidence = 0.1
	}

	if rec.TokensIn > 0 || rec.TokensOut > 0 {
		ev.Tokens = &model.TokenDelta{Input: rec.TokensIn, Output: rec.TokensOut}
		ev.Cost = config.EstimateCost(rec.Model, rec.TokensIn, rec.TokensOut)
	}

	// A record the adapter could not parse is never trustworthy, whatever
	// confidence it arrived with.
	if rec.Malformed && ev.Confidence > malformedConfidence {
		ev.Confidence = malformedConfidence
	}

	if err := ev.Validate(); err != nil {
		n.log.WithError(err).Warn("invalid normalized event")
		ev.Type = model.EventError
		ev.Error = &model.ErrorPayload{Kind: "invalid_event", Message: err.Error()}
		if ev.Confidence < 0 || ev.Confidence > 1 {
			ev.Confidence = 0
		}
	}

	ev.SessionID = n.resolver.Resolve(key, rec.ProjectPath, ts)
	return ev
}
