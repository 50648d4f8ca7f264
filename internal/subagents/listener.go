package subagents

import (
	"github.com/nextlevelbuilder/subtrack/internal/bus"
)

// startListener subscribes to the lifecycle stream once per registry. The
// listener is one of two completion signals; whichever of it and the RPC
// waiter observes a terminal phase first claims the announce flow.
func (r *Registry) startListener() {
	r.listenerOnce.Do(func() {
		if r.deps.Bus == nil {
			return
		}
		r.unsubscribe = r.deps.Bus.Subscribe(r.handleEvent)
	})
}

func (r *Registry) handleEvent(ev bus.Event) {
	if ev.Stream != bus.StreamLifecycle || ev.Lifecycle == nil {
		return
	}

	switch ev.Lifecycle.Phase {
	case bus.PhaseStart:
		if ev.Lifecycle.StartedAt == nil {
			return
		}
		r.mu.Lock()
		if rec, ok := r.runs[ev.RunID]; ok {
			rec.StartedAt = *ev.Lifecycle.StartedAt
			r.persistLocked()
		}
		r.mu.Unlock()

	case bus.PhaseEnd, bus.PhaseError:
		if !r.recordCompletion(ev.RunID, completion{
			phase:     ev.Lifecycle.Phase,
			startedAt: ev.Lifecycle.StartedAt,
			endedAt:   ev.Lifecycle.EndedAt,
			errMsg:    ev.Lifecycle.Error,
			aborted:   ev.Lifecycle.Aborted,
		}) {
			return
		}
		r.maybeAnnounce(ev.RunID)
	}
}

// completion is a terminal observation from either signal path.
type completion struct {
	phase     string
	startedAt *int64
	endedAt   *int64
	errMsg    string
	aborted   bool
}

func (c completion) outcome() *Outcome {
	switch {
	case c.phase == bus.PhaseError:
		msg := c.errMsg
		if msg == "" {
			msg = "run failed"
		}
		return &Outcome{Status: StatusError, Error: msg}
	case c.aborted:
		return &Outcome{Status: StatusTimeout}
	default:
		return &Outcome{Status: StatusOK}
	}
}

// recordCompletion transitions the record to ended and reports whether an
// announce should be attempted. Returns false for unknown records,
// suppressed records, or records whose outcome was already set by the
// other signal.
func (r *Registry) recordCompletion(runID string, c completion) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[runID]
	if !ok {
		return false
	}

	if c.startedAt != nil && rec.StartedAt == 0 {
		rec.StartedAt = *c.startedAt
	}
	if rec.EndedAt == nil {
		ended := r.nowMs()
		if c.endedAt != nil {
			ended = *c.endedAt
		}
		rec.EndedAt = &ended
	}
	if rec.Outcome == nil {
		rec.Outcome = c.outcome()
	}
	r.persistLocked()

	return rec.SuppressAnnounceReason == ""
}
