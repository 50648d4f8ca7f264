package subagents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/bus"
	"github.com/nextlevelbuilder/subtrack/internal/gateway"
)

type waitResult struct {
	Status    string `json:"status"`
	StartedAt *int64 `json:"startedAt,omitempty"`
	EndedAt   *int64 `json:"endedAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// awaitCompletion issues one cross-process agent.wait for the run. It is
// the second completion signal, covering runs whose lifecycle events this
// process never sees (restart recovery, runs executed elsewhere). Wait
// failures are swallowed; the listener and the next restart cover for them.
func (r *Registry) awaitCompletion(runID string) {
	rec, ok := r.getRun(runID)
	if !ok || rec.EndedAt != nil {
		return
	}

	timeout := r.deps.Settings.DefaultRunTimeout
	if rec.RunTimeoutSeconds > 0 {
		timeout = time.Duration(rec.RunTimeoutSeconds) * time.Second
	}

	params := map[string]any{
		"runId":     runID,
		"timeoutMs": timeout.Milliseconds(),
	}
	// RPC timeout exceeds the wait window so the gateway answers first.
	raw, err := r.deps.Gateway.Call(context.Background(), gateway.MethodAgentWait, params, timeout+r.deps.Settings.CallTimeout)
	if err != nil {
		r.logger.Warn("completion wait failed", "runId", runID, "error", err)
		return
	}

	var res waitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		r.logger.Warn("completion wait: bad response", "runId", runID, "error", err)
		return
	}

	var phase string
	aborted := false
	switch res.Status {
	case StatusOK:
		phase = bus.PhaseEnd
	case StatusError:
		phase = bus.PhaseError
	case StatusTimeout:
		phase = bus.PhaseEnd
		aborted = true
	default:
		// Still running or unknown; leave the record alone.
		return
	}

	if !r.recordCompletion(runID, completion{
		phase:     phase,
		startedAt: res.StartedAt,
		endedAt:   res.EndedAt,
		errMsg:    res.Error,
		aborted:   aborted,
	}) {
		return
	}
	r.maybeAnnounce(runID)
}
