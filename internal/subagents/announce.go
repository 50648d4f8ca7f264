package subagents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/delivery"
	"github.com/nextlevelbuilder/subtrack/internal/gateway"
	"github.com/nextlevelbuilder/subtrack/internal/sessions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maybeAnnounce attempts the announce flow for a run. The advisory lock is
// taken synchronously before any blocking work; a claim that does not end
// in delivery is rolled back so a later signal retries.
func (r *Registry) maybeAnnounce(runID string) {
	rec, ok := r.beginCleanup(runID)
	if !ok {
		return
	}

	delivered := r.runAnnounceFlow(rec)
	if !delivered {
		r.rollbackCleanup(runID)
		return
	}

	r.finalizeRun(runID)
	r.retryPendingAnnounces()
}

func (r *Registry) runAnnounceFlow(rec *RunRecord) bool {
	ctx, span := r.tracer.Start(context.Background(), "subagents.announce",
		trace.WithAttributes(
			attribute.String("run.id", rec.RunID),
			attribute.String("run.child_session", rec.ChildSessionKey),
		))
	defer span.End()

	// Settle: an ended run can still be streaming retry or compaction
	// output. Announcing before it settles would ship a partial result.
	if r.deps.Probe.IsRunActive(rec.ChildSessionKey) {
		wait := r.settleWindow(rec)
		if !r.deps.Probe.WaitForRunEnd(rec.ChildSessionKey, wait) {
			r.logger.Info("announce deferred: child run not settled", "runId", rec.RunID)
			span.AddEvent("deferred.unsettled")
			return false
		}
	}

	outcome := rec.Outcome
	if outcome == nil && !rec.WaitDisabled {
		outcome = r.awaitOutcomeOnce(ctx, rec)
	}
	if outcome == nil {
		outcome = &Outcome{Status: StatusUnknown}
	}

	resultText := r.resolveResultText(rec)

	// A run whose own child still has active descendants is an unfinished
	// orchestration; hold the announce until the subtree drains.
	if n := r.CountActiveDescendantRuns(rec.ChildSessionKey); n > 0 {
		r.logger.Info("announce deferred: active descendants", "runId", rec.RunID, "count", n)
		span.AddEvent("deferred.descendants")
		return false
	}

	target, origin, ok := r.resolveAnnounceTarget(rec)
	if !ok {
		r.logger.Info("announce deferred: no live requester", "runId", rec.RunID, "requester", rec.RequesterSessionKey)
		span.AddEvent("deferred.no_requester")
		return false
	}
	targetIsSubagent := sessions.IsSubagentKey(target)

	// From here on the result is committed to this target: the finalize
	// block must run whether or not dispatch succeeds.
	defer r.finalizeChildSession(ctx, rec)

	message := r.composeForTarget(rec, outcome, resultText, target, targetIsSubagent)
	announceID := delivery.IdempotencyKey(rec.ChildSessionKey, rec.RunID)

	send := func(items []QueueItem) error {
		return r.sendAnnounceBatch(ctx, target, targetIsSubagent, items)
	}

	item := QueueItem{
		AnnounceID:  announceID,
		Prompt:      message,
		SummaryLine: summaryLine(rec, outcome),
		EnqueuedAt:  r.nowMs(),
		SessionKey:  target,
		Origin:      origin,
	}

	switch r.queue.Submit(target, item, r.queueSettingsFor(target), send) {
	case Steered:
		r.logger.Info("announce steered into active run", "runId", rec.RunID, "target", target)
		span.AddEvent("steered")
		return true
	case Queued:
		r.logger.Info("announce queued", "runId", rec.RunID, "target", target)
		span.AddEvent("queued")
		return true
	}

	if err := send([]QueueItem{item}); err != nil {
		r.logger.Warn("announce delivery failed", "runId", rec.RunID, "target", target, "error", err)
		span.RecordError(err)
		return false
	}
	r.logger.Info("announce delivered", "runId", rec.RunID, "target", target)
	return true
}

func (r *Registry) settleWindow(rec *RunRecord) time.Duration {
	wait := r.deps.Settings.SettleTimeout
	if rec.RunTimeoutSeconds > 0 {
		wait = time.Duration(rec.RunTimeoutSeconds) * time.Second
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if wait > 2*time.Minute {
		wait = 2 * time.Minute
	}
	return wait
}

// awaitOutcomeOnce asks the gateway for the run's terminal status when
// neither signal supplied one. Failures leave the outcome unknown.
func (r *Registry) awaitOutcomeOnce(ctx context.Context, rec *RunRecord) *Outcome {
	params := map[string]any{"runId": rec.RunID, "timeoutMs": r.deps.Settings.CallTimeout.Milliseconds()}
	raw, err := r.deps.Gateway.Call(ctx, gateway.MethodAgentWait, params, 2*r.deps.Settings.CallTimeout)
	if err != nil {
		r.logger.Warn("announce: outcome wait failed", "runId", rec.RunID, "error", err)
		return nil
	}
	var res waitResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Status == "" {
		return nil
	}
	switch res.Status {
	case StatusOK, StatusError, StatusTimeout:
		return &Outcome{Status: res.Status, Error: res.Error}
	}
	return nil
}

// resolveResultText reads the child's latest reply, polling briefly when
// the transcript has not caught up with the run end yet.
func (r *Registry) resolveResultText(rec *RunRecord) string {
	if r.deps.Transcripts == nil {
		return ""
	}
	text := strings.TrimSpace(r.deps.Transcripts.LatestAssistantReply(rec.ChildSessionKey))
	if text != "" {
		return text
	}

	window := 15 * time.Second
	if rec.RunTimeoutSeconds > 0 {
		if t := time.Duration(rec.RunTimeoutSeconds) * time.Second; t < window {
			window = t
		}
	}
	deadline := r.deps.Now().Add(window)
	for r.deps.Now().Before(deadline) {
		time.Sleep(r.deps.Settings.OutputPollInterval)
		text = strings.TrimSpace(r.deps.Transcripts.LatestAssistantReply(rec.ChildSessionKey))
		if text != "" {
			return text
		}
	}
	return ""
}

// resolveAnnounceTarget walks the requester chain until it finds a live
// target. A subagent requester whose own run ended and whose session entry
// is gone (or has a blank session id) is stale; its result bubbles to the
// requester's own requester. Returns ok=false when the chain dead-ends, in
// which case the announce stays deferred.
func (r *Registry) resolveAnnounceTarget(rec *RunRecord) (string, *delivery.Context, bool) {
	target := rec.RequesterSessionKey
	origin := delivery.Clone(rec.RequesterOrigin)
	visited := map[string]bool{}

	for {
		if visited[target] {
			return "", nil, false
		}
		visited[target] = true

		if !sessions.IsSubagentKey(target) {
			return target, origin, true
		}
		if r.IsSubagentSessionRunActive(target) {
			return target, origin, true
		}
		if entry, ok := r.sessionEntry(target); ok && strings.TrimSpace(entry.SessionID) != "" {
			// Ended but the session survives; it can still accept an
			// internal follow-up.
			return target, origin, true
		}

		ref := r.ResolveRequesterForChildSession(target)
		if ref == nil {
			return "", nil, false
		}
		target = ref.RequesterSessionKey
		// The route captured when the new target was spawned beats the
		// one that pointed at the dead intermediate.
		origin = delivery.Merge(ref.RequesterOrigin, origin)
	}
}

func (r *Registry) composeForTarget(rec *RunRecord, outcome *Outcome, resultText, target string, targetIsSubagent bool) string {
	childID := rec.ChildSessionKey
	var inTok, outTok, totalTok int
	if entry, ok := r.sessionEntry(rec.ChildSessionKey); ok {
		if entry.SessionID != "" {
			childID = entry.SessionID
		}
		inTok, outTok, totalTok = entry.InputTokens, entry.OutputTokens, entry.TotalTokens
	}

	activeSiblings := 0
	for _, sibling := range r.ListRunsForRequester(target) {
		if sibling.RunID != rec.RunID && sibling.Active() {
			activeSiblings++
		}
	}

	runtimeMs := int64(0)
	if rec.EndedAt != nil && rec.StartedAt > 0 {
		runtimeMs = *rec.EndedAt - rec.StartedAt
	}

	return composeAnnounceMessage(messageParams{
		ChildSessionID:      childID,
		Label:               rec.Label,
		Outcome:             outcome,
		ResultText:          resultText,
		RuntimeMs:           runtimeMs,
		InputTokens:         inTok,
		OutputTokens:        outTok,
		TotalTokens:         totalTok,
		ActiveSiblings:      activeSiblings,
		RequesterIsSubagent: targetIsSubagent,
	})
}

func (r *Registry) queueSettingsFor(target string) QueueSettings {
	settings := QueueSettings{
		Mode:     r.deps.Settings.QueueMode,
		Debounce: r.deps.Settings.QueueDebounce,
	}
	if entry, ok := r.sessionEntry(target); ok {
		if entry.QueueMode != "" {
			settings.Mode = entry.QueueMode
		}
		if entry.QueueDebounceMs > 0 {
			settings.Debounce = time.Duration(entry.QueueDebounceMs) * time.Millisecond
		}
	}
	return settings
}

// sendAnnounceBatch delivers one or more announce items to the target via
// the gateway. Subagent targets get an internal injection with no channel
// route; top-level targets get a resolved delivery context, where the
// origin captured at spawn beats the session's possibly stale route.
func (r *Registry) sendAnnounceBatch(ctx context.Context, target string, targetIsSubagent bool, items []QueueItem) error {
	var firstErr error
	for _, item := range items {
		if r.dedupe.Seen(item.AnnounceID) {
			r.logger.Info("announce duplicate dropped", "announceId", item.AnnounceID, "target", target)
			continue
		}

		params := map[string]any{
			"sessionKey":     target,
			"message":        item.Prompt,
			"idempotencyKey": item.AnnounceID,
		}
		if targetIsSubagent {
			params["deliver"] = false
		} else {
			route := item.Origin
			if entry, ok := r.sessionEntry(target); ok {
				route = delivery.Merge(route, &delivery.Context{
					Channel:   entry.LastChannel,
					To:        entry.LastTo,
					AccountID: entry.LastAccountID,
					ThreadID:  entry.LastThreadID,
				})
			}
			if route != nil {
				params["channel"] = route.Channel
				params["to"] = route.To
				if route.AccountID != "" {
					params["accountId"] = route.AccountID
				}
				if route.ThreadID != "" {
					params["threadId"] = route.ThreadID
				}
			}
			params["deliver"] = true
			params["expectFinal"] = true
		}

		if err := r.callGateway(ctx, gateway.MethodAgent, params); err != nil {
			r.dedupe.Forget(item.AnnounceID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// finalizeChildSession runs after dispatch regardless of outcome: patch the
// child's label for listing UIs, then drop the child session when cleanup
// is delete. Both calls are best-effort and never affect the announce
// result.
func (r *Registry) finalizeChildSession(ctx context.Context, rec *RunRecord) {
	if rec.Label != "" {
		params := map[string]any{"key": rec.ChildSessionKey, "label": rec.Label}
		if err := r.callGateway(ctx, gateway.MethodSessionsPatch, params); err != nil {
			r.logger.Warn("announce: label patch failed", "childSessionKey", rec.ChildSessionKey, "error", err)
		}
	}
	if rec.Cleanup == CleanupDelete {
		params := map[string]any{"key": rec.ChildSessionKey, "deleteTranscript": true}
		if err := r.callGateway(ctx, gateway.MethodSessionsDelete, params); err != nil {
			r.logger.Warn("announce: child session delete failed", "childSessionKey", rec.ChildSessionKey, "error", err)
		}
	}
}

func summaryLine(rec *RunRecord, outcome *Outcome) string {
	label := rec.Label
	if label == "" {
		label = rec.Task
	}
	if len(label) > 80 {
		label = label[:77] + "..."
	}
	return "subagent " + statusVerb(outcome) + ": " + label
}
