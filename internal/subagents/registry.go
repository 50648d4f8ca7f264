package subagents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/delivery"
	"github.com/nextlevelbuilder/subtrack/internal/sessions"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Registry is the authoritative in-memory map of subagent run records,
// mirrored to a disk snapshot after every mutation. It owns the lifecycle
// listener, the per-run completion waiters, the announce queue, and the
// sweeper.
type Registry struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	dedupe *delivery.Deduper
	queue  *AnnounceQueue

	mu   sync.Mutex
	runs map[string]*RunRecord
	// tombstones holds run ids this process deliberately deleted, so the
	// read-merge-write persist does not resurrect them from disk.
	tombstones map[string]struct{}

	restoreOnce  sync.Once
	listenerOnce sync.Once
	unsubscribe  func()

	sweepMu      sync.Mutex
	sweepStop    chan struct{}
	sweepRunning bool

	closed chan struct{}
}

// NewRegistry builds a registry from its collaborators. Probe, Transcripts
// and Lanes may be nil.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Probe == nil {
		deps.Probe = NoopProbe{}
	}
	deps.Settings.applyDefaults()

	return &Registry{
		deps:       deps,
		logger:     deps.Logger.With("component", "subagents"),
		tracer:     otel.Tracer("subtrack/subagents"),
		dedupe:     delivery.NewDeduper(0, 0),
		queue:      NewAnnounceQueue(deps.Probe, deps.Logger),
		runs:       make(map[string]*RunRecord),
		tombstones: make(map[string]struct{}),
		closed:     make(chan struct{}),
	}
}

func (r *Registry) nowMs() int64 { return r.deps.Now().UnixMilli() }

// Register records a newly spawned run, persists, and arms both completion
// signals for it.
func (r *Registry) Register(params RegisterParams) {
	now := r.nowMs()
	rec := &RunRecord{
		RunID:               params.RunID,
		ChildSessionKey:     params.ChildSessionKey,
		RequesterSessionKey: params.RequesterSessionKey,
		RequesterDisplayKey: params.RequesterDisplayKey,
		Task:                params.Task,
		Label:               params.Label,
		Model:               params.Model,
		Cleanup:             params.Cleanup,
		RunTimeoutSeconds:   params.RunTimeoutSeconds,
		RequesterOrigin:     delivery.Normalize(params.RequesterOrigin),
		CreatedAt:           now,
		StartedAt:           now,
		WaitDisabled:        params.WaitDisabled,
	}
	if rec.RequesterDisplayKey == "" {
		rec.RequesterDisplayKey = params.RequesterSessionKey
	}
	if rec.Cleanup == "" {
		rec.Cleanup = CleanupDelete
	}
	if mins := r.deps.Settings.ArchiveAfterMinutes; mins > 0 {
		at := now + int64(mins)*60_000
		rec.ArchiveAtMs = &at
	}

	r.mu.Lock()
	r.runs[rec.RunID] = rec
	r.persistLocked()
	r.mu.Unlock()

	r.logger.Info("subagent run registered",
		"runId", rec.RunID,
		"childSessionKey", rec.ChildSessionKey,
		"requesterSessionKey", rec.RequesterSessionKey)

	r.startListener()
	if rec.ArchiveAtMs != nil {
		r.ensureSweeper()
	}
	go r.awaitCompletion(rec.RunID)
}

// MarkTerminated force-ends every active record matching the filter by run
// id or by child session key (either match suffices when both fields are
// set), marks it never-announce, and returns how many records were updated.
func (r *Registry) MarkTerminated(filter TerminateFilter, reason string) int {
	if filter.RunID == "" && filter.ChildSessionKey == "" {
		return 0
	}
	now := r.nowMs()

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, rec := range r.runs {
		if !rec.Active() {
			continue
		}
		byID := filter.RunID != "" && rec.RunID == filter.RunID
		byChild := filter.ChildSessionKey != "" && rec.ChildSessionKey == filter.ChildSessionKey
		if !byID && !byChild {
			continue
		}
		ended := now
		rec.EndedAt = &ended
		rec.Outcome = &Outcome{Status: StatusError, Error: reason}
		rec.CleanupHandled = true
		completed := now
		rec.CleanupCompletedAt = &completed
		rec.SuppressAnnounceReason = SuppressKilled
		count++
	}
	if count > 0 {
		r.persistLocked()
		r.logger.Info("subagent runs terminated", "count", count, "reason", reason)
	}
	return count
}

// ResolveRequesterForChildSession returns the requester of the newest run
// whose child session matches, merging memory with the latest disk snapshot
// so other processes' registrations are visible.
func (r *Registry) ResolveRequesterForChildSession(childSessionKey string) *RequesterRef {
	merged := r.mergedView()

	var best *RunRecord
	for _, rec := range merged {
		if rec.ChildSessionKey != childSessionKey {
			continue
		}
		if best == nil || rec.CreatedAt > best.CreatedAt {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	return &RequesterRef{
		RequesterSessionKey: best.RequesterSessionKey,
		RequesterOrigin:     delivery.Clone(best.RequesterOrigin),
	}
}

// mergedView overlays the in-memory map on the disk snapshot. Memory wins
// on conflict; disk-only entries are included but not adopted.
func (r *Registry) mergedView() map[string]*RunRecord {
	disk, err := loadSnapshot(r.deps.Settings.SnapshotPath)
	if err != nil {
		r.logger.Warn("snapshot load failed", "error", err)
		disk = map[string]*RunRecord{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	merged := make(map[string]*RunRecord, len(disk)+len(r.runs))
	for id, rec := range disk {
		merged[id] = rec
	}
	for id, rec := range r.runs {
		merged[id] = rec.clone()
	}
	return merged
}

// IsSubagentSessionRunActive reports whether any run for the child session
// is still active.
func (r *Registry) IsSubagentSessionRunActive(childSessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.runs {
		if rec.ChildSessionKey == childSessionKey && rec.Active() {
			return true
		}
	}
	return false
}

// ListRunsForRequester returns copies of all records whose direct requester
// is the given session.
func (r *Registry) ListRunsForRequester(requesterSessionKey string) []*RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*RunRecord
	for _, rec := range r.runs {
		if rec.RequesterSessionKey == requesterSessionKey {
			out = append(out, rec.clone())
		}
	}
	return out
}

// ListDescendantRunsForRequester walks requester->child edges breadth-first
// from the root session and returns every reachable record. A session key
// is never expanded twice, so requester cycles terminate.
func (r *Registry) ListDescendantRunsForRequester(rootSessionKey string) []*RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descendantsLocked(rootSessionKey)
}

func (r *Registry) descendantsLocked(rootSessionKey string) []*RunRecord {
	var out []*RunRecord
	visited := map[string]bool{rootSessionKey: true}
	frontier := []string{rootSessionKey}
	for len(frontier) > 0 {
		var next []string
		for _, key := range frontier {
			for _, rec := range r.runs {
				if rec.RequesterSessionKey != key {
					continue
				}
				out = append(out, rec.clone())
				if !visited[rec.ChildSessionKey] {
					visited[rec.ChildSessionKey] = true
					next = append(next, rec.ChildSessionKey)
				}
			}
		}
		frontier = next
	}
	return out
}

// CountActiveDescendantRuns counts active records in the requester subtree.
func (r *Registry) CountActiveDescendantRuns(rootSessionKey string) int {
	count := 0
	for _, rec := range r.ListDescendantRunsForRequester(rootSessionKey) {
		if rec.Active() {
			count++
		}
	}
	return count
}

// ReplaceRunAfterSteer rebinds an in-place restarted run (a steering
// interruption produced a new run id for the same logical task) to a fresh
// record and arms a new completion waiter. The previous record is ended
// silently. Returns false when neither the previous record nor a fallback
// snapshot is available.
func (r *Registry) ReplaceRunAfterSteer(previousRunID, nextRunID string, fallback *RunRecord, runTimeoutSeconds int) bool {
	now := r.nowMs()

	r.mu.Lock()
	prev, ok := r.runs[previousRunID]
	if !ok {
		prev = fallback
	}
	if prev == nil {
		r.mu.Unlock()
		return false
	}

	if old, exists := r.runs[previousRunID]; exists {
		ended := now
		old.EndedAt = &ended
		old.SuppressAnnounceReason = SuppressSteerRestart
		old.CleanupHandled = true
		old.CleanupCompletedAt = &ended
	}

	next := &RunRecord{
		RunID:               nextRunID,
		ChildSessionKey:     prev.ChildSessionKey,
		RequesterSessionKey: prev.RequesterSessionKey,
		RequesterDisplayKey: prev.RequesterDisplayKey,
		Task:                prev.Task,
		Label:               prev.Label,
		Model:               prev.Model,
		Cleanup:             prev.Cleanup,
		RunTimeoutSeconds:   prev.RunTimeoutSeconds,
		RequesterOrigin:     delivery.Clone(prev.RequesterOrigin),
		CreatedAt:           now,
		StartedAt:           now,
		WaitDisabled:        prev.WaitDisabled,
	}
	if runTimeoutSeconds > 0 {
		next.RunTimeoutSeconds = runTimeoutSeconds
	}
	if prev.ArchiveAtMs != nil {
		at := *prev.ArchiveAtMs
		next.ArchiveAtMs = &at
	}
	r.runs[nextRunID] = next
	r.persistLocked()
	r.mu.Unlock()

	r.logger.Info("subagent run replaced after steer", "previousRunId", previousRunID, "nextRunId", nextRunID)
	if next.ArchiveAtMs != nil {
		r.ensureSweeper()
	}
	go r.awaitCompletion(nextRunID)
	return true
}

// RestoreOnce recovers state after a process restart: adopts disk records
// unknown to memory and resumes every run not yet finalized. Already-ended
// unsuppressed runs go straight to the announce flow; still-active runs get
// a fresh completion waiter. Idempotent per process.
func (r *Registry) RestoreOnce() {
	r.restoreOnce.Do(r.restore)
}

func (r *Registry) restore() {
	disk, err := loadSnapshot(r.deps.Settings.SnapshotPath)
	if err != nil {
		r.logger.Warn("restore: snapshot load failed", "error", err)
		return
	}

	var announce, rewait []string
	var sweep bool

	r.mu.Lock()
	for id, rec := range disk {
		if _, known := r.runs[id]; !known {
			r.runs[id] = rec
		}
	}
	for id, rec := range r.runs {
		if rec.ArchiveAtMs != nil {
			sweep = true
		}
		if rec.CleanupCompletedAt != nil {
			continue
		}
		// A crash mid-flow leaves the advisory lock held; no flow is
		// running in this process, so release it.
		rec.CleanupHandled = false
		if rec.EndedAt != nil {
			if rec.SuppressAnnounceReason == "" {
				announce = append(announce, id)
			}
			continue
		}
		rewait = append(rewait, id)
	}
	if len(disk) > 0 {
		r.persistLocked()
	}
	r.mu.Unlock()

	if len(announce)+len(rewait) > 0 {
		r.logger.Info("subagent runs restored", "announce", len(announce), "rewait", len(rewait))
	}

	r.startListener()
	if sweep {
		r.ensureSweeper()
	}
	for _, id := range rewait {
		go r.awaitCompletion(id)
	}
	for _, id := range announce {
		r.maybeAnnounce(id)
	}
}

// persistLocked writes the snapshot best-effort. Callers hold r.mu.
//
// The write is read-merge-write: disk records another process put there are
// kept, this process's map wins on conflict, and ids this process
// deliberately deleted stay deleted. Overwriting with just r.runs would
// wipe the other process's records from the shared snapshot.
func (r *Registry) persistLocked() {
	if r.deps.Settings.SnapshotPath == "" {
		return
	}

	merged := r.runs
	disk, err := loadSnapshot(r.deps.Settings.SnapshotPath)
	if err != nil {
		r.logger.Warn("snapshot load before save failed", "error", err)
	} else if len(disk) > 0 {
		merged = make(map[string]*RunRecord, len(disk)+len(r.runs))
		for id, rec := range disk {
			if _, gone := r.tombstones[id]; !gone {
				merged[id] = rec
			}
		}
		for id, rec := range r.runs {
			merged[id] = rec
		}
	}

	if err := saveSnapshot(r.deps.Settings.SnapshotPath, merged); err != nil {
		r.logger.Warn("snapshot save failed", "error", err)
	}
}

// getRun returns a copy of the record.
func (r *Registry) getRun(runID string) (*RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// beginCleanup claims the announce flow for a run. It succeeds only for an
// ended, unsuppressed, unclaimed, unfinalized record; the check-and-set
// runs under the registry lock so two signals cannot both claim it.
func (r *Registry) beginCleanup(runID string) (*RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	if rec.EndedAt == nil || rec.CleanupHandled || rec.CleanupCompletedAt != nil || rec.SuppressAnnounceReason != "" {
		return nil, false
	}
	rec.CleanupHandled = true
	r.persistLocked()
	return rec.clone(), true
}

// rollbackCleanup releases the claim so a later signal retries the flow.
func (r *Registry) rollbackCleanup(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return
	}
	rec.CleanupHandled = false
	r.persistLocked()
}

// finalizeRun records a delivered announce: delete-mode records are removed
// outright, keep-mode records get their completion timestamp.
func (r *Registry) finalizeRun(runID string) {
	now := r.nowMs()
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if ok {
		if rec.Cleanup == CleanupDelete {
			delete(r.runs, runID)
			r.tombstones[runID] = struct{}{}
		} else {
			rec.CleanupCompletedAt = &now
		}
		r.persistLocked()
	}
	r.mu.Unlock()
}

// retryPendingAnnounces re-attempts every ended, unclaimed, unfinalized,
// unsuppressed record. Called after a successful announce so deferred
// ancestors drain without an external trigger; recursion terminates because
// each successful pass finalizes at least one record.
func (r *Registry) retryPendingAnnounces() {
	r.mu.Lock()
	var pending []string
	for id, rec := range r.runs {
		if rec.EndedAt != nil && !rec.CleanupHandled && rec.CleanupCompletedAt == nil && rec.SuppressAnnounceReason == "" {
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()

	for _, id := range pending {
		r.maybeAnnounce(id)
	}
}

// Queue exposes the announce queue for introspection.
func (r *Registry) Queue() *AnnounceQueue { return r.queue }

// Close stops the listener, sweeper and queue timers. Pending announces are
// recoverable via RestoreOnce on the next start.
func (r *Registry) Close() {
	select {
	case <-r.closed:
		return
	default:
		close(r.closed)
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.stopSweeper()
	r.queue.Stop()
}

// sessionEntry is a nil-safe store lookup.
func (r *Registry) sessionEntry(key string) (*sessions.Entry, bool) {
	if r.deps.Sessions == nil {
		return nil, false
	}
	return r.deps.Sessions.Get(key)
}

func (r *Registry) callGateway(ctx context.Context, method string, params any) error {
	_, err := r.deps.Gateway.Call(ctx, method, params, r.deps.Settings.CallTimeout)
	return err
}
