package subagents

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/gateway"
)

// ensureSweeper lazily starts the archival loop. It runs only while
// records exist and stops itself once the map drains.
func (r *Registry) ensureSweeper() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepRunning {
		return
	}
	r.sweepRunning = true
	r.sweepStop = make(chan struct{})
	go r.sweepLoop(r.sweepStop)
}

func (r *Registry) stopSweeper() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepRunning {
		close(r.sweepStop)
		r.sweepRunning = false
	}
}

func (r *Registry) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.deps.Settings.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-r.closed:
			return
		case <-ticker.C:
			if r.sweepOnce() == 0 {
				r.stopSweeper()
				return
			}
		}
	}
}

// sweepOnce deletes every record whose archive deadline elapsed, requests
// deletion of the orphaned child sessions, and returns how many records
// remain.
func (r *Registry) sweepOnce() int {
	now := r.nowMs()

	r.mu.Lock()
	var expiredChildren []string
	for id, rec := range r.runs {
		if rec.ArchiveAtMs != nil && *rec.ArchiveAtMs <= now {
			delete(r.runs, id)
			r.tombstones[id] = struct{}{}
			expiredChildren = append(expiredChildren, rec.ChildSessionKey)
		}
	}
	if len(expiredChildren) > 0 {
		r.persistLocked()
	}
	remaining := len(r.runs)
	r.mu.Unlock()

	for _, childKey := range expiredChildren {
		params := map[string]any{"key": childKey, "deleteTranscript": true}
		if err := r.callGateway(context.Background(), gateway.MethodSessionsDelete, params); err != nil {
			r.logger.Warn("sweep: child session delete failed", "childSessionKey", childKey, "error", err)
		}
	}
	if len(expiredChildren) > 0 {
		r.logger.Info("swept archived subagent runs", "deleted", len(expiredChildren), "remaining", remaining)
	}
	return remaining
}
