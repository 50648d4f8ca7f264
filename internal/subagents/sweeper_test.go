package subagents

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/bus"
	"github.com/nextlevelbuilder/subtrack/internal/gateway"
	"github.com/nextlevelbuilder/subtrack/internal/sessions"
)

func TestSweepDeletesExpiredRecords(t *testing.T) {
	fc := &fakeCaller{}
	r, _ := newTestRegistry(t, fc, sessions.NewMemStore())

	now := time.Now().UnixMilli()
	past := now - 1000
	future := now + 60*60_000

	r.mu.Lock()
	r.runs["expired"] = &RunRecord{
		RunID:           "expired",
		ChildSessionKey: "agent:main:subagent:old",
		ArchiveAtMs:     &past,
	}
	r.runs["fresh"] = &RunRecord{
		RunID:           "fresh",
		ChildSessionKey: "agent:main:subagent:new",
		ArchiveAtMs:     &future,
	}
	r.runs["pinned"] = &RunRecord{
		RunID:           "pinned",
		ChildSessionKey: "agent:main:subagent:keep",
	}
	r.mu.Unlock()

	remaining := r.sweepOnce()
	if remaining != 2 {
		t.Fatalf("remaining = %d, want 2", remaining)
	}
	if _, ok := r.getRun("expired"); ok {
		t.Fatal("expired record survived sweep")
	}
	if _, ok := r.getRun("fresh"); !ok {
		t.Fatal("fresh record swept early")
	}
	if _, ok := r.getRun("pinned"); !ok {
		t.Fatal("record without archive deadline swept")
	}

	deletes := fc.callsFor(gateway.MethodSessionsDelete)
	if len(deletes) != 1 {
		t.Fatalf("expected 1 session delete, got %d", len(deletes))
	}
	if deletes[0].Params["key"] != "agent:main:subagent:old" {
		t.Fatalf("deleted %v", deletes[0].Params["key"])
	}
}

func TestRegisterComputesArchiveDeadline(t *testing.T) {
	fc := &fakeCaller{}
	eventBus := bus.New()
	settings := testSettings(filepath.Join(t.TempDir(), "runs.json"))
	settings.ArchiveAfterMinutes = 30
	r := NewRegistry(Deps{
		Gateway:  fc,
		Bus:      eventBus,
		Sessions: sessions.NewMemStore(),
		Logger:   quietLogger(),
		Settings: settings,
	})
	t.Cleanup(r.Close)

	registerRun(r, "run-1", rootKey, "agent:main:subagent:a")
	rec, ok := r.getRun("run-1")
	if !ok {
		t.Fatal("record missing")
	}
	if rec.ArchiveAtMs == nil {
		t.Fatal("archive deadline not set")
	}
	want := rec.CreatedAt + 30*60_000
	if *rec.ArchiveAtMs != want {
		t.Fatalf("archiveAtMs = %d, want %d", *rec.ArchiveAtMs, want)
	}
	if !sweeperRunning(r) {
		t.Fatal("sweeper not started for record with archive deadline")
	}
}

func TestSweeperIdleWithoutArchiveDeadline(t *testing.T) {
	fc := &fakeCaller{}
	r, _ := newTestRegistry(t, fc, sessions.NewMemStore())

	// Retention disabled: records carry no archive deadline, so there is
	// nothing for a sweep loop to ever do.
	registerRun(r, "run-1", rootKey, "agent:main:subagent:a")
	rec, _ := r.getRun("run-1")
	if rec.ArchiveAtMs != nil {
		t.Fatalf("archiveAtMs = %v, want nil", *rec.ArchiveAtMs)
	}
	if sweeperRunning(r) {
		t.Fatal("sweeper started with no archivable record")
	}
}

func sweeperRunning(r *Registry) bool {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	return r.sweepRunning
}
