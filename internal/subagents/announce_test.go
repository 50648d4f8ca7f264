package subagents

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/subtrack/internal/delivery"
	"github.com/nextlevelbuilder/subtrack/internal/gateway"
	"github.com/nextlevelbuilder/subtrack/internal/sessions"
)

const rootKey = "agent:main:main"

func TestAnnounceDeliveredAtMostOnce(t *testing.T) {
	fc := &fakeCaller{}
	store := sessions.NewMemStore()
	child := "agent:main:subagent:a"
	store.Set(child, &sessions.Entry{SessionID: "s-child", InputTokens: 100, OutputTokens: 50})
	r, b := newTestRegistry(t, fc, store)

	registerRun(r, "run-a", rootKey, child)
	emitEnd(b, "run-a")
	emitEnd(b, "run-a")

	calls := fc.callsFor(gateway.MethodAgent)
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", len(calls))
	}
	p := calls[0].Params
	if p["sessionKey"] != rootKey {
		t.Fatalf("sessionKey = %v", p["sessionKey"])
	}
	if p["deliver"] != true || p["expectFinal"] != true {
		t.Fatalf("top-level delivery flags wrong: %+v", p)
	}
	wantKey := delivery.IdempotencyKey(child, "run-a")
	if p["idempotencyKey"] != wantKey {
		t.Fatalf("idempotencyKey = %v, want %v", p["idempotencyKey"], wantKey)
	}

	rec, ok := r.getRun("run-a")
	if !ok {
		t.Fatal("keep-mode record must survive finalize")
	}
	if rec.CleanupCompletedAt == nil {
		t.Fatal("record not finalized")
	}
}

func TestAnnounceMentionsRemainingSiblingSingular(t *testing.T) {
	fc := &fakeCaller{}
	store := sessions.NewMemStore()
	r, b := newTestRegistry(t, fc, store)

	registerRun(r, "run-a", rootKey, "agent:main:subagent:a")
	registerRun(r, "run-b", rootKey, "agent:main:subagent:b")
	emitEnd(b, "run-a")

	calls := fc.callsFor(gateway.MethodAgent)
	if len(calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(calls))
	}
	msg, _ := calls[0].Params["message"].(string)
	want := "There are still 1 active subagent run for this session."
	if !strings.Contains(msg, want) {
		t.Fatalf("message missing singular sibling fragment:\n%s", msg)
	}
	if strings.Contains(msg, "1 active subagent runs") {
		t.Fatalf("plural used for single sibling:\n%s", msg)
	}
}

func TestDeferredAnnounceDrainsAfterDescendantFinishes(t *testing.T) {
	fc := &fakeCaller{}
	store := sessions.NewMemStore()
	mid := "agent:main:subagent:mid"
	leaf := "agent:main:subagent:mid:subagent:leaf"
	store.Set(mid, &sessions.Entry{SessionID: "s-mid"})
	r, b := newTestRegistry(t, fc, store)

	registerRun(r, "run-mid", rootKey, mid)
	registerRun(r, "run-leaf", mid, leaf)

	// Mid finishes while its own child is still active: the announce must
	// hold, not ship a partial orchestration.
	emitEnd(b, "run-mid")
	if got := len(fc.callsFor(gateway.MethodAgent)); got != 0 {
		t.Fatalf("announce fired with active descendant: %d calls", got)
	}

	// Leaf finishes: its result goes to mid (still-live session entry, so
	// no skipping to root), then the deferred mid announce drains to root
	// with no external trigger.
	emitEnd(b, "run-leaf")

	calls := fc.callsFor(gateway.MethodAgent)
	if len(calls) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(calls))
	}
	if calls[0].Params["sessionKey"] != mid {
		t.Fatalf("leaf result went to %v, want %v", calls[0].Params["sessionKey"], mid)
	}
	if calls[0].Params["deliver"] != false {
		t.Fatalf("subagent target must be internal injection: %+v", calls[0].Params)
	}
	if _, hasChannel := calls[0].Params["channel"]; hasChannel {
		t.Fatalf("internal injection must carry no channel route: %+v", calls[0].Params)
	}
	if calls[1].Params["sessionKey"] != rootKey {
		t.Fatalf("mid result went to %v, want root", calls[1].Params["sessionKey"])
	}
	if calls[1].Params["deliver"] != true {
		t.Fatalf("root delivery flags wrong: %+v", calls[1].Params)
	}
}

func TestAncestorFallbackSkipsDeadRequester(t *testing.T) {
	fc := &fakeCaller{}
	store := sessions.NewMemStore()
	mid := "agent:main:subagent:mid"
	leaf := "agent:main:subagent:mid:subagent:leaf"
	// No session entry for mid: its session is gone, so the leaf's result
	// must bubble to root.
	r, b := newTestRegistry(t, fc, store)

	registerRun(r, "run-mid", rootKey, mid)
	registerRun(r, "run-leaf", mid, leaf)

	emitEnd(b, "run-mid")
	emitEnd(b, "run-leaf")

	calls := fc.callsFor(gateway.MethodAgent)
	if len(calls) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(calls))
	}
	if calls[0].Params["sessionKey"] != rootKey {
		t.Fatalf("leaf result went to %v, want root", calls[0].Params["sessionKey"])
	}
	if calls[0].Params["deliver"] != true {
		t.Fatalf("fallback to root must be user-facing: %+v", calls[0].Params)
	}
}

func TestAnnounceWaitsForActiveChildToSettle(t *testing.T) {
	fc := &fakeCaller{}
	r, b := newTestRegistry(t, fc, sessions.NewMemStore())
	probe := &fakeProbe{active: true, settled: true}
	r.deps.Probe = probe

	registerRun(r, "run-a", rootKey, "agent:main:subagent:a")
	emitEnd(b, "run-a")

	if got := len(fc.callsFor(gateway.MethodAgent)); got != 1 {
		t.Fatalf("expected 1 delivery after settle, got %d", got)
	}
	probe.mu.Lock()
	waits := probe.waits
	probe.mu.Unlock()
	if waits != 1 {
		t.Fatalf("settle wait invoked %d times, want 1", waits)
	}
	rec, _ := r.getRun("run-a")
	if rec.CleanupCompletedAt == nil {
		t.Fatal("record not finalized after settled delivery")
	}
}

func TestUnsettledChildDefersAnnounceUntilNextSignal(t *testing.T) {
	fc := &fakeCaller{}
	r, b := newTestRegistry(t, fc, sessions.NewMemStore())
	probe := &fakeProbe{active: true}
	r.deps.Probe = probe

	registerRun(r, "run-a", rootKey, "agent:main:subagent:a")

	// The child never settles inside the window: nothing may ship and the
	// claim must be released so a later signal can retry.
	emitEnd(b, "run-a")
	if got := len(fc.callsFor(gateway.MethodAgent)); got != 0 {
		t.Fatalf("announce fired for unsettled child: %d calls", got)
	}
	rec, _ := r.getRun("run-a")
	if rec.CleanupHandled {
		t.Fatal("deferred announce left the claim held")
	}
	if rec.CleanupCompletedAt != nil {
		t.Fatal("deferred announce finalized the record")
	}

	probe.mu.Lock()
	probe.settled = true
	probe.mu.Unlock()

	// The next completion signal retries and now goes through.
	emitEnd(b, "run-a")
	if got := len(fc.callsFor(gateway.MethodAgent)); got != 1 {
		t.Fatalf("expected 1 delivery after retry, got %d", got)
	}
	rec, _ = r.getRun("run-a")
	if rec.CleanupCompletedAt == nil {
		t.Fatal("record not finalized after retry")
	}
}

func TestSuppressedRunNeverAnnounces(t *testing.T) {
	fc := &fakeCaller{}
	r, b := newTestRegistry(t, fc, sessions.NewMemStore())

	child := "agent:main:subagent:k"
	registerRun(r, "run-k", rootKey, child)
	if n := r.MarkTerminated(TerminateFilter{ChildSessionKey: child}, "stopped by user"); n != 1 {
		t.Fatalf("MarkTerminated = %d", n)
	}

	emitEnd(b, "run-k")
	emitEnd(b, "run-k")

	if got := len(fc.callsFor(gateway.MethodAgent)); got != 0 {
		t.Fatalf("suppressed run announced: %d calls", got)
	}
}

func TestFailedDeliveryRetriedBySiblingScan(t *testing.T) {
	fc := &fakeCaller{agentFails: 1}
	store := sessions.NewMemStore()
	r, b := newTestRegistry(t, fc, store)

	childA := "agent:main:subagent:a"
	childB := "agent:main:subagent:b"
	registerRun(r, "run-a", rootKey, childA)
	registerRun(r, "run-b", rootKey, childB)

	// First delivery attempt for A fails; the claim must be released.
	emitEnd(b, "run-a")
	recA, _ := r.getRun("run-a")
	if recA.CleanupHandled {
		t.Fatal("failed announce left the claim held")
	}

	// B's successful announce triggers the retry scan, which picks A up
	// again without any new completion signal.
	emitEnd(b, "run-b")

	keyA := delivery.IdempotencyKey(childA, "run-a")
	attempts := 0
	for _, c := range fc.callsFor(gateway.MethodAgent) {
		if c.Params["idempotencyKey"] == keyA {
			attempts++
		}
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts for run-a, got %d", attempts)
	}
	recA, _ = r.getRun("run-a")
	if recA.CleanupCompletedAt == nil {
		t.Fatal("run-a not finalized after retry")
	}
}

func TestAnnounceIncludesResultAndStats(t *testing.T) {
	fc := &fakeCaller{}
	store := sessions.NewMemStore()
	child := "agent:main:subagent:a"
	store.Set(child, &sessions.Entry{SessionID: "s-a", InputTokens: 1500, OutputTokens: 300})
	r, b := newTestRegistry(t, fc, store)

	registerRun(r, "run-a", rootKey, child)
	emitEnd(b, "run-a")

	calls := fc.callsFor(gateway.MethodAgent)
	if len(calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(calls))
	}
	msg, _ := calls[0].Params["message"].(string)
	for _, want := range []string{
		"[System Message] Subagent task completed successfully (session s-a",
		"task finished",
		"1.5k input",
		SilentReplySentinel,
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}
