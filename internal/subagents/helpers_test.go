package subagents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/bus"
	"github.com/nextlevelbuilder/subtrack/internal/gateway"
	"github.com/nextlevelbuilder/subtrack/internal/sessions"
)

type gatewayCall struct {
	Method string
	Params map[string]any
}

// fakeCaller records every RPC. agent.wait answers "running" so background
// waiters stay inert; agentFails makes the next N agent calls error.
type fakeCaller struct {
	mu         sync.Mutex
	calls      []gatewayCall
	agentFails int
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	m, _ := params.(map[string]any)
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}

	f.mu.Lock()
	f.calls = append(f.calls, gatewayCall{Method: method, Params: cp})
	fail := method == gateway.MethodAgent && f.agentFails > 0
	if fail {
		f.agentFails--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("delivery unavailable")
	}
	if method == gateway.MethodAgentWait {
		return json.RawMessage(`{"status":"running"}`), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeCaller) callsFor(method string) []gatewayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gatewayCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeTranscripts struct{ reply string }

func (f *fakeTranscripts) LatestAssistantReply(string) string { return f.reply }

// fakeProbe simulates child run activity: streaming for steer tests,
// active/settled for the announce settle window.
type fakeProbe struct {
	mu        sync.Mutex
	streaming bool
	active    bool
	settled   bool
	waits     int
	queued    []string
}

func (p *fakeProbe) IsRunActive(string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
func (p *fakeProbe) IsRunStreaming(string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}
func (p *fakeProbe) QueueMessage(_, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, text)
	return true
}
func (p *fakeProbe) WaitForRunEnd(string, time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	return p.settled
}

type fakeLanes struct {
	mu      sync.Mutex
	cleared []string
}

func (l *fakeLanes) ClearLane(_ context.Context, sessionKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared = append(l.cleared, sessionKey)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(snapshotPath string) Settings {
	return Settings{
		SnapshotPath:       snapshotPath,
		DefaultRunTimeout:  time.Second,
		SettleTimeout:      10 * time.Millisecond,
		OutputPollInterval: time.Millisecond,
		SweepInterval:      time.Hour,
		CallTimeout:        time.Second,
		QueueMode:          QueueModeSteer,
		QueueDebounce:      10 * time.Millisecond,
	}
}

// newTestRegistry builds a registry wired to in-memory fakes. Queue mode
// steer with an inert probe means announces take the direct-delivery path.
func newTestRegistry(t *testing.T, fc *fakeCaller, store sessions.Store) (*Registry, *bus.Bus) {
	t.Helper()
	return newTestRegistryAt(t, fc, store, filepath.Join(t.TempDir(), "runs.json"))
}

func newTestRegistryAt(t *testing.T, fc *fakeCaller, store sessions.Store, snapshotPath string) (*Registry, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	r := NewRegistry(Deps{
		Gateway:     fc,
		Bus:         eventBus,
		Sessions:    store,
		Transcripts: &fakeTranscripts{reply: "task finished"},
		Logger:      quietLogger(),
		Settings:    testSettings(snapshotPath),
	})
	t.Cleanup(r.Close)
	return r, eventBus
}

func registerRun(r *Registry, runID, requester, child string) {
	r.Register(RegisterParams{
		RunID:               runID,
		ChildSessionKey:     child,
		RequesterSessionKey: requester,
		Task:                "investigate " + runID,
		Cleanup:             CleanupKeep,
		WaitDisabled:        true,
	})
}

func emitEnd(b *bus.Bus, runID string) {
	b.EmitLifecycle(runID, bus.LifecycleData{Phase: bus.PhaseEnd})
}
