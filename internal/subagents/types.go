// Package subagents tracks spawned subagent runs: a persistent registry of
// run records forming a requester tree, dual completion signals (in-process
// lifecycle events and a cross-process RPC wait), and the announce engine
// that pushes each finished run's result back to its requester exactly
// once, falling back to a live ancestor when the direct requester has
// already finished.
package subagents

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/bus"
	"github.com/nextlevelbuilder/subtrack/internal/delivery"
	"github.com/nextlevelbuilder/subtrack/internal/gateway"
	"github.com/nextlevelbuilder/subtrack/internal/sessions"
)

// Cleanup modes for a child session after its result is announced.
const (
	CleanupDelete = "delete"
	CleanupKeep   = "keep"
)

// Reasons a run's completion must never be announced.
const (
	SuppressSteerRestart = "steer-restart"
	SuppressKilled       = "killed"
)

// Outcome statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusUnknown = "unknown"
)

// Outcome is the terminal result of a run.
type Outcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunRecord is the bookkeeping entry for one spawned subagent run.
// Timestamps are unix milliseconds. EndedAt unset means the run is active.
type RunRecord struct {
	RunID               string `json:"runId"`
	ChildSessionKey     string `json:"childSessionKey"`
	RequesterSessionKey string `json:"requesterSessionKey"`
	RequesterDisplayKey string `json:"requesterDisplayKey,omitempty"`

	Task              string `json:"task,omitempty"`
	Label             string `json:"label,omitempty"`
	Model             string `json:"model,omitempty"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`

	// Cleanup is what happens to the child session after announcing.
	Cleanup string `json:"cleanup,omitempty"`

	// RequesterOrigin is the delivery route captured at spawn time. The
	// requester's live session entry may later hold a stale route.
	RequesterOrigin *delivery.Context `json:"requesterOrigin,omitempty"`

	CreatedAt int64    `json:"createdAt"`
	StartedAt int64    `json:"startedAt,omitempty"`
	EndedAt   *int64   `json:"endedAt,omitempty"`
	Outcome   *Outcome `json:"outcome,omitempty"`

	// ArchiveAtMs schedules deletion of a kept record. Nil means never.
	ArchiveAtMs *int64 `json:"archiveAtMs,omitempty"`

	// CleanupHandled is the single-process advisory lock: an
	// announce-and-cleanup flow has been claimed for this run and must not
	// be started again. Not safe across processes; cross-process dedupe is
	// the delivery idempotency key.
	CleanupHandled     bool   `json:"cleanupHandled,omitempty"`
	CleanupCompletedAt *int64 `json:"cleanupCompletedAt,omitempty"`

	SuppressAnnounceReason string `json:"suppressAnnounceReason,omitempty"`

	// WaitDisabled skips the extra completion RPC in the announce flow.
	WaitDisabled bool `json:"waitDisabled,omitempty"`
}

// Active reports whether the run has not ended yet.
func (r *RunRecord) Active() bool { return r.EndedAt == nil }

// clone returns a shallow copy with its own origin pointer.
func (r *RunRecord) clone() *RunRecord {
	cp := *r
	cp.RequesterOrigin = delivery.Clone(r.RequesterOrigin)
	return &cp
}

// RunProbe is the in-process view of whether a session has a live run.
type RunProbe interface {
	IsRunActive(sessionKey string) bool
	IsRunStreaming(sessionKey string) bool
	QueueMessage(sessionKey, text string) bool
	WaitForRunEnd(sessionKey string, timeout time.Duration) bool
}

// NoopProbe reports no activity and accepts nothing.
type NoopProbe struct{}

func (NoopProbe) IsRunActive(string) bool                  { return false }
func (NoopProbe) IsRunStreaming(string) bool               { return false }
func (NoopProbe) QueueMessage(string, string) bool         { return false }
func (NoopProbe) WaitForRunEnd(string, time.Duration) bool { return true }

// TranscriptReader reads the latest assistant reply from a session.
type TranscriptReader interface {
	LatestAssistantReply(sessionKey string) string
}

// LaneClearer drops queued commands for a session's processing lane.
type LaneClearer interface {
	ClearLane(ctx context.Context, sessionKey string) error
}

// Settings are the registry's tunables.
type Settings struct {
	SnapshotPath        string
	ArchiveAfterMinutes int
	DefaultRunTimeout   time.Duration
	SettleTimeout       time.Duration
	OutputPollInterval  time.Duration
	SweepInterval       time.Duration
	CallTimeout         time.Duration
	QueueMode           string
	QueueDebounce       time.Duration
}

func (s *Settings) applyDefaults() {
	if s.DefaultRunTimeout <= 0 {
		s.DefaultRunTimeout = 10 * time.Minute
	}
	if s.SettleTimeout <= 0 {
		s.SettleTimeout = 2 * time.Minute
	}
	if s.OutputPollInterval <= 0 {
		s.OutputPollInterval = time.Second
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = time.Minute
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 30 * time.Second
	}
	if s.QueueMode == "" {
		s.QueueMode = QueueModeCollect
	}
	if s.QueueDebounce <= 0 {
		s.QueueDebounce = time.Second
	}
}

// Deps are the registry's collaborators. Gateway, Bus, Sessions and Logger
// are required; the rest default to no-ops.
type Deps struct {
	Gateway     gateway.Caller
	Bus         *bus.Bus
	Sessions    sessions.Store
	Probe       RunProbe
	Transcripts TranscriptReader
	Lanes       LaneClearer
	Logger      *slog.Logger
	Now         func() time.Time
	Settings    Settings
}

// RegisterParams describes a newly spawned run.
type RegisterParams struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterDisplayKey string
	Task                string
	Label               string
	Model               string
	Cleanup             string
	RunTimeoutSeconds   int
	RequesterOrigin     *delivery.Context
	WaitDisabled        bool
}

// TerminateFilter selects records for MarkTerminated. At least one of the
// fields must be set.
type TerminateFilter struct {
	RunID           string
	ChildSessionKey string
}

// RequesterRef is the result of resolving a child session's requester.
type RequesterRef struct {
	RequesterSessionKey string
	RequesterOrigin     *delivery.Context
}
