// Package gateway implements the RPC client used to reach the agent
// gateway: dispatching prompts, awaiting runs, patching and deleting
// sessions.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// RPC methods exposed by the gateway.
const (
	MethodAgent          = "agent"
	MethodAgentWait      = "agent.wait"
	MethodSessionsPatch  = "sessions.patch"
	MethodSessionsDelete = "sessions.delete"
)

// Caller issues a single RPC call and returns the raw result payload.
// Implementations must be safe for concurrent use.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}
