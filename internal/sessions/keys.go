// Package sessions provides the session key conventions shared with the
// agent runtime and a read view over the session store.
//
// Session keys follow the agent runtime's scheme: every key starts with
// "agent:<agentId>:" and subagent sessions append ":subagent:<uuid>"
// segments, one per nesting level.
package sessions

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const subagentSegment = ":subagent:"

// IsSubagentKey reports whether the key names a subagent session.
func IsSubagentKey(key string) bool {
	return strings.Contains(key, subagentSegment)
}

// SpawnDepth returns the subagent nesting level of the key: 0 for a
// top-level session, 1 for a direct child, and so on.
func SpawnDepth(key string) int {
	return strings.Count(key, subagentSegment)
}

// BuildMainKey builds the top-level conversational session key for an agent.
func BuildMainKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildSubagentKey derives a child session key under the given parent. The
// parent may itself be a subagent session, producing a deeper key.
func BuildSubagentKey(parentKey string) string {
	return parentKey + subagentSegment[:len(subagentSegment)-1] + ":" + uuid.NewString()
}

// AgentID extracts the agent id from a session key, or "" if the key does
// not follow the agent:<id>:... scheme.
func AgentID(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}
