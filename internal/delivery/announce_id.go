package delivery

import "github.com/google/uuid"

// announceNamespace is the fixed UUID namespace for announce idempotency
// keys. Changing it would break dedupe across deployed versions.
var announceNamespace = uuid.MustParse("6f0c2f7a-9a1e-4b3d-8f21-4c59d0c6b7e4")

// IdempotencyKey derives a stable delivery key from the announce identity.
// The same (childSessionKey, runID) pair always maps to the same key, so the
// downstream delivery system can collapse duplicate attempts — including
// duplicates produced by a different process observing the same completion.
// Two runs spawned in the same millisecond still get distinct keys because
// the run id participates in the hash.
func IdempotencyKey(childSessionKey, runID string) string {
	id := uuid.NewSHA1(announceNamespace, []byte(childSessionKey+"\x1f"+runID))
	return "subagent-announce-" + id.String()
}
