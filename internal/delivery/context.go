// Package delivery holds the small value types shared by everything that
// sends a message somewhere: the Context describing where a reply should go,
// the deterministic announce idempotency key, and a local dedupe cache for
// delivery attempts.
package delivery

import "strings"

// Context pins down where a reply should be delivered. A zero value means
// "no explicit target" — the downstream delivery system falls back to the
// session's last-known route.
type Context struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// IsZero reports whether the context carries no routing information.
func (c *Context) IsZero() bool {
	return c == nil || (c.Channel == "" && c.To == "" && c.AccountID == "" && c.ThreadID == "")
}

// Normalize trims whitespace and lowercases the channel name. Returns nil
// when nothing useful remains, so callers can treat "empty" and "absent"
// uniformly.
func Normalize(c *Context) *Context {
	if c == nil {
		return nil
	}
	out := &Context{
		Channel:   strings.ToLower(strings.TrimSpace(c.Channel)),
		To:        strings.TrimSpace(c.To),
		AccountID: strings.TrimSpace(c.AccountID),
		ThreadID:  strings.TrimSpace(c.ThreadID),
	}
	if out.IsZero() {
		return nil
	}
	return out
}

// Merge overlays override on top of base, field by field. A non-empty field
// in override wins; everything else falls through to base. Both inputs are
// normalized first. Used when an explicit spawn-time origin must beat the
// requester session's possibly-stale last-known route.
func Merge(override, base *Context) *Context {
	override = Normalize(override)
	base = Normalize(base)
	if override == nil {
		return base
	}
	if base == nil {
		return override
	}
	out := *base
	if override.Channel != "" {
		out.Channel = override.Channel
	}
	if override.To != "" {
		out.To = override.To
	}
	if override.AccountID != "" {
		out.AccountID = override.AccountID
	}
	if override.ThreadID != "" {
		out.ThreadID = override.ThreadID
	}
	return &out
}

// Clone returns a copy, or nil for nil.
func Clone(c *Context) *Context {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
