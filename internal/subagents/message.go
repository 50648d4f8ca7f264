package subagents

import (
	"fmt"
	"strings"
	"time"
)

// SilentReplySentinel is the token the requester replies with when the
// result needs no user-visible follow-up, preventing duplicate delivery.
const SilentReplySentinel = "NO_REPLY"

type messageParams struct {
	ChildSessionID      string
	Label               string
	Outcome             *Outcome
	ResultText          string
	RuntimeMs           int64
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	ActiveSiblings      int
	RequesterIsSubagent bool
}

func statusVerb(o *Outcome) string {
	if o == nil {
		return "finished with unknown status"
	}
	switch o.Status {
	case StatusOK:
		return "completed successfully"
	case StatusTimeout:
		return "timed out"
	case StatusError:
		msg := o.Error
		if msg == "" {
			msg = "unknown error"
		}
		return "failed: " + msg
	default:
		return "finished with unknown status"
	}
}

// formatTokens renders a token count compactly: 950, 12.3k, 4.0m.
func formatTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fm", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatRuntime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func composeAnnounceMessage(p messageParams) string {
	var b strings.Builder

	label := p.Label
	if label == "" {
		label = "(none)"
	}
	fmt.Fprintf(&b, "[System Message] Subagent task %s (session %s, label %q).\n\n", statusVerb(p.Outcome), p.ChildSessionID, label)

	result := strings.TrimSpace(p.ResultText)
	if result == "" {
		result = "(no output)"
	}
	b.WriteString(result)
	b.WriteString("\n\n")

	stats := fmt.Sprintf("runtime %s, tokens %s input / %s output", formatRuntime(p.RuntimeMs), formatTokens(p.InputTokens), formatTokens(p.OutputTokens))
	if p.TotalTokens > p.InputTokens+p.OutputTokens {
		stats += fmt.Sprintf(" (%s total)", formatTokens(p.TotalTokens))
	}
	b.WriteString(stats)
	b.WriteString("\n\n")

	switch {
	case p.ActiveSiblings > 0:
		noun := "runs"
		if p.ActiveSiblings == 1 {
			noun = "run"
		}
		fmt.Fprintf(&b, "There are still %d active subagent %s for this session. Wait for them to finish before replying to the user; a combined summary avoids duplicate messages.", p.ActiveSiblings, noun)
	case p.RequesterIsSubagent:
		b.WriteString("This result belongs to your orchestration. Summarize it for your own task notes; do not address the end user.")
	default:
		b.WriteString("Relay this result to the user in your own voice, keeping the substance intact.")
	}
	fmt.Fprintf(&b, " Reply ONLY: %s if this exact result was already delivered to the user.", SilentReplySentinel)

	return b.String()
}
