package subagents

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TerminateSubtree kills every active run below rootSessionKey, one tree
// level at a time. An already-ended child is not terminated again, but its
// own active descendants still are. Lane clears for one level run
// concurrently; the first error aborts the cascade.
func (r *Registry) TerminateSubtree(ctx context.Context, rootSessionKey, reason string) (int, error) {
	total := 0
	visited := map[string]bool{rootSessionKey: true}
	frontier := []string{rootSessionKey}

	for len(frontier) > 0 {
		var next []string
		g, gctx := errgroup.WithContext(ctx)

		for _, key := range frontier {
			for _, rec := range r.ListRunsForRequester(key) {
				if !visited[rec.ChildSessionKey] {
					visited[rec.ChildSessionKey] = true
					next = append(next, rec.ChildSessionKey)
				}
				if !rec.Active() {
					continue
				}
				total += r.MarkTerminated(TerminateFilter{RunID: rec.RunID}, reason)
				if r.deps.Lanes != nil {
					childKey := rec.ChildSessionKey
					g.Go(func() error {
						return r.deps.Lanes.ClearLane(gctx, childKey)
					})
				}
			}
		}

		if err := g.Wait(); err != nil {
			return total, err
		}
		frontier = next
	}

	if total > 0 {
		r.logger.Info("subagent subtree terminated", "root", rootSessionKey, "terminated", total, "reason", reason)
	}
	return total, nil
}
