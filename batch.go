package authz

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchAuthorize evaluates many requests with at most limit in flight
// (limit <= 0 picks a small default). Verdicts are returned in request
// order.
func (e *Engine) BatchAuthorize(ctx context.Context, reqs []Request, limit int) []Verdict {
	if limit <= 0 {
		limit = 8
	}
	verdicts := make([]Verdict, len(reqs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			verdicts[i] = e.Authorize(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return verdicts
}
