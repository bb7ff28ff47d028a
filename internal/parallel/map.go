package parallel

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Map applies mapFunc to every element of input with at most limit calls in
// flight and returns the results in input order. A failing call does not
// stop the others, its zero result stays in place and all errors are joined.
// Elements not started before ctx is done are skipped with ctx.Err().
//
//	paths, err := parallel.Map(ctx, 4, containers, resolve)
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	if limit < 1 {
		limit = 1
	}
	ret := make([]D, len(input))
	errs := make([]error, len(input))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, e := range input {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return nil
			}
			ret[i], errs[i] = mapFunc(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return ret, errors.Join(errs...)
}
