package flow

import (
	"context"
)

// branch evaluates the cases in order and runs the selected arms. Without
// processAll only the first matching arm runs.
func (r *run) branch(ctx context.Context, rec *record, inst branchStep) error {
	var selected []*callable
	for _, c := range inst.cases {
		matched, err := c.when.invoke(ctx, r, r.state)
		if err != nil {
			return err
		}
		if !asBool(matched) {
			continue
		}
		selected = append(selected, c.then)
		if !rec.opts.processAll {
			break
		}
	}

	results, err := r.fanOut(ctx, selected)
	if err != nil {
		return r.keepFallbacks(results, err)
	}
	return r.applyResults(rec, results)
}
