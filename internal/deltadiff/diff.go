// Package deltadiff turns cumulative snapshots into incremental deltas.
package deltadiff

import "strings"

// Result is the outcome of comparing two snapshots.
type Result struct {
	Delta string
	// Reset is true when current does not extend previous; Delta then holds
	// the full current value.
	Reset bool
}

// Compute returns the suffix current adds to previous. When current is not
// a prefix extension of previous the full current value is returned with
// Reset set, so no output is ever lost.
func Compute(previous, current string) Result {
	if strings.HasPrefix(current, previous) {
		return Result{Delta: current[len(previous):]}
	}
	return Result{Delta: current, Reset: true}
}
