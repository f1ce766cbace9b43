package store

import "sort"

// UUIDv7 ids sort lexicographically the same as chronologically (see
// NewID), so these just give paginate its required ascending-by-id input.

func sortRunsByID(runs []Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
}

func sortStepsByID(steps []Step) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
}

func sortHooksByID(hooks []Hook) {
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].HookID < hooks[j].HookID })
}
