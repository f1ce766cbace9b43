package observe_test

import (
	"testing"

	"github.com/flowforge/durable/observe"
	"github.com/stretchr/testify/require"
)

func TestBufferedEmitterHistoryPerRun(t *testing.T) {
	b := observe.NewBufferedEmitter()
	b.Emit(observe.Event{RunID: "run-a", Kind: "dispatch_start"})
	b.Emit(observe.Event{RunID: "run-a", Kind: "run_completed"})
	b.Emit(observe.Event{RunID: "run-b", Kind: "dispatch_start"})

	require.Len(t, b.History("run-a"), 2)
	require.Len(t, b.History("run-b"), 1)
	require.Empty(t, b.History("run-missing"))
}

func TestBufferedEmitterClear(t *testing.T) {
	b := observe.NewBufferedEmitter()
	b.Emit(observe.Event{RunID: "run-a", Kind: "dispatch_start"})
	b.Emit(observe.Event{RunID: "run-b", Kind: "dispatch_start"})

	b.Clear("run-a")
	require.Empty(t, b.History("run-a"))
	require.Len(t, b.History("run-b"), 1)

	b.Clear("")
	require.Empty(t, b.History("run-b"))
}
