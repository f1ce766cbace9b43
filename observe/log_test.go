package observe_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/flowforge/durable/observe"
	"github.com/stretchr/testify/require"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	e := observe.NewLogEmitter(&buf, false)
	e.Emit(observe.Event{RunID: "run-1", StepID: "step-1", Attempt: 2, Kind: "step_retrying"})

	out := buf.String()
	require.Contains(t, out, "step_retrying")
	require.Contains(t, out, "run-1")
	require.True(t, strings.Contains(out, "attempt=2"))
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := observe.NewLogEmitter(&buf, true)
	e.Emit(observe.Event{RunID: "run-2", Kind: "run_completed"})

	require.Contains(t, buf.String(), `"kind":"run_completed"`)
}
