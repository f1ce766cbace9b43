package engine

import "time"

const (
	workflowTopicPrefix = "workflow_"
	stepTopicPrefix     = "step_"
)

func workflowTopic(workflowName string) string { return workflowTopicPrefix + workflowName }

func stepTopic(stepName string) string { return stepTopicPrefix + stepName }

// workflowMessage is the payload enqueued on a "workflow_<name>" topic to
// re-enter the dispatcher for an existing run.
type workflowMessage struct {
	RunID string `json:"run_id"`
}

// stepMessage is the payload enqueued on a "step_<name>" topic to run one
// attempt of a step (§4.3 inputs).
type stepMessage struct {
	WorkflowName      string            `json:"workflow_name"`
	RunID             string            `json:"run_id"`
	StepID            string            `json:"step_id"`
	WorkflowStartedAt time.Time         `json:"workflow_started_at"`
	RequestedAt       time.Time         `json:"requested_at"`
	TraceCarrier      map[string]string `json:"trace_carrier,omitempty"`
}
