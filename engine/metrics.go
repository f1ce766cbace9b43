package engine

import "time"

// recordStepLatency and incrementRetries are nil-safe wrappers around the
// optional observe.Metrics handle: WithMetrics is not required, and an
// Engine built without it should not need every call site to guard nil.
func (e *Engine) recordStepLatency(stepName, status string, d time.Duration) {
	if e.cfg.metrics == nil {
		return
	}
	e.cfg.metrics.RecordStepLatency(stepName, d, status)
}

func (e *Engine) incrementRetries(stepName string) {
	if e.cfg.metrics == nil {
		return
	}
	e.cfg.metrics.IncrementRetries(stepName)
}
