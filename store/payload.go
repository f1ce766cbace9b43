package store

import (
	"encoding/json"
	"time"
)

// mustMarshal turns an EventInput.EventData value into the json.RawMessage
// stored on Event/Run/Step. Callers are expected to pass JSON-marshalable
// values (maps, structs, or an existing json.RawMessage); a marshal failure
// here means the caller built a bad payload, not a storage fault.
func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: event data not marshalable: " + err.Error())
	}
	return b
}

// errorInfoFrom extracts the ErrorInfo a step_failed/run_failed EventData
// carries. Callers may pass either an ErrorInfo-shaped value directly or a
// wrapper with an "error" field; both round-trip through the same tags.
func errorInfoFrom(data any) *ErrorInfo {
	raw := mustMarshal(data)
	if len(raw) == 0 {
		return nil
	}
	var wrapped struct {
		Error *ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error
	}
	var direct ErrorInfo
	if err := json.Unmarshal(raw, &direct); err == nil && direct.Message != "" {
		return &direct
	}
	return nil
}

// retryAfterFrom extracts the retryAfter timestamp a step_retrying EventData
// carries.
func retryAfterFrom(data any) (time.Time, bool) {
	raw := mustMarshal(data)
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var wrapped struct {
		RetryAfter *time.Time `json:"retry_after"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.RetryAfter == nil {
		return time.Time{}, false
	}
	return *wrapped.RetryAfter, true
}
