package observe

import "context"

// NullEmitter discards every event. Useful as the zero-configuration default
// so the engine never needs a nil check before emitting.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (*NullEmitter) Emit(Event) {}

func (*NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (*NullEmitter) Flush(context.Context) error { return nil }
