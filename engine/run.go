package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforge/durable/queue"
	"github.com/flowforge/durable/store"
)

// EnqueueNewRun creates a Run for workflowName with the given input and
// enqueues its first dispatch message, without requiring a WorkflowFunc to
// be registered in this process. It is the primitive an admin tool uses to
// start a run that some other, worker-hosting process will actually
// dispatch; StartRun is the in-process convenience wrapper over it.
func EnqueueNewRun(ctx context.Context, s store.Store, q queue.Queue, workflowName string, input any) (store.Run, error) {
	res, err := s.CreateEvent(ctx, "", store.EventInput{
		EventType:    store.EventRunCreated,
		WorkflowName: workflowName,
		EventData:    input,
	})
	if err != nil {
		return store.Run{}, err
	}
	if res.Run == nil {
		return store.Run{}, fmt.Errorf("engine: store did not return the created run")
	}

	payload, err := json.Marshal(workflowMessage{RunID: res.Run.RunID})
	if err != nil {
		return store.Run{}, err
	}
	if err := q.Enqueue(ctx, workflowTopic(workflowName), payload, queue.EnqueueOptions{}); err != nil {
		return store.Run{}, Transport(err)
	}
	return *res.Run, nil
}

// StartRun creates a new Run for workflowName with the given input and
// enqueues the first dispatch message for it. It does not wait for the
// workflow to make progress; callers that need completion either poll
// store.GetRun or run their own dispatcher loop via Start. Unlike
// EnqueueNewRun, it requires workflowName to already be registered on e so
// that callers driving their own process catch a typo immediately rather
// than enqueueing a message no one will ever dispatch.
func (e *Engine) StartRun(ctx context.Context, workflowName string, input any) (store.Run, error) {
	if _, ok := e.workflowFunc(workflowName); !ok {
		return store.Run{}, fmt.Errorf("engine: no workflow registered for %q", workflowName)
	}
	return EnqueueNewRun(ctx, e.cfg.store, e.cfg.queue, workflowName, input)
}
