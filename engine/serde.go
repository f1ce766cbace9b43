package engine

import (
	"context"
	"encoding/json"

	"github.com/flowforge/durable/serialize"
)

func serializeHydrate(ctx context.Context, e *Engine, raw json.RawMessage) (any, error) {
	return serialize.Hydrate(ctx, e.cfg.registry, e.cfg.streams, raw, nil)
}

func serializeDehydrate(ctx context.Context, e *Engine, v any) (json.RawMessage, error) {
	var ops []serialize.Op
	raw, err := serialize.Dehydrate(ctx, e.cfg.registry, e.cfg.streams, v, &ops)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := op.Await(ctx); err != nil {
			return nil, err
		}
	}
	return raw, nil
}
