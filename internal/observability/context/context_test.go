package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	ctx := WithRequestID(context.Background(), " req-1 ")
	ctx = WithClientID(ctx, "client-9")
	ctx = WithActor(ctx, "service", "usage-worker")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "client-9", ClientIDFromContext(ctx))
	actorType, actorID := ActorFromContext(ctx)
	assert.Equal(t, "service", actorType)
	assert.Equal(t, "usage-worker", actorID)
}

func TestContextValuesMissing(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Empty(t, ClientIDFromContext(WithRequestID(context.Background(), "x")))
}
