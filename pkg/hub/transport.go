package hub

import (
	"context"

	"github.com/droverhq/drover/pkg/types"
)

// Handler consumes messages delivered on a subscribed topic.
type Handler func(msg *types.Message)

// Transport moves message envelopes between the core and worker instances.
// Implementations must preserve publish order per topic.
type Transport interface {
	Publish(ctx context.Context, topic string, msg *types.Message) error
	// Subscribe registers a handler for a topic and returns a cancel func.
	Subscribe(ctx context.Context, topic string, h Handler) (func(), error)
	Close() error
}

// InstanceTopic is the per-instance delivery topic.
func InstanceTopic(instanceID string) string {
	return "drover:inst:" + instanceID
}
