package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

// autoReply wires a fake participant: every coordination request delivered to
// the instance is acked with the given status.
func autoReply(t *testing.T, h *Hub, transport *MemoryTransport, instanceID, status string) {
	t.Helper()
	_, err := transport.Subscribe(context.Background(), InstanceTopic(instanceID), func(msg *types.Message) {
		if msg.Type == types.MsgCoordinationRequest {
			h.Ack(msg.ID, map[string]any{"status": status})
		}
	})
	require.NoError(t, err)
}

func TestCoordinateAllReady(t *testing.T) {
	h, transport := testHub(t)
	h.Router().AddInstance("evidence_collector", "wi-ev")
	h.Router().AddInstance("verifier", "wi-ver")
	h.Router().AddInstance("report_agent", "wi-rep")

	autoReply(t, h, transport, "wi-ev", "ready")
	autoReply(t, h, transport, "wi-ver", "ready")
	autoReply(t, h, transport, "wi-rep", "ready")

	c := NewCoordinator(h)
	result := c.Coordinate(context.Background(), "wf-1", []string{"evidence_collector", "verifier", "report_agent"})

	assert.Equal(t, OutcomeCoordinated, result.Outcome)
	assert.Equal(t, "ready", result.Participants["verifier"])
}

func TestCoordinateParticipantNotReady(t *testing.T) {
	h, transport := testHub(t)
	h.Router().AddInstance("evidence_collector", "wi-ev")
	h.Router().AddInstance("verifier", "wi-ver")

	autoReply(t, h, transport, "wi-ev", "ready")
	autoReply(t, h, transport, "wi-ver", "not_ready")

	c := NewCoordinator(h)
	result := c.Coordinate(context.Background(), "wf-1", []string{"evidence_collector", "verifier"})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "not_ready", result.Participants["verifier"])
}

func TestCoordinateMissingParticipantFails(t *testing.T) {
	h, transport := testHub(t)
	h.Router().AddInstance("evidence_collector", "wi-ev")
	autoReply(t, h, transport, "wi-ev", "ready")

	c := NewCoordinator(h)
	// verifier has no registered instances, so its request cannot be sent
	result := c.Coordinate(context.Background(), "wf-1", []string{"evidence_collector", "verifier"})

	assert.Equal(t, OutcomeFailed, result.Outcome)
}

func TestCoordinateSilenceTimesOut(t *testing.T) {
	h, _ := testHub(t)
	h.Router().AddInstance("evidence_collector", "wi-ev")
	// the instance is registered but never acks

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c := NewCoordinator(h)
	result := c.Coordinate(ctx, "wf-1", []string{"evidence_collector"})

	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.Equal(t, "", result.Participants["evidence_collector"])
}

func TestCoordinateNoParticipants(t *testing.T) {
	h, _ := testHub(t)

	c := NewCoordinator(h)
	result := c.Coordinate(context.Background(), "wf-1", nil)
	assert.Equal(t, OutcomeCoordinated, result.Outcome)
}
