package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Outcome is the result of one coordination round.
type Outcome string

const (
	OutcomeCoordinated Outcome = "coordinated"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimeout     Outcome = "timeout"
)

const (
	coordinationMessageTimeout = 30 * time.Second
	coordinationRoundTimeout   = 60 * time.Second
	statusReady                = "ready"
)

// Result reports a coordination round: the overall outcome and the status
// each participant reported, empty when it never replied.
type Result struct {
	Outcome      Outcome
	Participants map[string]string
}

// Coordinator runs the two-phase agreement used for synchronized workflow
// starts: every participant kind gets a CoordinationRequest and the round is
// coordinated only when all of them report ready within the round window.
type Coordinator struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewCoordinator creates a coordinator on top of the hub.
func NewCoordinator(h *Hub) *Coordinator {
	return &Coordinator{hub: h, logger: log.WithComponent("coordinator")}
}

type participantReply struct {
	kind   string
	status string
}

// Coordinate asks every participant kind to prepare for the workflow and
// waits for unanimous readiness. Per-message delivery uses the hub's
// requires-response tracking with a 30 s timeout; the round as a whole is
// bounded at 60 s. A participant that replies anything but ready fails the
// round; silence times it out.
func (c *Coordinator) Coordinate(ctx context.Context, workflowID string, participants []string) Result {
	result := Result{
		Outcome:      OutcomeCoordinated,
		Participants: make(map[string]string, len(participants)),
	}
	if len(participants) == 0 {
		metrics.CoordinationRounds.WithLabelValues(string(result.Outcome)).Inc()
		return result
	}

	replies := make(chan participantReply, len(participants))
	var wg sync.WaitGroup

	sent := 0
	for _, kind := range participants {
		result.Participants[kind] = ""

		msg := &types.Message{
			ID:               uuid.New().String(),
			Sender:           "core",
			Recipient:        kind,
			Type:             types.MsgCoordinationRequest,
			Priority:         types.MsgPriorityHigh,
			RequiresResponse: true,
			ResponseTimeout:  coordinationMessageTimeout,
			CorrelationID:    workflowID,
			Payload: map[string]any{
				"workflow_id": workflowID,
				"phase":       "prepare",
			},
		}

		// Register the waiter before publishing so a fast ack cannot race it.
		respCh, cancelWait := c.hub.AwaitResponse(msg.ID)

		if err := c.hub.Send(ctx, msg); err != nil {
			cancelWait()
			c.logger.Warn().
				Err(err).
				Str("workflow_id", workflowID).
				Str("participant", kind).
				Msg("coordination request failed to send")
			result.Outcome = OutcomeFailed
			continue
		}
		sent++

		wg.Add(1)
		go func(kind string, respCh <-chan map[string]any, cancelWait func()) {
			defer wg.Done()
			defer cancelWait()

			select {
			case resp, ok := <-respCh:
				if !ok {
					// Delivery exhausted its retries; counts as silence.
					return
				}
				status, _ := resp["status"].(string)
				replies <- participantReply{kind: kind, status: status}
			case <-ctx.Done():
			}
		}(kind, respCh, cancelWait)
	}

	go func() {
		wg.Wait()
		close(replies)
	}()

	deadline := time.NewTimer(coordinationRoundTimeout)
	defer deadline.Stop()

	answered := 0
collect:
	for answered < sent {
		select {
		case reply, ok := <-replies:
			if !ok {
				break collect
			}
			answered++
			result.Participants[reply.kind] = reply.status
			if reply.status != statusReady {
				result.Outcome = OutcomeFailed
			}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	if result.Outcome != OutcomeFailed {
		for _, status := range result.Participants {
			if status != statusReady {
				result.Outcome = OutcomeTimeout
				break
			}
		}
	}

	metrics.CoordinationRounds.WithLabelValues(string(result.Outcome)).Inc()
	c.logger.Info().
		Str("workflow_id", workflowID).
		Str("outcome", string(result.Outcome)).
		Int("participants", len(participants)).
		Msg("coordination round finished")
	return result
}
