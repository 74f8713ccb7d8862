package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/security"
	"github.com/droverhq/drover/pkg/types"
)

var (
	// ErrNoRecipients means a kind- or instance-addressed message resolved
	// to nothing routable.
	ErrNoRecipients = errors.New("no routable recipients")

	// ErrMessageExpired means the message TTL lapsed before publish.
	ErrMessageExpired = errors.New("message ttl expired")
)

const sweepInterval = 10 * time.Second

// Options configures the hub.
type Options struct {
	Transport Transport
	Router    *Router
	Matrix    *Matrix
	Sealer    *security.Sealer // nil disables encrypting protocols

	DefaultResponseTimeout time.Duration // default 30s
	DefaultMaxRetries      int           // default 3
}

// pendingMessage is a published requires-response message awaiting an ack.
type pendingMessage struct {
	msg       *types.Message
	instances []string
	timeout   time.Duration
	attempts  int
	deadline  time.Time
}

// Hub is the delivery service: it formats messages per the protocol matrix,
// fans them out through the transport, and tracks requires-response ids
// until acknowledgment, retrying unacked messages with exponential backoff.
type Hub struct {
	transport Transport
	router    *Router
	matrix    *Matrix
	sealer    *security.Sealer

	responseTimeout time.Duration
	maxRetries      int

	mu      sync.Mutex
	pending map[string]*pendingMessage
	waiters map[string]chan map[string]any

	logger zerolog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// New creates a hub.
func New(opts Options) *Hub {
	if opts.DefaultResponseTimeout <= 0 {
		opts.DefaultResponseTimeout = 30 * time.Second
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.Matrix == nil {
		opts.Matrix = DefaultMatrix()
	}
	return &Hub{
		transport:       opts.Transport,
		router:          opts.Router,
		matrix:          opts.Matrix,
		sealer:          opts.Sealer,
		responseTimeout: opts.DefaultResponseTimeout,
		maxRetries:      opts.DefaultMaxRetries,
		pending:         make(map[string]*pendingMessage),
		waiters:         make(map[string]chan map[string]any),
		logger:          log.WithComponent("hub"),
		stopCh:          make(chan struct{}),
	}
}

// Start begins the ack sweeper loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop stops the sweeper.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stopCh) })
}

func (h *Hub) run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep(time.Now())
		case <-h.stopCh:
			return
		}
	}
}

// Router returns the hub's routing table for membership updates.
func (h *Hub) Router() *Router {
	return h.router
}

// Send formats and publishes a message. Requires-response messages are
// tracked until Ack or retry exhaustion. Kind- and instance-addressed
// messages with no routable recipient fail with ErrNoRecipients; empty
// broadcasts and channels are a no-op.
func (h *Hub) Send(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Priority == "" {
		msg.Priority = types.MsgPriorityNormal
	}
	if msg.Expired(time.Now()) {
		return ErrMessageExpired
	}

	recipient, err := types.ParseRecipient(msg.Recipient)
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}

	proto := h.matrix.Lookup(msg.Sender, h.matrixKind(recipient))
	if err := proto.Validate(msg); err != nil {
		return err
	}
	wire, err := proto.Format(msg, h.sealer)
	if err != nil {
		return err
	}

	ids := h.router.Resolve(recipient)
	if len(ids) == 0 {
		if recipient.Kind == types.RecipientBroadcast || recipient.Kind == types.RecipientChannel {
			return nil
		}
		return fmt.Errorf("message %s to %s: %w", msg.ID, msg.Recipient, ErrNoRecipients)
	}

	if err := h.publish(ctx, wire, ids); err != nil {
		return err
	}
	metrics.MessagesPublished.WithLabelValues(string(msg.Type)).Inc()

	if wire.RequiresResponse {
		timeout := wire.ResponseTimeout
		if timeout <= 0 {
			timeout = h.responseTimeout
		}
		maxRetries := wire.MaxRetries
		if maxRetries <= 0 {
			maxRetries = h.maxRetries
		}
		wire.MaxRetries = maxRetries

		h.mu.Lock()
		h.pending[wire.ID] = &pendingMessage{
			msg:       wire,
			instances: ids,
			timeout:   timeout,
			deadline:  time.Now().Add(timeout),
		}
		for _, id := range ids {
			h.router.NoteInflight(id)
		}
		h.mu.Unlock()
	}
	return nil
}

func (h *Hub) publish(ctx context.Context, msg *types.Message, instances []string) error {
	for _, id := range instances {
		if err := h.transport.Publish(ctx, InstanceTopic(id), msg); err != nil {
			return fmt.Errorf("failed to publish %s to %s: %w", msg.ID, id, err)
		}
	}
	return nil
}

// matrixKind picks the lookup key for a recipient: the worker kind for kind
// and instance recipients, the wire form for broadcast and channels.
func (h *Hub) matrixKind(recipient types.Recipient) string {
	if recipient.Kind == types.RecipientInstance {
		return h.router.KindOf(recipient.Name)
	}
	return recipient.String()
}

// Ack acknowledges a tracked message, optionally carrying a response
// payload for a waiter. Acks for unknown or already-acked ids are a no-op.
func (h *Hub) Ack(msgID string, response map[string]any) {
	h.mu.Lock()
	p, tracked := h.pending[msgID]
	if tracked {
		delete(h.pending, msgID)
	}
	waiter, waiting := h.waiters[msgID]
	if waiting {
		delete(h.waiters, msgID)
	}
	h.mu.Unlock()

	if tracked {
		for _, id := range p.instances {
			h.router.ReleaseInflight(id)
		}
		metrics.MessagesAcked.Inc()
	}
	if waiting {
		waiter <- response
		close(waiter)
	}
}

// AwaitResponse registers interest in the response to a message. The
// returned channel yields the ack payload and closes; it closes without a
// value when the message exhausts its retries. The cancel func releases the
// waiter.
func (h *Hub) AwaitResponse(msgID string) (<-chan map[string]any, func()) {
	ch := make(chan map[string]any, 1)

	h.mu.Lock()
	h.waiters[msgID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if h.waiters[msgID] == ch {
			delete(h.waiters, msgID)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// PendingCount returns the number of messages awaiting acknowledgment.
func (h *Hub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// sweep retries or expires pending messages past their deadline. Retry n
// waits 2^n seconds before the next deadline check.
func (h *Hub) sweep(now time.Time) {
	type redelivery struct {
		msg       *types.Message
		instances []string
	}
	var retries []redelivery
	var expired []string

	h.mu.Lock()
	for id, p := range h.pending {
		if now.Before(p.deadline) {
			continue
		}
		if p.attempts >= p.msg.MaxRetries {
			delete(h.pending, id)
			for _, inst := range p.instances {
				h.router.ReleaseInflight(inst)
			}
			if waiter, ok := h.waiters[id]; ok {
				delete(h.waiters, id)
				close(waiter)
			}
			expired = append(expired, id)
			continue
		}
		p.attempts++
		backoff := time.Duration(1<<uint(p.attempts)) * time.Second
		p.deadline = now.Add(backoff + p.timeout)
		// Publish a copy so subscribers holding the original never observe
		// the bumped retry count mid-read.
		cp := *p.msg
		cp.RetryCount = p.attempts
		retries = append(retries, redelivery{msg: &cp, instances: p.instances})
	}
	h.mu.Unlock()

	for _, id := range expired {
		metrics.MessagesExpired.Inc()
		h.logger.Warn().Str("message_id", id).Msg("message exhausted retries without ack")
	}
	for _, r := range retries {
		metrics.MessageRetries.Inc()
		if err := h.publish(context.Background(), r.msg, r.instances); err != nil {
			h.logger.Warn().Err(err).Str("message_id", r.msg.ID).Msg("redelivery failed")
		}
	}
}

// SweepNow runs one sweep pass immediately. Exposed for tests.
func (h *Hub) SweepNow(now time.Time) {
	h.sweep(now)
}
