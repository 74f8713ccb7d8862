package types

import (
	"fmt"
	"strings"
	"time"
)

// MessageType is the closed enumeration of inter-agent message types.
type MessageType string

const (
	MsgTaskRequest         MessageType = "task_request"
	MsgTaskResponse        MessageType = "task_response"
	MsgStatusUpdate        MessageType = "status_update"
	MsgDataShare           MessageType = "data_share"
	MsgCoordinationRequest MessageType = "coordination_request"
	MsgAlert               MessageType = "alert"
	MsgHealthCheck         MessageType = "health_check"
	MsgWorkflowSignal      MessageType = "workflow_signal"
	MsgContextUpdate       MessageType = "context_update"
	MsgCapabilityAnnounce  MessageType = "capability_announce"
	MsgCancelRequest       MessageType = "cancel_request"
)

// MessagePriority orders delivery within the hub.
type MessagePriority string

const (
	MsgPriorityCritical MessagePriority = "critical"
	MsgPriorityHigh     MessagePriority = "high"
	MsgPriorityNormal   MessagePriority = "normal"
	MsgPriorityLow      MessagePriority = "low"
)

// RecipientKind tags the variant of a message recipient.
type RecipientKind int

const (
	RecipientWorkerKind RecipientKind = iota
	RecipientInstance
	RecipientBroadcast
	RecipientChannel
)

// InstanceIDPrefix marks instance ids on the wire so they can be told apart
// from worker kind names.
const InstanceIDPrefix = "wi-"

const channelPrefix = "channel:"
const broadcastName = "broadcast"

// Recipient is the tagged union of message destinations: a worker kind, a
// specific instance, every registered instance, or a named channel.
type Recipient struct {
	Kind RecipientKind
	Name string
}

// KindRecipient addresses every registered instance of a worker kind.
func KindRecipient(workerKind string) Recipient {
	return Recipient{Kind: RecipientWorkerKind, Name: workerKind}
}

// InstanceRecipient addresses exactly one worker instance.
func InstanceRecipient(instanceID string) Recipient {
	return Recipient{Kind: RecipientInstance, Name: instanceID}
}

// BroadcastRecipient addresses the union of all registered instances.
func BroadcastRecipient() Recipient {
	return Recipient{Kind: RecipientBroadcast}
}

// ChannelRecipient addresses the subscribers of a named channel.
func ChannelRecipient(name string) Recipient {
	return Recipient{Kind: RecipientChannel, Name: name}
}

// ParseRecipient decodes the wire form of a recipient.
func ParseRecipient(s string) (Recipient, error) {
	switch {
	case s == "":
		return Recipient{}, fmt.Errorf("empty recipient")
	case s == broadcastName:
		return BroadcastRecipient(), nil
	case strings.HasPrefix(s, channelPrefix):
		name := strings.TrimPrefix(s, channelPrefix)
		if name == "" {
			return Recipient{}, fmt.Errorf("empty channel name")
		}
		return ChannelRecipient(name), nil
	case strings.HasPrefix(s, InstanceIDPrefix):
		return InstanceRecipient(s), nil
	default:
		return KindRecipient(s), nil
	}
}

// String returns the wire form of the recipient.
func (r Recipient) String() string {
	switch r.Kind {
	case RecipientBroadcast:
		return broadcastName
	case RecipientChannel:
		return channelPrefix + r.Name
	default:
		return r.Name
	}
}

// Message is the envelope exchanged between the core and workers. Consumers
// must tolerate unknown envelope fields.
type Message struct {
	ID               string          `json:"id"`
	Sender           string          `json:"sender"`
	Recipient        string          `json:"recipient"`
	Type             MessageType     `json:"type"`
	Priority         MessagePriority `json:"priority"`
	Payload          map[string]any  `json:"payload,omitempty"`
	Context          map[string]any  `json:"context,omitempty"`
	RequiresResponse bool            `json:"requires_response"`
	ResponseTimeout  time.Duration   `json:"response_timeout,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	TTLSeconds       int             `json:"ttl_seconds,omitempty"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`

	// Transport flags set by the delivery service per the protocol matrix.
	Encrypted  bool   `json:"encrypted,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

// Expired reports whether the message TTL has lapsed at time now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > time.Duration(m.TTLSeconds)*time.Second
}
