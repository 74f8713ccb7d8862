package hub

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/droverhq/drover/pkg/security"
	"github.com/droverhq/drover/pkg/types"
)

// payloadKey carries the transformed payload body on the wire when a
// protocol applies compression or encryption.
const payloadKey = "_body"

// Protocol is the transport contract for one sender→recipient pair.
type Protocol struct {
	Encrypt          bool
	Compress         bool
	Checksum         bool
	RequiredFields   []string
	PriorityOverride types.MessagePriority
}

type pairKey struct {
	sender    string
	recipient string
}

// Matrix maps sender→recipient-kind pairs to their protocols. Unknown pairs
// get the generic protocol: no transforms, priority untouched.
type Matrix struct {
	rules map[pairKey]Protocol
}

// NewMatrix creates an empty protocol matrix.
func NewMatrix() *Matrix {
	return &Matrix{rules: make(map[pairKey]Protocol)}
}

// DefaultMatrix seeds the contracts the platform ships with: connector
// credentials are sealed, evidence bundles are compressed, remediation
// orders are integrity-checked and jump the priority queue.
func DefaultMatrix() *Matrix {
	m := NewMatrix()
	m.Set("core", "evidence_collector", Protocol{
		Encrypt:        true,
		Checksum:       true,
		RequiredFields: []string{"task_id", "kind"},
	})
	m.Set("core", "report_agent", Protocol{
		Compress:       true,
		Checksum:       true,
		RequiredFields: []string{"task_id"},
	})
	m.Set("core", "remediation_agent", Protocol{
		Encrypt:          true,
		Checksum:         true,
		RequiredFields:   []string{"task_id", "finding_id"},
		PriorityOverride: types.MsgPriorityHigh,
	})
	return m
}

// Set installs a protocol for a sender→recipient-kind pair.
func (m *Matrix) Set(sender, recipientKind string, p Protocol) {
	m.rules[pairKey{sender, recipientKind}] = p
}

// Lookup returns the protocol for a pair, or the generic protocol.
func (m *Matrix) Lookup(sender, recipientKind string) Protocol {
	if p, ok := m.rules[pairKey{sender, recipientKind}]; ok {
		return p
	}
	return Protocol{}
}

// Validate checks the message payload carries every field the protocol
// requires.
func (p Protocol) Validate(msg *types.Message) error {
	for _, field := range p.RequiredFields {
		if _, ok := msg.Payload[field]; !ok {
			return fmt.Errorf("message %s missing required payload field %q", msg.ID, field)
		}
	}
	return nil
}

// Format applies the protocol transforms to a copy of the message: checksum
// over the serialized payload, then gzip, then AES-GCM sealing. The
// transformed body replaces the payload under a single key so the envelope
// stays plain JSON.
func (p Protocol) Format(msg *types.Message, sealer *security.Sealer) (*types.Message, error) {
	out := *msg
	if p.PriorityOverride != "" {
		out.Priority = p.PriorityOverride
	}
	if !p.Checksum && !p.Compress && !p.Encrypt {
		return &out, nil
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload of %s: %w", msg.ID, err)
	}

	if p.Checksum {
		sum := sha256.Sum256(body)
		out.Checksum = hex.EncodeToString(sum[:])
	}

	if p.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("failed to compress payload of %s: %w", msg.ID, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress payload of %s: %w", msg.ID, err)
		}
		body = buf.Bytes()
		out.Compressed = true
	}

	if p.Encrypt {
		if sealer == nil {
			return nil, fmt.Errorf("protocol requires encryption but no shared secret is configured")
		}
		body, err = sealer.Seal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to seal payload of %s: %w", msg.ID, err)
		}
		out.Encrypted = true
	}

	if p.Compress || p.Encrypt {
		out.Payload = map[string]any{payloadKey: base64.StdEncoding.EncodeToString(body)}
	}
	return &out, nil
}

// DecodePayload reverses Format on a received message, in place: unseal,
// decompress, verify checksum, restore the payload map.
func DecodePayload(msg *types.Message, sealer *security.Sealer) error {
	if !msg.Encrypted && !msg.Compressed {
		if msg.Checksum != "" {
			body, err := json.Marshal(msg.Payload)
			if err != nil {
				return err
			}
			return verifyChecksum(msg.ID, body, msg.Checksum)
		}
		return nil
	}

	encoded, ok := msg.Payload[payloadKey].(string)
	if !ok {
		return fmt.Errorf("message %s has transport flags but no wire body", msg.ID)
	}
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("message %s has invalid wire body: %w", msg.ID, err)
	}

	if msg.Encrypted {
		if sealer == nil {
			return fmt.Errorf("message %s is encrypted but no shared secret is configured", msg.ID)
		}
		body, err = sealer.Open(body)
		if err != nil {
			return fmt.Errorf("failed to unseal message %s: %w", msg.ID, err)
		}
	}

	if msg.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to decompress message %s: %w", msg.ID, err)
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("failed to decompress message %s: %w", msg.ID, err)
		}
		if err := zr.Close(); err != nil {
			return fmt.Errorf("failed to decompress message %s: %w", msg.ID, err)
		}
	}

	if msg.Checksum != "" {
		if err := verifyChecksum(msg.ID, body, msg.Checksum); err != nil {
			return err
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("message %s payload is not valid JSON: %w", msg.ID, err)
	}
	msg.Payload = payload
	msg.Encrypted = false
	msg.Compressed = false
	return nil
}

func verifyChecksum(id string, body []byte, want string) error {
	sum := sha256.Sum256(body)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("message %s checksum mismatch", id)
	}
	return nil
}
