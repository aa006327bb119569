package communication

import (
	"encoding/json"
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/protocol"

	"github.com/xmaslo/log-signing-mpc/pkg/identity"
)

// Envelope is the wire framing for everything relayed between servers.
// Receiver is nil for broadcast traffic; a set receiver means the
// message is for that server only and every other server drops it.
type Envelope struct {
	Sender   uint16          `json:"sender"`
	Receiver *uint16         `json:"receiver,omitempty"`
	Body     json.RawMessage `json:"body"`
}

// readyBody is the body of a rendezvous envelope, see rendezvous.go.
const readyBody = `"ready"`

// ParseEnvelope decodes the outer framing without touching the body.
func ParseEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("parse message envelope: %w", err)
	}
	return &env, nil
}

// EncodeMessage wraps a protocol round message into an envelope string.
// The round payload itself stays in the library's binary encoding and is
// carried as the base64 body.
func EncodeMessage(msg *protocol.Message) (string, error) {
	sender, err := identity.FromPartyID(msg.From)
	if err != nil {
		return "", fmt.Errorf("encode envelope sender: %w", err)
	}
	var receiver *uint16
	if msg.To != "" {
		to, err := identity.FromPartyID(msg.To)
		if err != nil {
			return "", fmt.Errorf("encode envelope receiver: %w", err)
		}
		receiver = &to
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal round message: %w", err)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode envelope body: %w", err)
	}
	raw, err := json.Marshal(Envelope{Sender: sender, Receiver: receiver, Body: body})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeMessage unwraps an envelope string back into a protocol round
// message.
func DecodeMessage(raw string) (*protocol.Message, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := json.Unmarshal(env.Body, &data); err != nil {
		return nil, fmt.Errorf("decode envelope body: %w", err)
	}
	msg := &protocol.Message{}
	if err := msg.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal round message: %w", err)
	}
	return msg, nil
}

// EncodeReady builds the rendezvous envelope announcing that sender is
// listening and ready for the next protocol stage.
func EncodeReady(sender uint16) string {
	raw, _ := json.Marshal(Envelope{Sender: sender, Body: json.RawMessage(readyBody)})
	return string(raw)
}

// IsReady reports whether env is a rendezvous announcement.
func (env *Envelope) IsReady() bool {
	return string(env.Body) == readyBody
}
