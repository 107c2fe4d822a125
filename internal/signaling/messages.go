package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type MessageType string

const (
	MessageTypeOffer  MessageType = "offer"
	MessageTypeAnswer MessageType = "answer"
	MessageTypeICE    MessageType = "ice"
)

var ErrInvalidMessage = errors.New("signaling: invalid message")

// Message is one relay mailbox entry. Exactly one of the payload shapes is
// populated depending on Type: SDP for offers and answers, Candidate (with
// optional SDPMLineIndex/SDPMid) for ICE candidates.
type Message struct {
	Type MessageType `json:"type"`
	From string      `json:"from"`
	To   string      `json:"to"`

	SDP string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

func NewOffer(from, to, sdp string) Message {
	return Message{Type: MessageTypeOffer, From: from, To: to, SDP: sdp}
}

func NewAnswer(from, to, sdp string) Message {
	return Message{Type: MessageTypeAnswer, From: from, To: to, SDP: sdp}
}

func NewICECandidate(from, to, candidate string, sdpMLineIndex *uint16, sdpMid *string) Message {
	return Message{
		Type:          MessageTypeICE,
		From:          from,
		To:            to,
		Candidate:     candidate,
		SDPMLineIndex: sdpMLineIndex,
		SDPMid:        sdpMid,
	}
}

func (m Message) Validate() error {
	if m.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	}
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s message missing sdp", ErrInvalidMessage, m.Type)
		}
		if m.Candidate != "" || m.SDPMLineIndex != nil || m.SDPMid != nil {
			return fmt.Errorf("%w: %s message has candidate fields", ErrInvalidMessage, m.Type)
		}
	case MessageTypeICE:
		if m.Candidate == "" {
			return fmt.Errorf("%w: ice message missing candidate", ErrInvalidMessage)
		}
		if m.SDP != "" {
			return fmt.Errorf("%w: ice message has sdp", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// ParseMessage decodes and validates a single JSON message. Unknown fields and
// trailing data are rejected.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
