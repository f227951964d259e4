package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/3FT-io/dermascan/pkg/core"
)

type MessageType int

const (
	MessageTypeModelAnnouncement MessageType = iota + 1
)

// Message is the envelope published on the model topic.
type Message struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ModelAnnouncement tells peers that a model is available from the sender.
type ModelAnnouncement struct {
	Model core.ModelMetadata `json:"model"`
}

type blockRequest struct {
	Hash string `json:"hash"`
}

type blockHeader struct {
	Size  int64  `json:"size"`
	Error string `json:"error,omitempty"`
}

func EncodeMessage(t MessageType, from peer.ID, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(Message{Type: t, From: from.String(), Payload: raw})
}

func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == 0 {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &m, nil
}
