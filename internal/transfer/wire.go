package transfer

import (
	"encoding/json"
	"fmt"
)

// Control message types sent as text frames. Everything else on the
// channel is a binary chunk of file data.
const (
	controlMeta = "META"
	controlDone = "DONE"
)

// Meta describes the file about to be streamed. It is sent exactly once,
// before the first chunk, and Size is the authoritative byte count.
type Meta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type,omitempty"`
}

type controlMessage struct {
	Type string `json:"type"`
	Meta *Meta  `json:"meta,omitempty"`
}

func encodeMeta(meta Meta) (string, error) {
	raw, err := json.Marshal(controlMessage{Type: controlMeta, Meta: &meta})
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	return string(raw), nil
}

func encodeDone() string {
	// Static payload, cannot fail.
	raw, _ := json.Marshal(controlMessage{Type: controlDone})
	return string(raw)
}

func parseControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, fmt.Errorf("parse control message: %w", err)
	}
	switch msg.Type {
	case controlMeta:
		if msg.Meta == nil {
			return controlMessage{}, fmt.Errorf("%s control message without meta", controlMeta)
		}
		if msg.Meta.Size <= 0 {
			return controlMessage{}, fmt.Errorf("%s control message with size %d", controlMeta, msg.Meta.Size)
		}
	case controlDone:
	default:
		return controlMessage{}, fmt.Errorf("unknown control message type %q", msg.Type)
	}
	return msg, nil
}
