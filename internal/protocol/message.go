// Package protocol defines the JSON wire format for clipboard messages.
// Every frame exchanged after the WebSocket upgrade is a JSON-encoded
// ClipboardMessage text frame.
package protocol

import (
	"encoding/json"
	"time"
)

// ClipboardMessage is a single clipboard change relayed between devices.
// Content and Nonce are opaque to the server; Encrypted only flags whether
// the client encrypted the payload before sending it.
type ClipboardMessage struct {
	DeviceID  string `json:"device_id"`
	Content   string `json:"content"`
	Nonce     string `json:"nonce,omitempty"`
	Encrypted bool   `json:"encrypted"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
}

// New constructs an unencrypted message stamped with the current time.
func New(deviceID, content string) ClipboardMessage {
	return ClipboardMessage{
		DeviceID:  deviceID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Decode interprets an inbound text frame. A frame that does not parse as a
// ClipboardMessage is wrapped as plain unencrypted content rather than
// rejected. The device id is always overwritten with the session's assigned
// id -- the server is the sole source of message provenance -- and a missing
// timestamp is backfilled.
func Decode(raw []byte, deviceID string) ClipboardMessage {
	var msg ClipboardMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		msg = New(deviceID, string(raw))
	}
	msg.DeviceID = deviceID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}

// Encode serializes a message for transmission as a text frame.
func Encode(msg ClipboardMessage) ([]byte, error) {
	return json.Marshal(msg)
}
