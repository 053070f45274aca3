package relay

import (
	"encoding/json"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/pkg/timestamp"
)

// Envelope types. Requests flow from client to bridge, replies and events
// flow back.
const (
	TypeConnect     = "connect"
	TypeDisconnect  = "disconnect"
	TypeReconnect   = "reconnect"
	TypePublish     = "publish"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeStatus      = "status"

	TypeAck  = "ack"
	TypeNack = "nack"

	TypeMessage = "message"
	TypeState   = "state"
)

// Envelope is one websocket frame between relay client and bridge.
//
// Requests carry a unique ID that the bridge echoes in its ack or nack.
// Message and state events carry no ID. Payload is the raw transport
// payload and is base64 encoded on the wire.
type Envelope struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
	State     string   `json:"state,omitempty"`
	Error     string   `json:"error,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// StatusReport is the bridge's answer to a status request.
type StatusReport struct {
	State  string   `json:"state"`
	UserID string   `json:"userId"`
	Topics []string `json:"topics"`
}

func isRequest(t string) bool {
	switch t {
	case TypeConnect, TypeDisconnect, TypeReconnect, TypePublish,
		TypeSubscribe, TypeUnsubscribe, TypeStatus:
		return true
	}
	return false
}

func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.WrapInvalid(err, "relay", "parseEnvelope", "unmarshal frame")
	}
	if env.Type == "" {
		return env, errors.WrapInvalid(errors.ErrInvalidData, "relay", "parseEnvelope", "frame without type")
	}
	return env, nil
}

func stamp(env Envelope) Envelope {
	env.Timestamp = timestamp.Now()
	return env
}

// nackError is the client-side form of a nack reply.
type nackError struct {
	request string
	reason  string
}

func (e *nackError) Error() string {
	return "relay " + e.request + " rejected: " + e.reason
}
