// Package action publishes agent commands back to the dispatch backend.
//
// A command is addressed to the agent's own topic space,
// agent/<agentID>/<name>, and carries the order it acts on as entityId,
// its own fields and a timestamp. The backend's eventual reaction arrives
// through the normal inbound topics; the only acknowledgment at this layer
// is the transport's publish result.
package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Command names. They are the last segment of the publish topic.
const (
	NameDispatch = "dispatch"
	NameCancel   = "cancel"
	NameStatus   = "status"
	NameChat     = "chat"
)

// Command is one outbound action. Fields are merged into the payload
// beside entityId, commandId and timestamp.
type Command struct {
	ID       uuid.UUID
	Name     string
	EntityID int64
	Fields   map[string]any
}

// Dispatch assigns an order to a vehicle.
func Dispatch(orderID int64, carNo, driverNo string) Command {
	return newCommand(NameDispatch, orderID, map[string]any{
		"carNo":    carNo,
		"driverNo": driverNo,
	})
}

// Cancel cancels an order with the reason shown to other agents.
func Cancel(orderID int64, reason string) Command {
	return newCommand(NameCancel, orderID, map[string]any{
		"cancelStatus": reason,
	})
}

// UpdateStatus sets the raw status of an order.
func UpdateStatus(orderID int64, status string) Command {
	return newCommand(NameStatus, orderID, map[string]any{
		"status": status,
	})
}

// SendChat sends a chat message on an order. The command id doubles as the
// message id, so the echo arriving on the chat topic is recognised as the
// same message.
func SendChat(orderID int64, text string) Command {
	cmd := newCommand(NameChat, orderID, map[string]any{"text": text})
	cmd.Fields["msgId"] = cmd.ID.String()
	return cmd
}

func newCommand(name string, orderID int64, fields map[string]any) Command {
	return Command{ID: uuid.New(), Name: name, EntityID: orderID, Fields: fields}
}

// required lists, per command, the fields that must be non-empty.
var required = map[string][]string{
	NameDispatch: {"carNo"},
	NameCancel:   {"cancelStatus"},
	NameStatus:   {"status"},
	NameChat:     {"text"},
}

func (c Command) validate() error {
	if c.Name == "" || strings.Contains(c.Name, "/") {
		return fmt.Errorf("invalid command name %q", c.Name)
	}
	if c.EntityID <= 0 {
		return fmt.Errorf("%s: entity id must be positive, got %d", c.Name, c.EntityID)
	}
	for _, field := range required[c.Name] {
		if s, _ := c.Fields[field].(string); strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s: %s is required", c.Name, field)
		}
	}
	return nil
}

// Topic is where the command is published for agentID.
func (c Command) Topic(agentID string) string {
	return "agent/" + agentID + "/" + c.Name
}

func (c Command) encode(at int64) ([]byte, error) {
	payload := make(map[string]any, len(c.Fields)+3)
	for k, v := range c.Fields {
		payload[k] = v
	}
	payload["entityId"] = c.EntityID
	payload["commandId"] = c.ID.String()
	payload["timestamp"] = at
	return json.Marshal(payload)
}

// Result is the outcome of a deferred publish.
type Result struct {
	Command Command
	Topic   string
	Err     error
}

// Failed reports whether the publish did not reach the transport.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Message is the short text shown to the agent for this result.
func (r Result) Message() string {
	if r.Err == nil {
		return r.Command.Name + " sent"
	}
	return r.Command.Name + " failed, retry"
}
