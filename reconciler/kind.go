package reconciler

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Kind is the classified meaning of an inbound message.
type Kind string

const (
	KindSnapshot       Kind = "order-snapshot"
	KindAdded          Kind = "order-added"
	KindModified       Kind = "order-modified"
	KindAccepted       Kind = "order-accepted"
	KindCancelled      Kind = "order-cancelled"
	KindAction         Kind = "order-action"
	KindAgentSelected  Kind = "agent-selected"
	KindAgentConnected Kind = "agent-connected"
	KindLocationBatch  Kind = "location-batch"
	KindChat           Kind = "chat-message"
	KindUnknown        Kind = "unknown"
)

var kinds = []Kind{
	KindSnapshot, KindAdded, KindModified, KindAccepted, KindCancelled, KindAction,
	KindAgentSelected, KindAgentConnected, KindLocationBatch, KindChat,
}

// ParseKind resolves a kind name as written in configuration.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(kinds, k) {
		return k, nil
	}
	return KindUnknown, fmt.Errorf("unknown event kind %q", s)
}

// DefaultLocationTopic carries vehicle position batches unless configured
// otherwise.
const DefaultLocationTopic = "gps/locations"

// DefaultTopics returns the topic table used by the dispatch backend, with
// location batches on locationTopic.
func DefaultTopics(locationTopic string) map[string]Kind {
	if locationTopic == "" {
		locationTopic = DefaultLocationTopic
	}
	return map[string]Kind{
		"web/syncOrders":   KindSnapshot,
		"web/addOrder":     KindAdded,
		"web/modifyOrder":  KindModified,
		"web/acceptOrder":  KindAccepted,
		"web/cancelOrder":  KindCancelled,
		"web/actionOrder":  KindAction,
		"web/selectAgent":  KindAgentSelected,
		"web/connectAgent": KindAgentConnected,
		"web/chat":         KindChat,
		locationTopic:      KindLocationBatch,
	}
}

// Topics lists the keys of a topic table in a stable order.
func Topics(table map[string]Kind) []string {
	out := make([]string, 0, len(table))
	for topic := range table {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// classify resolves the kind from the topic table first and falls back to
// the payload's shape: a top-level array of fixes is a location batch, an
// envelope or array of orders is a snapshot, and an object with an id is a
// modification.
func (r *Reconciler) classify(topic string, payload []byte) Kind {
	if kind, ok := r.topics[topic]; ok {
		return kind
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return KindUnknown
	}

	decoded, err := decode(trimmed)
	if err != nil {
		return KindUnknown
	}
	decoded = unwrap(decoded)

	switch v := decoded.(type) {
	case []any:
		if len(v) == 0 {
			return KindUnknown
		}
		first, ok := v[0].(map[string]any)
		if !ok {
			return KindUnknown
		}
		if hasAny(first, "lat", "latitude") && !hasAny(first, "status", "addAt", "add_at", "addedAt") {
			return KindLocationBatch
		}
		return KindSnapshot
	case map[string]any:
		if hasAny(v, orderIDAliases...) {
			return KindModified
		}
	}
	return KindUnknown
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}
