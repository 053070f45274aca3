// Package order holds the canonical call-order records of the dashboard.
//
// A Registry keeps exactly one current Record per order id in insertion
// order with an id index beside it. Full snapshots replace everything,
// incremental events merge a Patch into one record, and readers always get
// deep copies.
package order

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Record is one dispatch call. Timestamps are Unix milliseconds; zero means
// the order has not entered that state.
type Record struct {
	ID int64 `json:"id"`

	AddedAt     int64 `json:"addedAt,omitempty"`
	ModifiedAt  int64 `json:"modifiedAt,omitempty"`
	AcceptedAt  int64 `json:"acceptedAt,omitempty"`
	CancelledAt int64 `json:"cancelledAt,omitempty"`
	ReservedAt  int64 `json:"reservedAt,omitempty"`

	Status       string `json:"status,omitempty"`
	CancelStatus string `json:"cancelStatus,omitempty"`

	AddAgent    string `json:"addAgent,omitempty"`
	AcceptAgent string `json:"acceptAgent,omitempty"`
	CancelAgent string `json:"cancelAgent,omitempty"`
	ModifyAgent string `json:"modifyAgent,omitempty"`
	SelectAgent string `json:"selectAgent,omitempty"`

	Telephone     string  `json:"telephone,omitempty"`
	CustomerName  string  `json:"customerName,omitempty"`
	Address       string  `json:"address,omitempty"`
	AddressDetail string  `json:"addressDetail,omitempty"`
	Dong          string  `json:"dong,omitempty"`
	POIName       string  `json:"poiName,omitempty"`
	Memo          string  `json:"memo,omitempty"`
	Lat           float64 `json:"lat,omitempty"`
	Lng           float64 `json:"lng,omitempty"`

	CarNo    string `json:"carNo,omitempty"`
	DriverNo string `json:"driverNo,omitempty"`

	Actions  []Action  `json:"actions,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	// Extra keeps fields this module does not model. They are carried
	// along but never drive any decision.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// DisplayStatus is the status label shown to agents.
func (r Record) DisplayStatus() string {
	return DeriveStatus(r)
}

// Terminal reports whether the order was accepted or cancelled.
func (r Record) Terminal() bool {
	return r.AcceptedAt != 0 || r.CancelledAt != 0
}

func (r Record) clone() Record {
	out := r
	if r.Actions != nil {
		out.Actions = append([]Action(nil), r.Actions...)
	}
	if r.Messages != nil {
		out.Messages = append([]Message(nil), r.Messages...)
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Action is one operator action taken on an order.
type Action struct {
	ID    string `json:"actionId,omitempty"`
	Name  string `json:"name"`
	Agent string `json:"agent,omitempty"`
	At    int64  `json:"at,omitempty"`
	Memo  string `json:"memo,omitempty"`
}

// Key identifies the action for duplicate suppression: its id, or a
// content hash when the producer sent none.
func (a Action) Key() string {
	if a.ID != "" {
		return a.ID
	}
	return contentKey("action", a.Name, a.Agent, fmt.Sprint(a.At), a.Memo)
}

// Message is one chat line attached to an order.
type Message struct {
	ID   string `json:"msgId,omitempty"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
	At   int64  `json:"at,omitempty"`
}

func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return contentKey("message", m.From, m.Text, fmt.Sprint(m.At))
}

func contentKey(kind string, parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+"\x00"+strings.Join(parts, "\x00"))).String()
}
