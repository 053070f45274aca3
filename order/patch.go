package order

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Patch is a partial order update. A nil field was absent from the event
// and leaves the record untouched. Actions and Messages are appended when
// their key is not already present; Extra keys overwrite.
//
// The JSON names match Record, so a canonical event object decodes
// straight into a Patch.
type Patch struct {
	AddedAt     *int64 `json:"addedAt,omitempty"`
	ModifiedAt  *int64 `json:"modifiedAt,omitempty"`
	AcceptedAt  *int64 `json:"acceptedAt,omitempty"`
	CancelledAt *int64 `json:"cancelledAt,omitempty"`
	ReservedAt  *int64 `json:"reservedAt,omitempty"`

	Status       *string `json:"status,omitempty"`
	CancelStatus *string `json:"cancelStatus,omitempty"`

	AddAgent    *string `json:"addAgent,omitempty"`
	AcceptAgent *string `json:"acceptAgent,omitempty"`
	CancelAgent *string `json:"cancelAgent,omitempty"`
	ModifyAgent *string `json:"modifyAgent,omitempty"`
	SelectAgent *string `json:"selectAgent,omitempty"`

	Telephone     *string  `json:"telephone,omitempty"`
	CustomerName  *string  `json:"customerName,omitempty"`
	Address       *string  `json:"address,omitempty"`
	AddressDetail *string  `json:"addressDetail,omitempty"`
	Dong          *string  `json:"dong,omitempty"`
	POIName       *string  `json:"poiName,omitempty"`
	Memo          *string  `json:"memo,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lng           *float64 `json:"lng,omitempty"`

	CarNo    *string `json:"carNo,omitempty"`
	DriverNo *string `json:"driverNo,omitempty"`

	Actions  []Action                   `json:"actions,omitempty"`
	Messages []Message                  `json:"messages,omitempty"`
	Extra    map[string]json.RawMessage `json:"extra,omitempty"`
}

// Ptr returns a pointer to v, for building patches in code.
func Ptr[T any](v T) *T {
	return &v
}

// Empty reports whether the patch carries no field at all.
func (p Patch) Empty() bool {
	if len(p.Actions) > 0 || len(p.Messages) > 0 || len(p.Extra) > 0 {
		return false
	}
	p.Actions, p.Messages, p.Extra = nil, nil, nil
	return reflect.ValueOf(p).IsZero()
}

// PatchFrom turns the non-zero fields of r into a patch, so that a full
// record arriving for a known id merges instead of clobbering.
func PatchFrom(r Record) Patch {
	var p Patch
	setNonZero(&p.AddedAt, r.AddedAt)
	setNonZero(&p.ModifiedAt, r.ModifiedAt)
	setNonZero(&p.AcceptedAt, r.AcceptedAt)
	setNonZero(&p.CancelledAt, r.CancelledAt)
	setNonZero(&p.ReservedAt, r.ReservedAt)
	setNonZero(&p.Status, r.Status)
	setNonZero(&p.CancelStatus, r.CancelStatus)
	setNonZero(&p.AddAgent, r.AddAgent)
	setNonZero(&p.AcceptAgent, r.AcceptAgent)
	setNonZero(&p.CancelAgent, r.CancelAgent)
	setNonZero(&p.ModifyAgent, r.ModifyAgent)
	setNonZero(&p.SelectAgent, r.SelectAgent)
	setNonZero(&p.Telephone, r.Telephone)
	setNonZero(&p.CustomerName, r.CustomerName)
	setNonZero(&p.Address, r.Address)
	setNonZero(&p.AddressDetail, r.AddressDetail)
	setNonZero(&p.Dong, r.Dong)
	setNonZero(&p.POIName, r.POIName)
	setNonZero(&p.Memo, r.Memo)
	setNonZero(&p.Lat, r.Lat)
	setNonZero(&p.Lng, r.Lng)
	setNonZero(&p.CarNo, r.CarNo)
	setNonZero(&p.DriverNo, r.DriverNo)
	p.Actions = r.Actions
	p.Messages = r.Messages
	p.Extra = r.Extra
	return p
}

// applyTo merges p into r and reports whether anything changed. Applying
// the same patch twice changes nothing the second time.
func (p Patch) applyTo(r *Record) bool {
	changed := false
	changed = assign(&r.AddedAt, p.AddedAt) || changed
	changed = assign(&r.ModifiedAt, p.ModifiedAt) || changed
	changed = assign(&r.AcceptedAt, p.AcceptedAt) || changed
	changed = assign(&r.CancelledAt, p.CancelledAt) || changed
	changed = assign(&r.ReservedAt, p.ReservedAt) || changed
	changed = assign(&r.Status, p.Status) || changed
	changed = assign(&r.CancelStatus, p.CancelStatus) || changed
	changed = assign(&r.AddAgent, p.AddAgent) || changed
	changed = assign(&r.AcceptAgent, p.AcceptAgent) || changed
	changed = assign(&r.CancelAgent, p.CancelAgent) || changed
	changed = assign(&r.ModifyAgent, p.ModifyAgent) || changed
	changed = assign(&r.SelectAgent, p.SelectAgent) || changed
	changed = assign(&r.Telephone, p.Telephone) || changed
	changed = assign(&r.CustomerName, p.CustomerName) || changed
	changed = assign(&r.Address, p.Address) || changed
	changed = assign(&r.AddressDetail, p.AddressDetail) || changed
	changed = assign(&r.Dong, p.Dong) || changed
	changed = assign(&r.POIName, p.POIName) || changed
	changed = assign(&r.Memo, p.Memo) || changed
	changed = assign(&r.Lat, p.Lat) || changed
	changed = assign(&r.Lng, p.Lng) || changed
	changed = assign(&r.CarNo, p.CarNo) || changed
	changed = assign(&r.DriverNo, p.DriverNo) || changed

	if added := appendAbsent(r.Actions, p.Actions, Action.Key); len(added) != len(r.Actions) {
		r.Actions = added
		changed = true
	}
	if added := appendAbsent(r.Messages, p.Messages, Message.Key); len(added) != len(r.Messages) {
		r.Messages = added
		changed = true
	}

	for k, v := range p.Extra {
		if cur, ok := r.Extra[k]; ok && bytes.Equal(cur, v) {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage, len(p.Extra))
		}
		r.Extra[k] = v
		changed = true
	}
	return changed
}

func assign[T comparable](dst *T, src *T) bool {
	if src == nil || *dst == *src {
		return false
	}
	*dst = *src
	return true
}

func setNonZero[T comparable](dst **T, v T) {
	var zero T
	if v != zero {
		*dst = &v
	}
}

// appendAbsent returns existing plus every item of incoming whose key is
// not yet present, in arrival order. existing is never modified in place.
func appendAbsent[T any](existing, incoming []T, key func(T) string) []T {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, item := range existing {
		seen[key(item)] = struct{}{}
	}
	out := existing
	copied := false
	for _, item := range incoming {
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if !copied {
			out = append(make([]T, 0, len(existing)+len(incoming)), existing...)
			copied = true
		}
		out = append(out, item)
	}
	return out
}
