package order

import (
	"fmt"
	"sync"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/transport"
)

// ChangeKind says what a registry mutation did.
type ChangeKind int

const (
	ChangeReplaced ChangeKind = iota
	ChangeInserted
	ChangeUpdated
	ChangeRemoved
	ChangeSelected
	ChangeReset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeReplaced:
		return "replaced"
	case ChangeInserted:
		return "inserted"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeSelected:
		return "selected"
	case ChangeReset:
		return "reset"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// Change is delivered to OnChange listeners after the mutation is visible.
// ID is zero for whole-registry changes; for ChangeSelected, Selected
// tells whether a record is selected.
type Change struct {
	Kind    ChangeKind
	ID      int64
	Version uint64
}

// Registry is the canonical order store. The ordered id list and the id
// index change together under one write lock, so readers never see one
// without the other.
type Registry struct {
	mu       sync.RWMutex
	ids      []int64
	byID     map[int64]*Record
	selected int64
	isSel    bool // selected is meaningful only while set
	version  uint64

	listeners transport.Listeners[Change]
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Record)}
}

// OnChange registers fn for every mutation. Listeners run after the lock
// is released and may read the registry.
func (r *Registry) OnChange(fn func(Change)) (detach func()) {
	return r.listeners.Add(fn)
}

// ReplaceAll discards every record and loads records in the given order.
// A repeated id keeps its first position and takes the later content. The
// selection survives only if its id is still present.
func (r *Registry) ReplaceAll(records []Record) {
	r.mu.Lock()
	ids := make([]int64, 0, len(records))
	byID := make(map[int64]*Record, len(records))
	for _, rec := range records {
		if _, dup := byID[rec.ID]; !dup {
			ids = append(ids, rec.ID)
		}
		cp := rec.clone()
		byID[rec.ID] = &cp
	}
	r.ids, r.byID = ids, byID

	deselected := false
	if _, ok := byID[r.selected]; r.isSel && !ok {
		r.selected, r.isSel = 0, false
		deselected = true
	}
	r.version++
	v := r.version
	r.mu.Unlock()

	r.listeners.Notify(Change{Kind: ChangeReplaced, Version: v})
	if deselected {
		r.listeners.Notify(Change{Kind: ChangeSelected, Version: v})
	}
}

// Insert adds a full record. A record already present for the id is merged
// with the non-zero fields of rec. Reports whether the id was new.
func (r *Registry) Insert(rec Record) (Record, bool) {
	r.mu.Lock()
	if cur, ok := r.byID[rec.ID]; ok {
		changed := PatchFrom(rec).applyTo(cur)
		out := cur.clone()
		var v uint64
		if changed {
			r.version++
			v = r.version
		}
		r.mu.Unlock()

		if changed {
			r.listeners.Notify(Change{Kind: ChangeUpdated, ID: rec.ID, Version: v})
		}
		return out, false
	}

	cp := rec.clone()
	r.byID[rec.ID] = &cp
	r.ids = append(r.ids, rec.ID)
	r.version++
	v := r.version
	out := cp.clone()
	r.mu.Unlock()

	r.listeners.Notify(Change{Kind: ChangeInserted, ID: rec.ID, Version: v})
	return out, true
}

// Upsert merges patch into the record for id. An unknown id is an error
// wrapping errors.ErrUnknownOrder and leaves the registry untouched; no
// record is ever built from a partial update.
func (r *Registry) Upsert(id int64, patch Patch) (Record, error) {
	r.mu.Lock()
	cur, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, errors.WrapInvalid(errors.ErrUnknownOrder, "order.Registry", "Upsert",
			fmt.Sprintf("order %d", id))
	}
	changed := patch.applyTo(cur)
	out := cur.clone()
	var v uint64
	if changed {
		r.version++
		v = r.version
	}
	r.mu.Unlock()

	if changed {
		r.listeners.Notify(Change{Kind: ChangeUpdated, ID: id, Version: v})
	}
	return out, nil
}

// Remove deletes the record for id, clearing the selection if it pointed
// there.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	for i, other := range r.ids {
		if other == id {
			r.ids = append(r.ids[:i:i], r.ids[i+1:]...)
			break
		}
	}
	deselected := r.isSel && r.selected == id
	if deselected {
		r.selected, r.isSel = 0, false
	}
	r.version++
	v := r.version
	r.mu.Unlock()

	r.listeners.Notify(Change{Kind: ChangeRemoved, ID: id, Version: v})
	if deselected {
		r.listeners.Notify(Change{Kind: ChangeSelected, Version: v})
	}
	return true
}

func (r *Registry) Get(id int64) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// All returns every record in insertion order. Callers sort as they need.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// Select points the selection at id. Selecting an unknown id fails and
// leaves the selection as it was.
func (r *Registry) Select(id int64) bool {
	r.mu.Lock()
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return false
	}
	if r.isSel && r.selected == id {
		r.mu.Unlock()
		return true
	}
	r.selected, r.isSel = id, true
	r.version++
	v := r.version
	r.mu.Unlock()

	r.listeners.Notify(Change{Kind: ChangeSelected, ID: id, Version: v})
	return true
}

// Selected returns the selected record, if any.
func (r *Registry) Selected() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.isSel {
		return Record{}, false
	}
	rec, ok := r.byID[r.selected]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

func (r *Registry) ClearSelection() {
	r.mu.Lock()
	if !r.isSel {
		r.mu.Unlock()
		return
	}
	r.selected, r.isSel = 0, false
	r.version++
	v := r.version
	r.mu.Unlock()

	r.listeners.Notify(Change{Kind: ChangeSelected, Version: v})
}

// Reset drops every record and the selection. Listeners stay attached.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.ids = nil
	r.byID = make(map[int64]*Record)
	r.selected, r.isSel = 0, false
	r.version++
	v := r.version
	r.mu.Unlock()

	r.listeners.Notify(Change{Kind: ChangeReset, Version: v})
}

// Version counts mutations. It only grows, including across Reset.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
