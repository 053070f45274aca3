package reconciler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/location"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/order"
	"github.com/idompolo/call-agent-sub001/pkg/cache"
	"github.com/idompolo/call-agent-sub001/pkg/timestamp"
	"github.com/idompolo/call-agent-sub001/transport"
)

const (
	DefaultParkTTL   = 30 * time.Second
	DefaultDedupSize = 4096

	maxParkedPerOrder = 64
)

// Outcome is what handling one message amounted to.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeParked       Outcome = "parked"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeUnknownTopic Outcome = "unknown_topic"
	OutcomeFailed       Outcome = "failed"
)

// Diagnostic describes a message, or one item of a batch, that was not
// applied as sent.
type Diagnostic struct {
	Topic   string
	Kind    Kind
	OrderID int64
	Outcome Outcome
	Err     error
}

// Presence is the last known connection state of one agent.
type Presence struct {
	AgentID   string `json:"agentId"`
	Connected bool   `json:"connected"`
	At        int64  `json:"at"`
}

// parkedPatch is held without defaulted fields; at is the arrival time
// used for them on replay.
type parkedPatch struct {
	topic string
	kind  Kind
	patch order.Patch
	at    int64
}

// Reconciler applies inbound events to the order registry and the
// location cache. All mutations run under one lock, so the stores have a
// single writer no matter how many topics deliver concurrently.
type Reconciler struct {
	registry  *order.Registry
	locations *location.Cache
	validator *validator

	topics    map[string]Kind
	logger    *slog.Logger
	metrics   *metric.Metrics
	cacheReg  *metric.MetricsRegistry
	parkTTL   time.Duration
	dedupSize int
	now       func() int64

	mu     sync.Mutex
	parked cache.Cache[[]parkedPatch]
	dedup  cache.Cache[struct{}]
	diags  []Diagnostic

	stateMu  sync.RWMutex
	presence map[string]Presence
	unread   map[int64]int

	listeners transport.Listeners[Diagnostic]
	cancel    context.CancelFunc
}

// New builds a Reconciler writing into registry and locations.
func New(registry *order.Registry, locations *location.Cache, opts ...Option) (*Reconciler, error) {
	if registry == nil || locations == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "reconciler", "New", "registry and location cache are required")
	}
	r := &Reconciler{
		registry:  registry,
		locations: locations,
		topics:    DefaultTopics(DefaultLocationTopic),
		logger:    slog.Default(),
		parkTTL:   DefaultParkTTL,
		dedupSize: DefaultDedupSize,
		now:       timestamp.Now,
		presence:  make(map[string]Presence),
		unread:    make(map[int64]int),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.WrapInvalid(err, "reconciler", "New", "apply option")
		}
	}

	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	r.validator = v

	ctx, cancel := context.WithCancel(context.Background())
	sweep := r.parkTTL / 4
	if sweep < 100*time.Millisecond {
		sweep = 100 * time.Millisecond
	}
	r.parked, err = cache.NewTTL[[]parkedPatch](ctx, r.parkTTL, sweep,
		cache.WithMetrics[[]parkedPatch](r.cacheReg, "reconciler_parked"))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "reconciler", "New", "create parked cache")
	}
	r.dedup, err = cache.NewLRU[struct{}](r.dedupSize,
		cache.WithMetrics[struct{}](r.cacheReg, "reconciler_dedup"))
	if err != nil {
		cancel()
		_ = r.parked.Close()
		return nil, errors.Wrap(err, "reconciler", "New", "create dedup cache")
	}
	r.cancel = cancel
	return r, nil
}

// Handle is the transport handler form of Apply. Failures are reported
// through diagnostics and never escape.
func (r *Reconciler) Handle(_ context.Context, topic string, payload []byte) {
	_ = r.Apply(topic, payload)
}

// Apply classifies and applies one message. The returned error is the
// same one reported to diagnostics; callers on a delivery path may ignore
// it.
func (r *Reconciler) Apply(topic string, payload []byte) error {
	start := time.Now()
	kind := r.classify(topic, payload)

	r.mu.Lock()
	res, err := r.applyLocked(topic, kind, payload)
	diags := r.diags
	r.diags = nil
	parked := r.parked.Size()
	r.mu.Unlock()

	r.metrics.RecordEvent(string(kind), string(res.outcome), time.Since(start))
	r.metrics.RecordStoreSizes(r.registry.Len(), r.locations.Len(), parked)
	if err != nil {
		r.metrics.RecordError("reconciler", errors.Classify(err).String())
		r.log(topic, kind, res, err)
		diags = append(diags, Diagnostic{Topic: topic, Kind: kind, OrderID: res.orderID, Outcome: res.outcome, Err: err})
	}
	for _, d := range diags {
		r.listeners.Notify(d)
	}
	return err
}

type result struct {
	outcome Outcome
	orderID int64
}

func (r *Reconciler) applyLocked(topic string, kind Kind, payload []byte) (res result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = result{outcome: OutcomeFailed}
			err = errors.WrapFatal(fmt.Errorf("panic: %v", rec), "reconciler", "Apply", "apply "+string(kind))
		}
	}()

	if kind == KindUnknown {
		return result{outcome: OutcomeUnknownTopic}, errors.WrapInvalid(errors.ErrUnknownTopic, "reconciler", "Apply",
			"classify message on "+topic)
	}

	decoded, err := decode(payload)
	if err != nil {
		return result{outcome: OutcomeMalformed}, malformed(topic, kind, "decode", fmt.Errorf("%w: %v", errors.ErrParsingFailed, err))
	}
	eventID := envelopeEventID(decoded)
	body := unwrap(decoded)

	switch kind {
	case KindSnapshot:
		return r.applySnapshot(topic, body, eventID)
	case KindLocationBatch:
		return r.applyLocations(topic, body, eventID)
	}

	obj, ok := body.(map[string]any)
	if !ok {
		return result{outcome: OutcomeMalformed}, malformed(topic, kind, fmt.Sprintf("expected object, got %T", body), nil)
	}
	switch kind {
	case KindAgentConnected:
		return r.applyPresence(topic, obj, eventID)
	case KindAdded:
		return r.applyAdded(topic, obj, eventID)
	case KindChat:
		return r.applyChat(topic, obj, eventID)
	}
	return r.applyPartial(topic, kind, obj, eventID)
}

func (r *Reconciler) applySnapshot(topic string, body any, eventID string) (result, error) {
	key := dedupKey(KindSnapshot, eventID)
	if r.seen(key) {
		return result{outcome: OutcomeDuplicate}, nil
	}
	list, ok := body.([]any)
	if !ok {
		return result{outcome: OutcomeMalformed}, malformed(topic, KindSnapshot, fmt.Sprintf("expected array of orders, got %T", body), nil)
	}

	records := make([]order.Record, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			r.diagnose(topic, KindSnapshot, 0, malformed(topic, KindSnapshot, fmt.Sprintf("order %d: expected object, got %T", i, item), nil))
			continue
		}
		rec, err := r.recordFrom(topic, KindSnapshot, obj)
		if err != nil {
			r.diagnose(topic, KindSnapshot, 0, err)
			continue
		}
		records = append(records, rec)
	}

	r.registry.ReplaceAll(records)
	if err := r.parked.Clear(); err != nil {
		r.logger.Warn("failed to discard parked updates", "error", err)
	}

	r.stateMu.Lock()
	for id := range r.unread {
		if _, ok := r.registry.Get(id); !ok {
			delete(r.unread, id)
		}
	}
	r.stateMu.Unlock()

	r.remember(key)
	return result{outcome: OutcomeApplied}, nil
}

func (r *Reconciler) applyAdded(topic string, obj map[string]any, eventID string) (result, error) {
	rec, err := r.recordFrom(topic, KindAdded, obj)
	if err != nil {
		return result{outcome: OutcomeMalformed}, err
	}
	res := result{outcome: OutcomeApplied, orderID: rec.ID}
	key := dedupKey(KindAdded, eventID)
	if r.seen(key) {
		res.outcome = OutcomeDuplicate
		return res, nil
	}

	if rec.AddedAt == 0 {
		if existing, ok := r.registry.Get(rec.ID); ok && existing.AddedAt != 0 {
			rec.AddedAt = existing.AddedAt
		} else {
			rec.AddedAt = r.now()
		}
	}
	version := r.registry.Version()
	r.registry.Insert(rec)
	r.replayParked(rec.ID)
	if r.registry.Version() == version {
		res.outcome = OutcomeUnchanged
	}
	r.remember(key)
	return res, nil
}

// replayParked applies, in arrival order, the updates that arrived for id
// before its add event.
func (r *Reconciler) replayParked(id int64) {
	pending, ok := r.parked.Take(parkKey(id))
	if !ok {
		return
	}
	for _, p := range pending {
		version := r.registry.Version()
		patch := p.patch
		if current, ok := r.registry.Get(id); ok {
			patch = withDefaults(p.kind, patch, current, p.at)
		}
		if _, err := r.registry.Upsert(id, patch); err != nil {
			r.diagnose(p.topic, p.kind, id, err)
			continue
		}
		if p.kind == KindChat && r.registry.Version() != version {
			r.bumpUnread(id)
		}
		r.logger.Debug("replayed parked update", "order_id", id, "kind", p.kind)
	}
}

func (r *Reconciler) applyPartial(topic string, kind Kind, obj map[string]any, eventID string) (result, error) {
	t := orderTable
	if kind == KindAgentSelected {
		t = selectTable
	}
	id, patch, err := r.patchFrom(topic, kind, obj, t)
	if err != nil {
		return result{outcome: OutcomeMalformed}, err
	}
	var at int64
	if hasDefaults(kind) {
		at = r.now()
		if current, ok := r.registry.Get(id); ok {
			patch = withDefaults(kind, patch, current, at)
		}
	}
	return r.upsert(topic, kind, id, patch, at, dedupKey(kind, eventID), result{outcome: OutcomeApplied, orderID: id})
}

func hasDefaults(kind Kind) bool {
	return kind == KindAccepted || kind == KindCancelled
}

// withDefaults fills the accept or cancel fields a producer left out,
// stamped with at, unless current already carries them. Duplicates of one
// accept or cancel therefore all end on the first timestamp.
func withDefaults(kind Kind, patch order.Patch, current order.Record, at int64) order.Patch {
	switch kind {
	case KindAccepted:
		if patch.AcceptedAt == nil && current.AcceptedAt == 0 {
			patch.AcceptedAt = order.Ptr(at)
		}
	case KindCancelled:
		if patch.CancelledAt == nil && current.CancelledAt == 0 {
			patch.CancelledAt = order.Ptr(at)
		}
		if patch.CancelStatus == nil && current.CancelStatus == "" {
			patch.CancelStatus = order.Ptr("cancelled")
		}
	}
	return patch
}

func (r *Reconciler) applyChat(topic string, obj map[string]any, eventID string) (result, error) {
	canon, _, err := normalize(obj, chatTable)
	if err != nil {
		return result{outcome: OutcomeMalformed}, malformed(topic, KindChat, "normalize", err)
	}
	if err := r.validator.validate(KindChat, canon); err != nil {
		return result{outcome: OutcomeMalformed}, malformed(topic, KindChat, "schema", err)
	}
	id := canon["id"].(int64)
	delete(canon, "id")

	var msg order.Message
	if err := remarshal(canon, &msg); err != nil {
		return result{outcome: OutcomeMalformed, orderID: id}, malformed(topic, KindChat, "decode", err)
	}
	if eventID == "" {
		eventID = msg.ID
	}
	return r.upsert(topic, KindChat, id, order.Patch{Messages: []order.Message{msg}}, 0, dedupKey(KindChat, eventID),
		result{outcome: OutcomeApplied, orderID: id})
}

// upsert merges patch, parking it when the order is unknown. A non-zero at
// keeps an otherwise empty accept or cancel alive for its defaults.
func (r *Reconciler) upsert(topic string, kind Kind, id int64, patch order.Patch, at int64, key string, res result) (result, error) {
	if key != "" && r.seen(key) {
		res.outcome = OutcomeDuplicate
		return res, nil
	}
	if patch.Empty() && at == 0 {
		res.outcome = OutcomeUnchanged
		return res, nil
	}

	version := r.registry.Version()
	_, err := r.registry.Upsert(id, patch)
	if stderrors.Is(err, errors.ErrUnknownOrder) {
		r.park(id, parkedPatch{topic: topic, kind: kind, patch: patch, at: at})
		r.remember(key)
		res.outcome = OutcomeParked
		return res, &errors.UnknownIDUpdateError{Topic: topic, Kind: string(kind), OrderID: id}
	}
	if err != nil {
		res.outcome = OutcomeFailed
		return res, err
	}
	if r.registry.Version() == version {
		res.outcome = OutcomeUnchanged
	} else if kind == KindChat {
		r.bumpUnread(id)
	}
	r.remember(key)
	return res, nil
}

func (r *Reconciler) park(id int64, p parkedPatch) {
	key := parkKey(id)
	pending, _ := r.parked.Get(key)
	pending = append(pending, p)
	if len(pending) > maxParkedPerOrder {
		pending = pending[len(pending)-maxParkedPerOrder:]
	}
	if _, err := r.parked.Set(key, pending); err != nil {
		r.logger.Warn("failed to park update", "order_id", id, "error", err)
	}
}

func (r *Reconciler) applyPresence(topic string, obj map[string]any, eventID string) (result, error) {
	canon, _, err := normalize(obj, presenceTable)
	if err != nil {
		return result{outcome: OutcomeMalformed}, malformed(topic, KindAgentConnected, "normalize", err)
	}
	if err := r.validator.validate(KindAgentConnected, canon); err != nil {
		return result{outcome: OutcomeMalformed}, malformed(topic, KindAgentConnected, "schema", err)
	}
	key := dedupKey(KindAgentConnected, eventID)
	if r.seen(key) {
		return result{outcome: OutcomeDuplicate}, nil
	}

	p := Presence{AgentID: canon["agentId"].(string), Connected: true}
	if v, ok := canon["connected"].(bool); ok {
		p.Connected = v
	}
	if v, ok := canon["at"].(int64); ok && v != 0 {
		p.At = v
	} else {
		p.At = r.now()
	}

	r.stateMu.Lock()
	prev, known := r.presence[p.AgentID]
	if known && prev.At > p.At {
		r.stateMu.Unlock()
		r.remember(key)
		return result{outcome: OutcomeUnchanged}, nil
	}
	r.presence[p.AgentID] = p
	r.stateMu.Unlock()

	r.remember(key)
	if known && prev.Connected == p.Connected {
		return result{outcome: OutcomeUnchanged}, nil
	}
	return result{outcome: OutcomeApplied}, nil
}

func (r *Reconciler) applyLocations(topic string, body any, eventID string) (result, error) {
	key := dedupKey(KindLocationBatch, eventID)
	if r.seen(key) {
		return result{outcome: OutcomeDuplicate}, nil
	}
	list, ok := body.([]any)
	if !ok {
		if obj, isObj := body.(map[string]any); isObj {
			list = []any{obj}
		} else {
			return result{outcome: OutcomeMalformed}, malformed(topic, KindLocationBatch, fmt.Sprintf("expected array of fixes, got %T", body), nil)
		}
	}

	batch := make([]location.Location, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			r.diagnose(topic, KindLocationBatch, 0, malformed(topic, KindLocationBatch, fmt.Sprintf("fix %d: expected object, got %T", i, item), nil))
			continue
		}
		canon, _, err := normalize(obj, locationItemTable)
		if err == nil {
			err = r.validator.validate(KindLocationBatch, canon)
		}
		if err != nil {
			r.diagnose(topic, KindLocationBatch, 0, malformed(topic, KindLocationBatch, fmt.Sprintf("fix %d", i), err))
			continue
		}
		var loc location.Location
		if err := remarshal(canon, &loc); err != nil {
			r.diagnose(topic, KindLocationBatch, 0, malformed(topic, KindLocationBatch, fmt.Sprintf("fix %d", i), err))
			continue
		}
		batch = append(batch, loc)
	}

	n, err := r.locations.UpsertBatch(batch)
	if err != nil {
		return result{outcome: OutcomeMalformed}, malformed(topic, KindLocationBatch, "apply batch", err)
	}
	r.remember(key)
	if n == 0 {
		return result{outcome: OutcomeUnchanged}, nil
	}
	return result{outcome: OutcomeApplied}, nil
}

func (r *Reconciler) recordFrom(topic string, kind Kind, obj map[string]any) (order.Record, error) {
	canon, extra, err := normalize(obj, orderTable)
	if err != nil {
		return order.Record{}, malformed(topic, kind, "normalize", err)
	}
	if err := r.validator.validate(kind, canon); err != nil {
		return order.Record{}, malformed(topic, kind, "schema", err)
	}
	var rec order.Record
	if err := remarshal(canon, &rec); err != nil {
		return order.Record{}, malformed(topic, kind, "decode", err)
	}
	rec.Extra = extra
	return rec, nil
}

func (r *Reconciler) patchFrom(topic string, kind Kind, obj map[string]any, t table) (int64, order.Patch, error) {
	canon, extra, err := normalize(obj, t)
	if err != nil {
		return 0, order.Patch{}, malformed(topic, kind, "normalize", err)
	}
	if err := r.validator.validate(kind, canon); err != nil {
		return 0, order.Patch{}, malformed(topic, kind, "schema", err)
	}
	id := canon["id"].(int64)
	delete(canon, "id")
	delete(canon, "eventId")

	var patch order.Patch
	if err := remarshal(canon, &patch); err != nil {
		return id, order.Patch{}, malformed(topic, kind, "decode", err)
	}
	patch.Extra = extra
	return id, patch, nil
}

// OnDiagnostic registers fn for every message or batch item that was not
// applied as sent. Callbacks run on the delivery goroutine after the
// stores have been updated.
func (r *Reconciler) OnDiagnostic(fn func(Diagnostic)) (detach func()) {
	return r.listeners.Add(fn)
}

// Topics lists the topics this reconciler classifies by name.
func (r *Reconciler) Topics() []string {
	return Topics(r.topics)
}

// Presence returns the known agents ordered by id.
func (r *Reconciler) Presence() []Presence {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	out := make([]Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Unread is the number of chat messages received for orderID since the
// last MarkRead.
func (r *Reconciler) Unread(orderID int64) int {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.unread[orderID]
}

func (r *Reconciler) MarkRead(orderID int64) {
	r.stateMu.Lock()
	delete(r.unread, orderID)
	r.stateMu.Unlock()
}

// Parked is the number of orders with updates waiting for their add event.
func (r *Reconciler) Parked() int {
	return r.parked.Size()
}

// Reset empties both stores and all reconciler state. Subscriptions held
// elsewhere are not affected.
func (r *Reconciler) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.registry.Reset()
	if err := r.locations.Clear(); err != nil {
		return errors.Wrap(err, "reconciler", "Reset", "clear locations")
	}
	if err := r.parked.Clear(); err != nil {
		return errors.Wrap(err, "reconciler", "Reset", "clear parked updates")
	}
	if err := r.dedup.Clear(); err != nil {
		return errors.Wrap(err, "reconciler", "Reset", "clear seen events")
	}

	r.stateMu.Lock()
	r.presence = make(map[string]Presence)
	r.unread = make(map[int64]int)
	r.stateMu.Unlock()
	return nil
}

// Close stops the parked-update sweeper.
func (r *Reconciler) Close() error {
	r.cancel()
	var errs []error
	if err := r.parked.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.dedup.Close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (r *Reconciler) bumpUnread(id int64) {
	r.stateMu.Lock()
	r.unread[id]++
	r.stateMu.Unlock()
}

func (r *Reconciler) seen(key string) bool {
	if key == "" {
		return false
	}
	_, ok := r.dedup.Get(key)
	return ok
}

func (r *Reconciler) remember(key string) {
	if key == "" {
		return
	}
	if _, err := r.dedup.Set(key, struct{}{}); err != nil {
		r.logger.Warn("failed to remember event", "key", key, "error", err)
	}
}

// diagnose records a per-item failure that does not fail the whole message.
func (r *Reconciler) diagnose(topic string, kind Kind, orderID int64, err error) {
	r.metrics.RecordError("reconciler", errors.Classify(err).String())
	outcome := OutcomeMalformed
	if stderrors.Is(err, errors.ErrUnknownOrder) {
		outcome = OutcomeParked
	}
	r.log(topic, kind, result{outcome: outcome, orderID: orderID}, err)
	r.diags = append(r.diags, Diagnostic{Topic: topic, Kind: kind, OrderID: orderID, Outcome: outcome, Err: err})
}

func (r *Reconciler) log(topic string, kind Kind, res result, err error) {
	attrs := []any{"topic", topic, "kind", kind, "outcome", res.outcome, "error", err}
	if res.orderID != 0 {
		attrs = append(attrs, "order_id", res.orderID)
	}
	switch res.outcome {
	case OutcomeFailed:
		r.logger.Error("event handling failed", attrs...)
	case OutcomeMalformed:
		r.logger.Warn("dropped malformed event", attrs...)
	case OutcomeParked:
		r.logger.Info("update for unknown order held", attrs...)
	default:
		r.logger.Debug("event not applied", attrs...)
	}
}

func malformed(topic string, kind Kind, reason string, err error) error {
	return &errors.MalformedEventError{Topic: topic, Kind: string(kind), Reason: reason, Err: err}
}

func dedupKey(kind Kind, eventID string) string {
	if eventID == "" {
		return ""
	}
	return string(kind) + ":" + eventID
}

func parkKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// envelopeEventID reads the event id from the outermost object, which for
// enveloped payloads sits beside data.
func envelopeEventID(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"eventId", "event_id", "msgEventId"} {
		switch id := m[key].(type) {
		case string:
			return id
		case json.Number:
			return id.String()
		}
	}
	return ""
}

func remarshal(src map[string]any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
