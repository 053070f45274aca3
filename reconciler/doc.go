// Package reconciler turns raw transport messages into registry and
// location cache mutations.
//
// Each message is classified by topic, or by payload shape when the topic
// is not in the table, then normalized onto canonical field names,
// validated against an embedded JSON schema for its kind and applied:
//
//	order-snapshot    Registry.ReplaceAll
//	order-added       Registry.Insert, then replay of parked updates
//	order-modified    Registry.Upsert
//	order-accepted    Registry.Upsert (acceptedAt defaults to now)
//	order-cancelled   Registry.Upsert (cancelledAt defaults to now)
//	order-action      Registry.Upsert appending to Actions
//	agent-selected    Registry.Upsert of SelectAgent
//	chat-message      Registry.Upsert appending to Messages, unread count
//	agent-connected   presence table
//	location-batch    Cache.UpsertBatch
//
// A partial update for an order the registry does not hold mutates
// nothing. It is parked for a short window and replayed if the add event
// arrives, which tolerates a cancel racing ahead of its add on another
// topic. The next snapshot discards whatever is still parked.
//
// Events carrying an eventId (chat messages: msgId) are remembered in an
// LRU and a repeat has no effect. Every failure is isolated to its message
// and reported through slog, metrics and OnDiagnostic.
//
// Usage with a multiplexer:
//
//	rec, err := reconciler.New(registry, locations, reconciler.WithLogger(logger))
//	for _, topic := range rec.Topics() {
//		att, err := m.Subscribe(topic, rec.Handle)
//		...
//	}
package reconciler
