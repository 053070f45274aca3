// Package health keeps a Monitor of per-component Status values and rolls
// them up with Aggregate.
//
// The transport entry is the dashboard's connection status indicator:
// TrackTransport keeps it in step with the transport's state transitions,
// so a dropped broker connection shows as degraded while the client
// reconnects and as unhealthy once it gives up or is disconnected.
package health
