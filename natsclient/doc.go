// Package natsclient is the direct transport: a transport.Transport backed by
// a single NATS connection, with circuit breaker protection around dialing
// and automatic recovery of the session and its subscriptions.
//
// # Connection lifecycle
//
// Connect dials the server with the connection named after the agent
// identity. The state moves Disconnected → Checking → Connected, or to
// Error when the dial fails. A failed Connect still returns its
// *errors.ConnectionError to the caller, but the client keeps redialing in
// the background (pkg/retry, unbounded, 250ms doubling to 30s) until it
// succeeds or Disconnect is called.
//
// Once connected, nats.go owns reconnection (MaxReconnects(-1)). Its
// disconnect and reconnect callbacks move the state to Reconnecting and back
// to Connected, and the server-side subscriptions are resent by nats.go
// itself. If nats.go ever closes the connection for good, the client drops
// back to its own redial loop.
//
// # Circuit breaker
//
// After a threshold of consecutive dial failures (default 5) the breaker
// opens and dial attempts fail fast with errors.ErrCircuitOpen. After the
// current backoff (1s doubling to WithMaxBackoff) the breaker half-opens and
// the next attempt goes through. A successful connect or reconnect closes it.
//
// # Subscriptions
//
// Subscribe only records an intent and returns a handle. Intents are turned
// into NATS subscriptions whenever a connection exists, so subscribing
// before Connect never loses the request:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//
//	h, _ := client.Subscribe("web/addOrder", func(ctx context.Context, topic string, payload []byte) {
//	    // runs on the subscription's delivery goroutine
//	})
//	defer client.Unsubscribe(h)
//
//	if err := client.Connect(ctx, "agent-7"); err != nil {
//	    log.Printf("still connecting: %v", err)
//	}
//
// Handlers for one subscription are called sequentially in arrival order.
// A panicking handler is recovered and logged; delivery continues.
//
// # Publishing
//
// Publish fails fast with *errors.PublishError when the connection is not up
// instead of buffering into the reconnect buffer. Callers decide whether to
// retry.
//
// # Testing
//
// Files tagged "integration" provide StartTestServer, which runs a NATS
// server with testcontainers-go:
//
//	srv := natsclient.StartTestServer(t)
//	client := srv.NewClient(t)
package natsclient
