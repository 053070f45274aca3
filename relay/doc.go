// Package relay is the relayed transport. The agent process cannot reach
// the broker directly, so a privileged host process runs a Bridge over its
// own direct transport and the agent talks to it through a Client.
//
// Both sides exchange JSON Envelope frames over a single websocket:
//
//	client → bridge   connect, disconnect, reconnect, publish,
//	                  subscribe, unsubscribe, status
//	bridge → client   ack / nack (echoing the request id),
//	                  message (inbound payload for a topic),
//	                  state (upstream connection state changes)
//
// The Client implements transport.Transport. Every request carries a fresh
// id and waits for the matching ack or nack; a nack becomes an error whose
// text is the bridge's reason. Local handlers sharing a topic share one
// bridge subscription.
//
// The websocket link redials with backoff whenever it drops. Requests in
// flight fail with errors.ErrConnectionLost, the state moves to
// Reconnecting, and after the next successful dial the client replays its
// subscriptions and session.
//
// The Bridge is an http.Handler:
//
//	bridge, err := relay.NewBridge(natsClient, relay.WithBridgeLogger(logger))
//	if err != nil {
//	    return err
//	}
//	mux.Handle("/relay", bridge)
//
// A session's upstream subscriptions and state listener are released when
// its socket closes, however it closes.
package relay
