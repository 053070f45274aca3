// Package transport defines the publish/subscribe contract shared by the
// direct NATS client and the websocket relay client.
//
// Besides the Transport interface it holds the pieces both implementations
// reuse: State and its Tracker, the Listeners fan-out, and Subscriptions,
// which records subscription intents apart from any live connection so they
// can be materialised on connect and restored after a reconnect.
package transport
