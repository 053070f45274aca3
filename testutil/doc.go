// Package testutil provides an in-memory transport, polling helpers and
// payload fixtures for package tests.
//
// Transport implements transport.Transport without any network: Inject
// plays the broker, Published captures what the code under test sent, and
// Opened/Closed count underlying subscriptions per topic.
package testutil
