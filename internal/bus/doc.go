// Package bus provides implementations of the external publish/subscribe
// collaborator: an in-process bus for tests and single-process deployments,
// and a websocket client for a shared bus gateway.
package bus
