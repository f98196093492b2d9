// Package bridge pumps bytes between a virtual channel relay and an external
// publish/subscribe bus.
//
// Ownership boundary:
// - the Bus contract the external bus must satisfy
// - inbound pump: relay reads -> bus broadcasts, exactly once, in order
// - outbound pump: bus subscription -> relay writes
// - shutdown: closing the relay is the single cancellation primitive; the
//   surviving pump observes ErrRelayClosed and terminates instead of blocking
package bridge
