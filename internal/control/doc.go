// Package control owns the control-channel request/response protocol.
//
// Ownership boundary:
// - Processor: requester side; correlation of responses, event dispatch,
//   typed operations for host discovery and channel negotiation
// - Responder: host side; request dispatch and event emission
//
// The Processor owns its two byte streams for the life of the process. Retry
// policy belongs to callers; nothing in this package retries.
package control
