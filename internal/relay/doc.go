// Package relay owns the virtual channel transport: a named, authenticated,
// bidirectional byte pipe carrying opaque application payloads.
//
// Ownership boundary:
// - relay addressing (pipe:// and unix:// forms onto unix domain sockets)
// - connection lifecycle state machine and raw read/write primitives
// - host-side listener with single-use token validation
//
// The relay is byte oriented. It imposes no framing on the transport; payload
// structure belongs to the application on either end.
package relay
