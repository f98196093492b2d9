// Package vcwire owns the control-channel wire contract.
//
// Ownership boundary:
// - request/response/event envelope shapes
// - operation and event names
// - newline-delimited JSON codec over byte streams
//
// The envelope framing is an external protocol contract: each envelope is one
// self-delimiting JSON line. This package consumes that format, it does not
// redefine it.
package vcwire
