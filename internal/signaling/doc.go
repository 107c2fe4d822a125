// Package signaling exchanges offer/answer/ICE messages with a remote peer
// through an HTTP relay mailbox.
//
// The package is transport only: it neither interprets nor orders messages
// beyond what the relay provides. Protocol semantics live in
// internal/negotiation.
package signaling
