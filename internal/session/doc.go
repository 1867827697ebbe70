// Package session implements the client side of the signaling protocol: a
// relay connection and an explicit state machine that takes an identity
// from idle through request, negotiation, and an active peer channel, and
// safely back to idle on every cancel, reject, loss, and failure path.
package session
