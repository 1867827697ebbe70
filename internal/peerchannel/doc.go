// Package peerchannel owns the direct peer-to-peer transport: a WebRTC
// PeerConnection carrying one ordered, reliable DataChannel labeled "file".
//
// The session state machine drives offer/answer/candidate exchange through
// it, and the transfer engine pumps file frames over it. The relay never
// sees any of this traffic.
package peerchannel
