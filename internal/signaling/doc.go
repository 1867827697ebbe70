// Package signaling contains the relay's control-message surface: the wire
// protocol, the Online Set registry and the coordinator that routes messages
// between connected identities.
//
// The relay only ever sees control messages. File bytes travel directly
// between peers over their negotiated channel and never pass through here.
package signaling
