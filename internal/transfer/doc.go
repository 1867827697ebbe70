// Package transfer implements the file transfer protocol spoken over an
// established peer channel: one META control message, the file's bytes as
// fixed-size binary chunks, then a DONE marker.
//
// Sending is flow controlled by the channel's own send buffer: the pump
// stops when buffered bytes reach a high-water mark and resumes on the
// channel's low-water drain signal. No per-chunk acks exist; ordering and
// delivery are the channel's problem.
package transfer
