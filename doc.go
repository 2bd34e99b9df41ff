// Package canseq checks the integrity of a CAN link with sequence-numbered
// frames.
//
// A Sender transmits one frame per interval on a fixed identifier. Each
// payload is a little-endian uint32 counter followed by a four byte tag:
//
//	offset 0  counter (uint32, little-endian)
//	offset 4  tag (DE AD BE EF by default)
//
// A Receiver polls a bus, keeps frames for its own identifier and classifies
// every arrival as in-order, gap, duplicate or late. Report summarises what
// was seen: unique count, counter range and the missing counters.
//
// Loss, duplication and reordering are observed and reported, never
// corrected. Transports live in the canbus subpackage and the run lifecycle
// in session.
package canseq
