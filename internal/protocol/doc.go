// Package protocol encodes and decodes the UDP control frames exchanged
// between senders and receivers: SETUP, status messages, NAKs, and RTT
// measurements.
//
// # Overview
//
// Every frame starts with the same 8-byte prefix as a log buffer frame
// (frameLength i32, version u8, flags u8, type u16, little-endian), so
// DATA and PAD frames go on the wire exactly as committed in the term
// buffer. The codecs here cover the frames the driver originates itself
// rather than copies out of a log.
package protocol
