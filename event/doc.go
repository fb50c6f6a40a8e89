// Package event defines monitoring events and their field encoding.
//
// An Event carries a 32-bit Type (category<<16 | element), the source and
// destination instance identifiers and a Payload. Payloads serialize their own
// fields through Encoder and Decoder, which implement the wire conventions:
// fixed-width big-endian integers, one-byte booleans, uint16 length-prefixed
// UTF-8 strings, int64 Unix-second timestamps and IEEE-754 float64 values.
//
// A Registry maps types to payload factories. Decoders consult it to build the
// right payload; unregistered types decode to *Raw and can still be relayed.
package event
